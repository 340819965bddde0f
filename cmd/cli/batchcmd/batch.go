package batchcmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/guregu/null/v6"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"benchrunner/cmd/cli/runcmd"
	"benchrunner/internal/config"
	"benchrunner/internal/coordinator"
	"benchrunner/internal/models"
)

var Command = &cobra.Command{
	Use:   "batch",
	Short: "Manage batches",
	Long:  "Create, control and inspect batches directly against the database",
}

func init() {
	Command.PersistentFlags().Bool("no-queue", false, "do not connect to redis, runs are not dispatched and signals are not mirrored")

	createCmd.Flags().StringP("file", "f", "", "yaml file describing the batch")
	createCmd.Flags().String("name", "", "batch name")
	createCmd.Flags().Int64("dataset", 0, "dataset version id")
	createCmd.Flags().StringSlice("model", nil, "model to run, repeatable")
	createCmd.Flags().Int("runs", 0, "runs per model")
	createCmd.Flags().Int("repeat", 0, "times each question is asked per run")
	createCmd.Flags().Bool("skip-evaluation", false, "finish runs as COMPLETED instead of handing them to evaluation")
	createCmd.Flags().Bool("dispatch", false, "publish the new runs to the queue")

	evaluateCmd.Flags().String("name", "", "batch name")
	evaluateCmd.Flags().StringSlice("evaluator", nil, "evaluator model, repeatable")
	evaluateCmd.Flags().String("criteria", "", "criteria the evaluators score against")
	evaluateCmd.Flags().Bool("dispatch", false, "publish the new runs to the queue")

	listCmd.Flags().StringSlice("status", nil, "only list batches in these statuses")
	pauseCmd.Flags().String("reason", "", "reason recorded on the batch and its runs")
	exportCmd.Flags().StringP("out", "o", "", "write JSON lines to this file instead of object storage, - for stdout")

	Command.AddCommand(createCmd, evaluateCmd, listCmd, progressCmd, pauseCmd, resumeCmd, cancelCmd,
		dispatchCmd, retryRunCmd, exportCmd)
}

func stack(cmd *cobra.Command) *runcmd.Stack {
	conf := config.FromCobraCmd(cmd)
	noQueue, _ := cmd.Flags().GetBool("no-queue")
	return runcmd.NewStack(conf, !noQueue)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%q is not a valid id", arg)
	}
	return id, nil
}

// batchFile is the yaml form of a batch description
type batchFile struct {
	Name             string   `yaml:"name"`
	Stage            string   `yaml:"stage"`
	DatasetVersionID int64    `yaml:"dataset_version_id"`
	Models           []string `yaml:"models"`
	RunsPerModel     int      `yaml:"runs_per_model"`
	RepeatCount      int      `yaml:"repeat_count"`
	SourceBatchID    int64    `yaml:"source_batch_id"`
	Evaluators       []string `yaml:"evaluators"`
	SkipEvaluation   bool     `yaml:"skip_evaluation"`
	MaxRetries       *int64   `yaml:"max_retries"`
	TimeoutSeconds   *int64   `yaml:"timeout_seconds"`
	AutoResume       *bool    `yaml:"auto_resume"`
	Parameters       struct {
		SystemPrompt string   `yaml:"system_prompt"`
		Temperature  *float64 `yaml:"temperature"`
		MaxTokens    *int64   `yaml:"max_tokens"`
		Criteria     string   `yaml:"criteria"`
	} `yaml:"parameters"`
}

func (f *batchFile) request() coordinator.CreateBatchRequest {
	req := coordinator.CreateBatchRequest{
		Name:             f.Name,
		Stage:            models.Stage(f.Stage),
		DatasetVersionID: f.DatasetVersionID,
		Models:           f.Models,
		RunsPerModel:     f.RunsPerModel,
		RepeatCount:      f.RepeatCount,
		SourceBatchID:    f.SourceBatchID,
		Evaluators:       f.Evaluators,
		SkipEvaluation:   f.SkipEvaluation,
		MaxRetries:       null.IntFromPtr(f.MaxRetries),
		TimeoutSeconds:   null.IntFromPtr(f.TimeoutSeconds),
		AutoResume:       null.BoolFromPtr(f.AutoResume),
		Parameters: models.Parameters{
			SystemPrompt: f.Parameters.SystemPrompt,
			Temperature:  null.FloatFromPtr(f.Parameters.Temperature),
			MaxTokens:    null.IntFromPtr(f.Parameters.MaxTokens),
			Criteria:     f.Parameters.Criteria,
		},
	}
	return req
}

// readRequest loads a batch description from yaml, an empty path gives an empty request
func readRequest(path string) (coordinator.CreateBatchRequest, error) {
	if path == "" {
		return coordinator.CreateBatchRequest{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return coordinator.CreateBatchRequest{}, err
	}
	var f batchFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return coordinator.CreateBatchRequest{}, fmt.Errorf("could not parse %s: %w", path, err)
	}
	return f.request(), nil
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Creates a generation batch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		req, err := readRequest(file)
		if err != nil {
			return err
		}
		if req.Stage == "" {
			req.Stage = models.StageGeneration
		}

		flags := cmd.Flags()
		if flags.Changed("name") {
			req.Name, _ = flags.GetString("name")
		}
		if flags.Changed("dataset") {
			req.DatasetVersionID, _ = flags.GetInt64("dataset")
		}
		if flags.Changed("model") {
			req.Models, _ = flags.GetStringSlice("model")
		}
		if flags.Changed("runs") {
			req.RunsPerModel, _ = flags.GetInt("runs")
		}
		if flags.Changed("repeat") {
			req.RepeatCount, _ = flags.GetInt("repeat")
		}
		if flags.Changed("skip-evaluation") {
			req.SkipEvaluation, _ = flags.GetBool("skip-evaluation")
		}
		return create(cmd, req)
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <source-batch-id>",
	Short: "Creates an evaluation batch over the finished runs of a generation batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := parseID(args[0])
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = fmt.Sprintf("evaluation of batch %d", source)
		}
		evaluators, _ := cmd.Flags().GetStringSlice("evaluator")
		criteria, _ := cmd.Flags().GetString("criteria")

		req := coordinator.CreateBatchRequest{
			Name:          name,
			Stage:         models.StageEvaluation,
			SourceBatchID: source,
			Evaluators:    evaluators,
		}
		if criteria != "" {
			req.Parameters.Criteria = criteria
		}
		return create(cmd, req)
	},
}

func create(cmd *cobra.Command, req coordinator.CreateBatchRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	st := stack(cmd)
	defer st.Close()

	ctx := context.Background()
	batch, err := st.Coordinator.CreateBatch(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("Created %s batch %d %s\n", batch.Stage, batch.ID, faint.Render(batch.Name))

	if dispatch, _ := cmd.Flags().GetBool("dispatch"); dispatch && st.Queue != nil {
		n, err := st.Coordinator.Dispatch(ctx, batch.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Dispatched %d runs\n", n)
	}
	return nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists batches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetStringSlice("status")
		statuses := make([]models.Status, 0, len(raw))
		for _, s := range raw {
			status := models.Status(s)
			if !status.Valid() {
				return fmt.Errorf("unknown status %q", s)
			}
			statuses = append(statuses, status)
		}

		st := stack(cmd)
		defer st.Close()

		batches, err := st.Store.ListBatches(context.Background(), statuses...)
		if err != nil {
			return err
		}
		fmt.Print(renderBatches(batches))
		return nil
	},
}

var progressCmd = &cobra.Command{
	Use:     "progress <batch-id>",
	Aliases: []string{"show"},
	Short:   "Shows the progress of a batch and its runs",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		st := stack(cmd)
		defer st.Close()

		p, err := st.Coordinator.Progress(context.Background(), id)
		if err != nil {
			return err
		}
		batch, err := st.Store.GetBatch(context.Background(), id)
		if err != nil {
			return err
		}
		fmt.Print(renderProgress(batch, p))
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <batch-id>",
	Short: "Pauses a batch, runs stop at their next item boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return control(cmd, args[0], func(ctx context.Context, st *runcmd.Stack, id int64) (*models.Batch, error) {
			return st.Coordinator.Pause(ctx, id, reason)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <batch-id>",
	Short: "Resumes a paused batch from its checkpoints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(cmd, args[0], func(ctx context.Context, st *runcmd.Stack, id int64) (*models.Batch, error) {
			return st.Coordinator.Resume(ctx, id)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <batch-id>",
	Short: "Cancels a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(cmd, args[0], func(ctx context.Context, st *runcmd.Stack, id int64) (*models.Batch, error) {
			return st.Coordinator.Cancel(ctx, id)
		})
	},
}

func control(cmd *cobra.Command, arg string, f func(context.Context, *runcmd.Stack, int64) (*models.Batch, error)) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	st := stack(cmd)
	defer st.Close()

	batch, err := f(context.Background(), st, id)
	if err != nil {
		return err
	}
	fmt.Printf("Batch %d is %s\n", batch.ID, statusStyle(batch.Status).Render(string(batch.Status)))
	return nil
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <batch-id>",
	Short: "Publishes the dispatchable runs of a batch to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		st := stack(cmd)
		defer st.Close()
		if st.Queue == nil {
			return fmt.Errorf("dispatch needs the queue, drop --no-queue")
		}

		n, err := st.Coordinator.Dispatch(context.Background(), id)
		if err != nil {
			return err
		}
		fmt.Printf("Dispatched %d runs of batch %d\n", n, id)
		return nil
	},
}

var retryRunCmd = &cobra.Command{
	Use:   "retry-run <run-id>",
	Short: "Re-arms a failed run, it continues from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		st := stack(cmd)
		defer st.Close()

		run, err := st.Coordinator.RetryRun(context.Background(), id)
		if err != nil {
			return err
		}
		fmt.Printf("Run %d is %s after %d resumes\n", run.ID, statusStyle(run.Status).Render(string(run.Status)), run.ResumeCount)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <batch-id>",
	Short: "Exports the results of a batch as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		st := stack(cmd)
		defer st.Close()

		ctx := context.Background()
		out, _ := cmd.Flags().GetString("out")
		switch out {
		case "":
			keys, err := st.Exporter.Export(ctx, id)
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Println(key)
			}
		case "-":
			if _, err := st.Exporter.WriteBatch(ctx, os.Stdout, id); err != nil {
				return err
			}
		default:
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			n, err := st.Exporter.WriteBatch(ctx, f, id)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %d results to %s\n", n, out)
		}
		return nil
	},
}
