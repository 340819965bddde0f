package runcmd

import (
	"context"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"benchrunner/internal/config"
)

var batchCmd = &cobra.Command{
	Use:   "batch <batch-id>",
	Short: "Processes a batch in this process",
	Long: `Processes every dispatchable run of a batch in this process, without the queue.

Interrupting the command pauses the runs in flight at their last checkpoint, running it again
continues from there.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		batchID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return err
		}
		conf := config.FromCobraCmd(cmd)

		st := NewStack(conf, false)
		defer st.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		batch, err := st.Coordinator.Run(ctx, batchID)
		if err != nil {
			return err
		}
		log.Info().
			Int64("batch_id", batch.ID).
			Str("status", string(batch.Status)).
			Float64("progress", batch.Progress.Float64).
			Msg("Batch run finished")
		return nil
	},
}
