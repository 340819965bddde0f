package datasetcmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"benchrunner/internal/config"
	"benchrunner/internal/database"
	"benchrunner/internal/models"
	"benchrunner/internal/store"
)

var Command = &cobra.Command{
	Use:   "dataset",
	Short: "Manage dataset versions",
}

func init() {
	importCmd.Flags().String("name", "", "version name, defaults to the name in the file")
	Command.AddCommand(importCmd)
}

// File is the yaml form of a dataset version. Question order in the file is the order runs
// enumerate them in.
type File struct {
	Name      string `yaml:"name"`
	Questions []struct {
		Text            string `yaml:"text"`
		Type            string `yaml:"type"`
		ReferenceAnswer string `yaml:"reference_answer"`
	} `yaml:"questions"`
}

// Parse reads a dataset file and converts it to questions
func Parse(data []byte) (string, []models.Question, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return "", nil, err
	}

	var errs []error
	questions := make([]models.Question, 0, len(f.Questions))
	for i, q := range f.Questions {
		text := strings.TrimSpace(q.Text)
		if text == "" {
			errs = append(errs, fmt.Errorf("question %d has no text", i+1))
			continue
		}
		questions = append(questions, models.Question{
			Text:            text,
			QuestionType:    null.NewString(q.Type, q.Type != ""),
			ReferenceAnswer: null.NewString(q.ReferenceAnswer, q.ReferenceAnswer != ""),
		})
	}
	if len(f.Questions) == 0 {
		errs = append(errs, errors.New("dataset has no questions"))
	}
	return f.Name, questions, errors.Join(errs...)
}

var importCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Imports a dataset version from a yaml file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		name, questions, err := Parse(data)
		if err != nil {
			return fmt.Errorf("invalid dataset %s: %w", args[0], err)
		}
		if override, _ := cmd.Flags().GetString("name"); override != "" {
			name = override
		}
		if name == "" {
			return errors.New("dataset needs a name, set it in the file or with --name")
		}

		conf := config.FromCobraCmd(cmd)
		db, err := database.New(conf)
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close db")
			}
		}()

		dv, err := store.New(db).CreateDatasetVersion(context.Background(), name, questions)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d questions as dataset version %d (%s)\n", len(questions), dv.ID, dv.Name)
		return nil
	},
}
