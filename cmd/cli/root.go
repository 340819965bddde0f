package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"benchrunner/cmd/cli/batchcmd"
	"benchrunner/cmd/cli/datasetcmd"
	"benchrunner/cmd/cli/dbcmd"
	"benchrunner/cmd/cli/runcmd"
)

var RootCmd = &cobra.Command{
	Use:   "brctl",
	Short: "BenchRunner - A resumable LLM benchmark runner",
	Long: `BenchRunner runs batches of LLM generations and evaluations over versioned datasets.

Runs checkpoint after every item, so a batch can be paused, resumed or recovered after a crash
without repeating work. At a minimum, you need a worker and the scheduler; the server exposes
the HTTP API.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	},
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
	RootCmd.AddCommand(batchcmd.Command)
	RootCmd.AddCommand(datasetcmd.Command)
	RootCmd.AddCommand(dbcmd.Command)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
