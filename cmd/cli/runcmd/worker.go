package runcmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"benchrunner/internal/config"
	"benchrunner/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Runs a worker process",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running worker process")
		conf := config.FromCobraCmd(cmd)

		st := NewStack(conf, true)
		defer st.Close()

		concurrency, _ := cmd.Flags().GetInt("concurrency")
		if concurrency <= 0 {
			concurrency = conf.Worker.Concurrency
		}
		wrk := worker.NewWorker(st.Queue, st.Processor, st.Coordinator, concurrency)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			errCh <- wrk.Start()
		}()

		select {
		case err := <-errCh:
			if err != nil {
				log.Fatal().Err(err).Str("worker_id", wrk.ID).Msg("Ran into problems")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
			// runs in flight are paused and released before Start returns
			wrk.Stop()
			if err := <-errCh; err != nil {
				log.Error().Err(err).Str("worker_id", wrk.ID).Msg("Worker stopped with errors")
			}
		}
	},
}

func init() {
	workerCmd.Flags().Int("concurrency", 0, "number of runs processed at once, overrides worker.concurrency")
}
