package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"benchrunner/internal/config"
	"benchrunner/internal/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Starts the scheduler process",
	Long:  "Starts the recovery sweep that re-dispatches orphaned runs and the periodic batch refresh",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running scheduler process")
		conf := config.FromCobraCmd(cmd)

		st := NewStack(conf, true)

		ctx, cancel := context.WithCancel(context.Background())
		recovery := scheduler.NewRecovery(st.Store, st.Coordinator, conf.LeaseTimeout(), conf.DispatchStale())
		probe := scheduler.NewBatchProbe(st.Store, st.Coordinator)
		sch := scheduler.NewScheduler(recovery, probe, scheduler.Intervals{
			Scan:    conf.ScanInterval(),
			Refresh: conf.RefreshInterval(),
		})

		defer func() {
			cancel()
			sch.Stop()
			st.Close()
		}()

		if err := sch.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start scheduler")
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		log.Info().Msgf("Received signal %v, shutting down...", <-sigCh)
	},
}
