package runcmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"benchrunner/internal/api"
	"benchrunner/internal/config"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the HTTP API",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running API server")
		conf := config.FromCobraCmd(cmd)

		st := NewStack(conf, true)
		defer st.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		server := api.New(ctx, api.Deps{
			Coordinator: st.Coordinator,
			Store:       st.Store,
			Exporter:    st.Exporter,
		}, &api.Config{CORSOrigins: conf.Server.CORSOrigins})

		if err := server.ListenAndServe(conf.ServerAddr()); err != nil {
			log.Fatal().Err(err).Msg("Server stopped")
		}
	},
}
