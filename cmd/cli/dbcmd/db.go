package dbcmd

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"benchrunner/internal/config"
	"benchrunner/internal/database"
	"benchrunner/internal/store"
)

var Command = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Creates the tables the services need, safe to run repeatedly",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
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

		if err := store.New(db).Migrate(context.Background()); err != nil {
			return err
		}
		log.Info().Str("driver", conf.Database.Driver).Msg("Database migrated")
		return nil
	},
}

func init() {
	Command.AddCommand(migrateCmd)
}
