package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/heyronith/kurral-sub012/infrastructure/store"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	var (
		direction string
		steps     int
		dsn       string
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back Postgres schema migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			if dsn == "" {
				dsn = cfg.Store.Postgres.DSN
			}
			if dsn == "" {
				return errors.New("no postgres dsn: set store.postgres.dsn or --dsn")
			}
			if err := store.MigratePostgres(dsn, direction, steps); err != nil {
				return err
			}
			logger.Info("migrations applied", "direction", direction, "steps", steps)
			return nil
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps; 0 applies all")
	cmd.Flags().StringVar(&dsn, "dsn", "", "postgres DSN (overrides store.postgres.dsn)")
	return cmd
}
