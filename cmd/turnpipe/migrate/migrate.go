// Package migratecmder provides the migrate command: applies the outbox
// schema against the configured Postgres database.
package migratecmder

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kumonrecept/turnpipe/pkg/config"
	"github.com/kumonrecept/turnpipe/pkg/eventlog"
	"github.com/kumonrecept/turnpipe/pkg/logger"
	"github.com/kumonrecept/turnpipe/pkg/outbox"
)

const migrateLongDesc string = `Create or update the outbox schema.

NewPostgresRepository applies its schema idempotently (CREATE TABLE IF NOT
EXISTS and its supporting indexes) on connect, so this command is simply
that connect-and-close, run standalone ahead of "turnpipe serve" so a first
deploy doesn't race schema creation against the first webhook.

Examples:
  turnpipe migrate --postgres-dsn postgres://turnpipe@localhost/turnpipe`

const migrateShortDesc string = "Create or update the outbox schema"

type migrateCommander struct {
	cfg *config.Config
}

func NewMigrateCmd() *cobra.Command {
	cmder := &migrateCommander{}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: migrateShortDesc,
		Long:  migrateLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			v, err := config.InitViper(configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			cfg := &config.Config{}
			if err := v.Unmarshal(cfg); err != nil {
				return fmt.Errorf("unmarshalling config: %w", err)
			}
			cmder.cfg = cfg
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			debug, err := cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}
			return cmder.run(debug)
		},
	}

	return cmd
}

func (c *migrateCommander) run(debug bool) error {
	log := logger.NewLogger(debug)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	events := eventlog.NewZapPublisher(log)
	defer func() { _ = events.Close() }()

	repo, err := outbox.NewPostgresRepository(ctx, c.cfg.Postgres.DSN, c.cfg.Postgres.MaxOpenConns, c.cfg.Postgres.ConnMaxLifetime, events, log)
	if err != nil {
		return fmt.Errorf("applying outbox schema: %w", err)
	}
	defer repo.Close()

	fmt.Println("outbox schema up to date")
	return nil
}
