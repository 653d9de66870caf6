package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/relaybot/skillhost/internal/gc"
	"github.com/relaybot/skillhost/internal/skill"
)

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Sweep stale compiled artifacts once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGC(cmd.Context())
		},
	}
}

func runGC(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connecting to skills database: %w", err)
	}
	defer pool.Close()
	skills := skill.NewPostgresRepository(pool)

	collector := gc.New(store, skills, nil, logger,
		gc.WithStaleAfter(cfg.GC.StaleAfter.Std()))
	return collector.Run(ctx)
}
