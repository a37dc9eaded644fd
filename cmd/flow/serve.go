package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nhle/flow/internal/api"
	"github.com/nhle/flow/internal/logging"
	"github.com/nhle/flow/internal/model"
	"github.com/nhle/flow/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the issues HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, closer, err := logging.New(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		repo, release, err := openRepository(ctx, cfg.Server, log)
		if err != nil {
			return err
		}
		defer release()

		return api.New(repo, log).ListenAndServe(ctx, cfg.Server.Addr)
	},
}

// openRepository builds the configured backend, applies the schema and
// loads the demo issues when seeding is enabled.
func openRepository(ctx context.Context, sc model.ServerConfig, log *slog.Logger) (store.Repository, func(), error) {
	var (
		repo    store.Repository
		release = func() {}
	)

	switch sc.Driver {
	case model.DriverMemory:
		repo = store.NewMemoryStore(store.WithLogger(log))
	default:
		s := store.NewSQLiteStore(sc.DBPath, store.WithLogger(log))
		release = func() {
			if err := s.Close(); err != nil {
				log.Error("closing store", "err", err)
			}
		}
		repo = s
	}

	if err := repo.EnsureSchema(ctx); err != nil {
		release()
		return nil, nil, err
	}

	if sc.Seed {
		n, err := store.SeedIfEmpty(ctx, repo, model.SeedIssues)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("seeding: %w", err)
		}
		if n > 0 {
			log.Info("seeded store", "issues", n)
		}
	}

	log.Info("store ready", "driver", sc.Driver, "path", sc.DBPath)
	return repo, release, nil
}
