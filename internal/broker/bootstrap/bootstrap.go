// Package bootstrap seeds the settings row on first boot.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskmux/taskmux/internal/broker/store"
)

// Run creates the runtime settings row with defaults if it does not
// exist yet. This is a no-op when the database already has one.
func Run(ctx context.Context, s *store.Store) error {
	created, err := s.SeedSettings(ctx)
	if err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	if !created {
		slog.Info("bootstrap: skipped (settings already exist)")
		return nil
	}

	slog.Info("bootstrap: created default settings row")
	return nil
}
