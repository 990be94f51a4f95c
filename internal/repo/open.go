package repo

import (
	"context"
	"fmt"
	"log/slog"
)

// Options selects and configures the storage backend.
type Options struct {
	Driver      string // "postgres" or "sqlite"
	DatabaseURL string
	Schema      string
	SQLitePath  string
}

// Open returns the Repository for the configured driver.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Repository, error) {
	switch opts.Driver {
	case "", "postgres":
		return NewPostgres(ctx, opts.DatabaseURL, opts.Schema, logger)
	case "sqlite":
		return NewSQLite(ctx, opts.SQLitePath, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
}
