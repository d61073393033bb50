package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
)

// Open picks a backend from url:
//
//	postgres://... or postgresql://...  Postgres, migrations applied from migrationsFS
//	sqlite:///path/to/file.db           SQLite file (sqlite://:memory: for a scratch db)
//	"" or memory://                     the process-wide MemoryStore
func Open(ctx context.Context, url string, maxConns int32, migrationsFS fs.FS, logger *slog.Logger) (Store, error) {
	switch {
	case url == "" || url == "memory://":
		logger.Warn("storage: no database configured, sessions are kept in memory only")
		return SharedMemoryStore(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		db, err := New(ctx, url, maxConns, logger)
		if err != nil {
			return nil, err
		}
		if migrationsFS != nil {
			ran, err := db.RunMigrations(ctx, migrationsFS)
			if err != nil {
				_ = db.Close(ctx)
				return nil, err
			}
			if len(ran) > 0 {
				logger.Info("storage: migrations applied", "files", ran)
			}
		}
		return db, nil
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
	default:
		return nil, fmt.Errorf("storage: unsupported database url scheme in %q", redactURL(url))
	}
}

// redactURL strips anything after the scheme so credentials never reach
// logs or error messages.
func redactURL(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return url[:i+3] + "..."
	}
	return "..."
}
