// Command swimctl is the operator CLI for swimcoach: one-shot local
// analyses, knowledge imports, usage inspection, schema migrations and
// token signing keys.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/swimcoach/internal/config"
	"github.com/ashita-ai/swimcoach/internal/ratelimit"
	"github.com/ashita-ai/swimcoach/internal/storage"
	"github.com/ashita-ai/swimcoach/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1)
	}
}

// app carries state shared by every subcommand. It is filled in by the
// root command's PersistentPreRunE.
type app struct {
	verbose bool
	cfg     config.Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "swimctl",
		Short:         "Operate a swimcoach deployment",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelWarn
			if a.verbose {
				level = slog.LevelDebug
			}
			a.logger = slog.New(tint.NewHandler(cmd.ErrOrStderr(), &tint.Options{
				Level:      level,
				TimeFormat: time.Kitchen,
			}))

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(
		newAnalyzeCmd(a),
		newKnowledgeCmd(a),
		newUsageCmd(a),
		newMigrateCmd(a),
		newKeygenCmd(),
	)
	return root
}

// openStore opens the configured session store. Postgres migrations are
// applied on open, as the server does.
func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	maxConns := int32(min(a.cfg.DBMaxConns, 4)) //nolint:gosec // small constant bound
	store, err := storage.Open(ctx, a.cfg.StoreURL(), maxConns, migrations.FS, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

// usageCounter mirrors the server's choice of counter backend so the CLI
// reads the same counts the API charges.
func (a *app) usageCounter(ctx context.Context, store storage.Store) (ratelimit.UsageCounter, func(), error) {
	if a.cfg.UsageBackend != "redis" {
		return store, func() {}, nil
	}
	client, err := ratelimit.DialRedis(ctx, a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	return ratelimit.NewRedisCounter(client, ""), func() { _ = client.Close() }, nil
}
