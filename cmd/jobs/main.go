// Command jobs runs one pass of a periodic escrow job and exits. It is meant
// for cron-style deployments where the API server runs without its scheduler.
//
// Usage:
//
//	jobs release     # release payments whose hold window has passed
//	jobs renewals    # notify seat occupants of upcoming renewals
//	jobs cleanup     # purge expired revocations and old notification marks
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/plazashare/escrow/internal/config"
	"github.com/plazashare/escrow/internal/logging"
	"github.com/plazashare/escrow/internal/server"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "jobs",
		Short:         "Run PlazaShare escrow background jobs once",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Duration("lock-ttl", 10*time.Minute, "How long the job lock is held at most")

	root.AddCommand(jobCmd(out, server.JobRelease, "Release held payments past their hold window",
		func(ctx context.Context, c *server.Components) (any, error) { return c.Escrow.RunRelease(ctx) }))
	root.AddCommand(jobCmd(out, server.JobRenewals, "Notify seat occupants of upcoming renewals",
		func(ctx context.Context, c *server.Components) (any, error) {
			return c.Renewals.NotifyUpcomingRenewals(ctx)
		}))
	root.AddCommand(jobCmd(out, server.JobCleanup, "Purge expired revocations and old renewal marks",
		func(ctx context.Context, c *server.Components) (any, error) { return c.Cleaner.Run(ctx) }))
	return root
}

type jobFunc func(ctx context.Context, c *server.Components) (any, error)

func jobCmd(out io.Writer, name, short string, run jobFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ttl, err := cmd.Flags().GetDuration("lock-ttl")
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := logging.ForJob(logging.New(cfg.LogLevel, cfg.LogFormat), name)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			components, err := server.NewComponents(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = components.Close() }()

			return runLocked(ctx, out, components, name, ttl, run, logger)
		},
	}
}

func runLocked(ctx context.Context, out io.Writer, c *server.Components, name string, ttl time.Duration, run jobFunc, logger *slog.Logger) error {
	unlock, ok, err := c.Locker.TryLock(ctx, name, ttl)
	if err != nil {
		return fmt.Errorf("acquire %s lock: %w", name, err)
	}
	if !ok {
		logger.Info("job already running elsewhere, nothing to do")
		return nil
	}
	defer unlock()

	start := time.Now()
	report, err := run(ctx, c)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	logger.Info("job finished", "duration_ms", time.Since(start).Milliseconds())

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
