// Package housekeeping purges rows that outlived their retention period.
package housekeeping

import (
	"context"
	"log/slog"
	"time"

	"github.com/plazashare/escrow/internal/logging"
	"github.com/plazashare/escrow/internal/traces"
)

// Target is one purge: everything written before cutoff goes.
type Target struct {
	Name      string
	Retention time.Duration
	Purge     func(ctx context.Context, cutoff time.Time) (int64, error)
}

// Report summarizes one cleanup run.
type Report struct {
	Purged map[string]int64 `json:"purged"`
	Errors int              `json:"errors"`
}

// Cleaner runs every registered target in order.
type Cleaner struct {
	targets []Target
	clock   func() time.Time
	logger  *slog.Logger
}

// NewCleaner creates a cleaner over targets.
func NewCleaner(targets ...Target) *Cleaner {
	return &Cleaner{targets: targets, clock: time.Now, logger: logging.Discard()}
}

// WithClock replaces the time source.
func (c *Cleaner) WithClock(clock func() time.Time) *Cleaner {
	c.clock = clock
	return c
}

// WithLogger sets the logger.
func (c *Cleaner) WithLogger(l *slog.Logger) *Cleaner {
	c.logger = l
	return c
}

// Run purges each target. A failing target is logged and counted; the
// others still run.
func (c *Cleaner) Run(ctx context.Context) (Report, error) {
	logger := logging.ForJob(c.logger, "cleanup")
	ctx, span := traces.StartSpan(ctx, "housekeeping.Run", traces.Job("cleanup"))
	defer span.End()

	now := c.clock().UTC()
	report := Report{Purged: make(map[string]int64, len(c.targets))}
	for _, t := range c.targets {
		n, err := t.Purge(ctx, now.Add(-t.Retention))
		if err != nil {
			report.Errors++
			logger.Warn("purge failed", "target", t.Name, "error", err)
			continue
		}
		report.Purged[t.Name] = n
	}

	logger.Info("cleanup run complete", "purged", report.Purged, "errors", report.Errors)
	return report, nil
}
