package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/plazashare/escrow/internal/auth"
	"github.com/plazashare/escrow/internal/capture"
	"github.com/plazashare/escrow/internal/catalog"
	"github.com/plazashare/escrow/internal/config"
	"github.com/plazashare/escrow/internal/escrow"
	"github.com/plazashare/escrow/internal/housekeeping"
	"github.com/plazashare/escrow/internal/joblock"
	"github.com/plazashare/escrow/internal/notify"
	"github.com/plazashare/escrow/internal/renewal"
	"github.com/plazashare/escrow/internal/scheduler"
	"github.com/plazashare/escrow/migrations"
	"github.com/redis/go-redis/v9"
)

// Job names, shared by the in-process scheduler and cmd/jobs.
const (
	JobRelease  = "release"
	JobRenewals = "renewals"
	JobCleanup  = "cleanup"
)

// Components is everything the API and the background jobs share. The
// HTTP server and cmd/jobs both build one.
type Components struct {
	DB          *sql.DB       // nil in memory mode
	Redis       *redis.Client // nil without REDIS_URL
	Catalog     catalog.Store
	Escrow      *escrow.Service
	Renewals    *renewal.Notifier
	Cleaner     *housekeeping.Cleaner
	Revocations auth.RevocationStore
	Locker      joblock.Locker
}

// ComponentOption overrides a collaborator, mostly for tests.
type ComponentOption func(*componentOverrides)

type componentOverrides struct {
	gateway  escrow.Gateway
	notifier notify.Sender
	catalog  catalog.Store
	clock    func() time.Time
}

// WithGateway replaces the configured capture provider.
func WithGateway(g escrow.Gateway) ComponentOption {
	return func(o *componentOverrides) { o.gateway = g }
}

// WithNotifier replaces the configured notification sender.
func WithNotifier(n notify.Sender) ComponentOption {
	return func(o *componentOverrides) { o.notifier = n }
}

// WithCatalog replaces the catalog store.
func WithCatalog(c catalog.Store) ComponentOption {
	return func(o *componentOverrides) { o.catalog = c }
}

// WithClock replaces the time source of every service.
func WithClock(clock func() time.Time) ComponentOption {
	return func(o *componentOverrides) { o.clock = clock }
}

// NewComponents opens storage and wires the services. Postgres is used when
// DATABASE_URL is set, in-memory stores otherwise.
func NewComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...ComponentOption) (*Components, error) {
	o := componentOverrides{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Components{}
	var (
		escrowStore escrow.Store
		renewalLog  renewal.Log
	)
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		c.DB = db
		c.Catalog = catalog.NewPostgresStore(db)
		c.Revocations = auth.NewPostgresRevocations(db)
		escrowStore = escrow.NewPostgresStore(db)
		renewalLog = renewal.NewPostgresLog(db)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
		c.Catalog = catalog.NewMemoryStore()
		c.Revocations = auth.NewMemoryRevocations()
		escrowStore = escrow.NewMemoryStore()
		renewalLog = renewal.NewMemoryLog()
	}
	if o.catalog != nil {
		c.Catalog = o.catalog
	}

	if cfg.RedisURL != "" {
		client, err := joblock.Open(ctx, cfg.RedisURL)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.Redis = client
		c.Locker = joblock.NewRedis(client, "plazashare:joblock:")
		logger.Info("using Redis job locks")
	} else {
		c.Locker = joblock.NewMemory()
	}

	gateway := o.gateway
	if gateway == nil {
		gateway = newGateway(cfg, logger)
	}
	notifier := o.notifier
	if notifier == nil {
		notifier = newNotifier(cfg, logger)
	}

	c.Escrow = escrow.NewService(escrowStore, c.Catalog, gateway).
		WithNotifier(notifier).
		WithClock(o.clock).
		WithHoldWindow(cfg.HoldWindow).
		WithReleaseBatchSize(cfg.ReleaseBatchSize).
		WithLogger(logger)

	c.Renewals = renewal.NewNotifier(c.Catalog, notifier, renewalLog).
		WithLookAhead(cfg.RenewalLookAhead).
		WithClock(o.clock).
		WithLogger(logger)

	c.Cleaner = housekeeping.NewCleaner(
		housekeeping.Target{Name: "revoked_tokens", Purge: c.Revocations.PurgeExpired},
		housekeeping.Target{Name: "renewal_notifications", Retention: cfg.NotificationRetention, Purge: renewalLog.PurgeBefore},
	).WithClock(o.clock).WithLogger(logger)

	return c, nil
}

// Jobs returns the periodic jobs at their configured intervals.
func (c *Components) Jobs(cfg *config.Config) []scheduler.Job {
	return []scheduler.Job{
		{Name: JobRelease, Interval: cfg.ReleaseInterval, Run: func(ctx context.Context) error {
			_, err := c.Escrow.RunRelease(ctx)
			return err
		}},
		{Name: JobRenewals, Interval: cfg.RenewalInterval, Run: func(ctx context.Context) error {
			_, err := c.Renewals.NotifyUpcomingRenewals(ctx)
			return err
		}},
		{Name: JobCleanup, Interval: cfg.CleanupInterval, Run: func(ctx context.Context) error {
			_, err := c.Cleaner.Run(ctx)
			return err
		}},
	}
}

// Close releases the database and Redis connections.
func (c *Components) Close() error {
	var errs []error
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func newGateway(cfg *config.Config, logger *slog.Logger) escrow.Gateway {
	switch cfg.CaptureProvider {
	case "stripe":
		logger.Info("capture provider: stripe")
		return capture.NewGuarded(capture.NewStripe(cfg.StripeSecretKey), capture.DefaultBreaker("stripe"))
	default:
		logger.Warn("capture provider: manual (no money moves)")
		return capture.NewManual(logger)
	}
}

func newNotifier(cfg *config.Config, logger *slog.Logger) notify.Sender {
	senders := notify.Multi{notify.NewLogSender(logger)}
	if cfg.NotifyURL != "" {
		senders = append(senders, notify.NewHTTPSender(cfg.NotifyURL, cfg.NotifySecret))
		logger.Info("notifications dispatched over HTTP", "url", cfg.NotifyURL)
	}
	return senders
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
