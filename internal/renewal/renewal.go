// Package renewal reminds subscription members that a billing cycle is about
// to renew.
package renewal

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/plazashare/escrow/internal/catalog"
	"github.com/plazashare/escrow/internal/logging"
	"github.com/plazashare/escrow/internal/notify"
	"github.com/plazashare/escrow/internal/traces"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultLookAhead is how far ahead renewals are announced.
const DefaultLookAhead = 3 * 24 * time.Hour

var notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "plazashare_renewal_notifications_total",
	Help: "Renewal reminders by result (sent, failed).",
}, []string{"result"})

func init() {
	prometheus.MustRegister(notificationsTotal)
}

// Report summarizes one notifier run.
type Report struct {
	Subscriptions int `json:"subscriptions"`
	Notified      int `json:"notified"` // individual messages delivered
	Skipped       int `json:"skipped"`  // subscriptions already announced this cycle
	Errors        int `json:"errors"`
}

// Notifier announces upcoming renewals to hosts and seat occupants.
type Notifier struct {
	catalog   catalog.Store
	sender    notify.Sender
	log       Log
	lookAhead time.Duration
	clock     func() time.Time
	logger    *slog.Logger
}

// NewNotifier creates a notifier. A nil log disables de-duplication.
func NewNotifier(cat catalog.Store, sender notify.Sender, log Log) *Notifier {
	if log == nil {
		log = NopLog{}
	}
	return &Notifier{
		catalog:   cat,
		sender:    sender,
		log:       log,
		lookAhead: DefaultLookAhead,
		clock:     time.Now,
		logger:    logging.Discard(),
	}
}

// WithLookAhead overrides DefaultLookAhead.
func (n *Notifier) WithLookAhead(d time.Duration) *Notifier {
	if d > 0 {
		n.lookAhead = d
	}
	return n
}

// WithClock replaces the time source.
func (n *Notifier) WithClock(clock func() time.Time) *Notifier {
	n.clock = clock
	return n
}

// WithLogger sets the logger.
func (n *Notifier) WithLogger(l *slog.Logger) *Notifier {
	n.logger = l
	return n
}

// NotifyUpcomingRenewals sends renewal_upcoming to the host and every seat
// occupant of each active subscription renewing between today and today
// plus the look-ahead, both inclusive. A cycle is marked once at least one
// member was reached and is skipped on later runs. One subscription's
// failure never stops the others.
func (n *Notifier) NotifyUpcomingRenewals(ctx context.Context) (_ Report, err error) {
	logger := logging.ForJob(n.logger, "renewals")
	ctx, span := traces.StartSpan(ctx, "renewal.NotifyUpcomingRenewals", traces.Job("renewals"))
	defer func() { traces.End(span, err) }()

	now := n.clock().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	subs, err := n.catalog.ListRenewingBetween(ctx, today, today.Add(n.lookAhead))
	if err != nil {
		logger.Error("failed to list renewing subscriptions", "error", err)
		return Report{}, fmt.Errorf("list renewing subscriptions: %w", err)
	}

	report := Report{Subscriptions: len(subs)}
	for _, sub := range subs {
		sent, skipped, err := n.notifySubscription(ctx, sub, now)
		report.Notified += sent
		switch {
		case skipped:
			report.Skipped++
		case err != nil:
			report.Errors++
			logger.Warn("renewal reminder failed",
				"subscriptionId", sub.ID, "renewalDate", sub.RenewalDate.Format(time.DateOnly), "error", err)
		}
	}

	logger.Info("renewal run complete",
		"subscriptions", report.Subscriptions,
		"notified", report.Notified,
		"skipped", report.Skipped,
		"errors", report.Errors,
	)
	return report, nil
}

func (n *Notifier) notifySubscription(ctx context.Context, sub *catalog.Subscription, now time.Time) (sent int, skipped bool, err error) {
	marked, err := n.log.IsMarked(ctx, sub.ID, sub.RenewalDate)
	if err != nil {
		return 0, false, fmt.Errorf("check renewal log: %w", err)
	}
	if marked {
		return 0, true, nil
	}

	seats, err := n.catalog.ListSeats(ctx, sub.ID)
	if err != nil {
		return 0, false, fmt.Errorf("list seats: %w", err)
	}

	params := map[string]string{
		"subscriptionId": strconv.FormatInt(sub.ID, 10),
		"serviceName":    sub.ServiceName,
		"renewalDate":    sub.RenewalDate.Format(time.DateOnly),
	}
	var failed int
	var lastErr error
	for _, userID := range catalog.Recipients(sub, seats) {
		if err := n.sender.Notify(ctx, userID, notify.KindRenewalUpcoming, params); err != nil {
			failed++
			lastErr = err
			notificationsTotal.WithLabelValues("failed").Inc()
			continue
		}
		sent++
		notificationsTotal.WithLabelValues("sent").Inc()
	}

	if sent > 0 {
		if err := n.log.Mark(ctx, sub.ID, sub.RenewalDate, sent, now); err != nil {
			return sent, false, fmt.Errorf("mark renewal notified: %w", err)
		}
	}
	if failed > 0 {
		return sent, false, fmt.Errorf("%d of %d recipients failed: %w", failed, failed+sent, lastErr)
	}
	return sent, false, nil
}
