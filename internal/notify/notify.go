// Package notify delivers user-facing notifications on behalf of the escrow
// core. Delivery is best-effort: callers log a returned error and move on.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Kind names a notification template.
type Kind string

const (
	KindPaymentCaptured Kind = "payment_captured"
	KindPaymentReleased Kind = "payment_released"
	KindPaymentRefunded Kind = "payment_refunded"
	KindDisputeOpened   Kind = "dispute_opened"
	KindDisputeResolved Kind = "dispute_resolved"
	KindRenewalUpcoming Kind = "renewal_upcoming"
)

// Sender delivers one notification to one user.
type Sender interface {
	Notify(ctx context.Context, userID int64, kind Kind, params map[string]string) error
}

// LogSender writes notifications to a logger. Used in development and as
// the fallback when no dispatcher endpoint is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Notify(ctx context.Context, userID int64, kind Kind, params map[string]string) error {
	attrs := make([]any, 0, 4+2*len(params))
	attrs = append(attrs, "user_id", userID, "kind", string(kind))
	for k, v := range params {
		attrs = append(attrs, k, v)
	}
	s.logger.InfoContext(ctx, "notification", attrs...)
	return nil
}

// Multi fans a notification out to several senders. Every sender is tried;
// the joined errors are returned.
type Multi []Sender

func (m Multi) Notify(ctx context.Context, userID int64, kind Kind, params map[string]string) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, userID, kind, params); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, int64, Kind, map[string]string) error { return nil }

var (
	_ Sender = (*LogSender)(nil)
	_ Sender = Multi(nil)
	_ Sender = Nop{}
)
