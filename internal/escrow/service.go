package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/plazashare/escrow/internal/catalog"
	"github.com/plazashare/escrow/internal/idgen"
	"github.com/plazashare/escrow/internal/logging"
	"github.com/plazashare/escrow/internal/money"
	"github.com/plazashare/escrow/internal/notify"
	"github.com/plazashare/escrow/internal/pagination"
	"github.com/plazashare/escrow/internal/syncutil"
	"github.com/plazashare/escrow/internal/traces"
	"github.com/plazashare/escrow/internal/validation"
	"github.com/shopspring/decimal"
)

// Charge asks the payment gateway to capture funds with a stored method.
// GatewayToken is the provider's opaque token; no card data passes here.
type Charge struct {
	PaymentID    string
	OwnerID      int64
	GatewayToken string
	Amount       decimal.Decimal
	Currency     string
}

// Gateway captures funds. It returns the provider's reference for the charge.
type Gateway interface {
	Charge(ctx context.Context, charge Charge) (externalRef string, err error)
}

// CaptureRequest contains the parameters for charging a seat.
type CaptureRequest struct {
	OwnerID  int64  `json:"-"`
	SeatID   int64  `json:"seatId" binding:"required"`
	MethodID int64  `json:"paymentMethodId" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
	Currency string `json:"currency" binding:"required"`
}

// Service implements the escrow state machine.
type Service struct {
	store     Store
	catalog   catalog.Store
	gateway   Gateway
	notifier  notify.Sender
	locks     *syncutil.KeyMutex
	clock     func() time.Time
	hold      time.Duration
	batchSize int
	logger    *slog.Logger
}

// DefaultReleaseBatchSize bounds one release run.
const DefaultReleaseBatchSize = 500

// NewService creates a new escrow service.
func NewService(store Store, cat catalog.Store, gateway Gateway) *Service {
	return &Service{
		store:     store,
		catalog:   cat,
		gateway:   gateway,
		notifier:  notify.Nop{},
		locks:     syncutil.NewKeyMutex(),
		clock:     time.Now,
		hold:      DefaultHoldWindow,
		batchSize: DefaultReleaseBatchSize,
		logger:    logging.Discard(),
	}
}

// WithNotifier sets the notification sender.
func (s *Service) WithNotifier(n notify.Sender) *Service {
	s.notifier = n
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithHoldWindow overrides DefaultHoldWindow.
func (s *Service) WithHoldWindow(d time.Duration) *Service {
	if d > 0 {
		s.hold = d
	}
	return s
}

// WithReleaseBatchSize overrides DefaultReleaseBatchSize.
func (s *Service) WithReleaseBatchSize(n int) *Service {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

// mutate serializes work on one payment: it takes the payment lock, re-reads
// the payment, lets fn validate and modify it, and persists the mutation fn
// returns. A nil mutation means there is nothing to write.
func (s *Service) mutate(ctx context.Context, paymentID string, fn func(p *Payment, now time.Time) (*Mutation, error)) (*Payment, error) {
	unlock, err := s.locks.Lock(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("lock payment %s: %w", paymentID, err)
	}
	defer unlock()

	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	m, err := fn(p, s.now())
	if err != nil {
		return nil, err
	}
	if m == nil {
		return p, nil
	}
	if err := s.store.Apply(ctx, *m); err != nil {
		return nil, err
	}
	return p, nil
}

// Capture charges a seat occupant's stored payment method and holds the
// funds. The payment is recorded as PENDIENTE before the gateway is called,
// so a failed charge leaves a FALLIDO record behind.
func (s *Service) Capture(ctx context.Context, req CaptureRequest) (_ *Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Capture", traces.Amount(req.Amount))
	defer func() { traces.End(span, err); observe("capture", err) }()

	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.Currency("currency", req.Currency),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrValidation, errs.Error())
	}
	amount, _ := money.ParsePositive(req.Amount)
	currency, _ := money.NormalizeCurrency(req.Currency)

	seat, err := s.catalog.GetSeat(ctx, req.SeatID)
	if err != nil {
		return nil, lookupErr(err)
	}
	if !seat.Occupied() {
		return nil, invalid("seat %d has no occupant", seat.ID)
	}
	if *seat.OccupantID != req.OwnerID {
		return nil, fmt.Errorf("%w: seat %d belongs to another user", ErrUnauthorized, seat.ID)
	}

	method, err := s.catalog.GetPaymentMethod(ctx, req.MethodID)
	if err != nil {
		return nil, lookupErr(err)
	}
	if method.UserID != req.OwnerID {
		return nil, fmt.Errorf("%w: payment method %d belongs to another user", ErrUnauthorized, method.ID)
	}
	if !method.Active {
		return nil, invalid("payment method %d is not active", method.ID)
	}

	sub, err := s.catalog.GetSubscription(ctx, seat.SubscriptionID)
	if err != nil {
		return nil, lookupErr(err)
	}
	if sub.Status != catalog.SubscriptionActive {
		return nil, invalid("subscription %d is not active", sub.ID)
	}

	now := s.now()
	p := &Payment{
		ID:              idgen.WithPrefix(idgen.PaymentPrefix),
		OwnerID:         req.OwnerID,
		SeatID:          seat.ID,
		SubscriptionID:  sub.ID,
		PaymentMethodID: method.ID,
		Amount:          amount,
		Currency:        currency,
		AmountRefunded:  decimal.Zero,
		PaidAt:          now,
		RetentionUntil:  now.Add(s.hold),
		Status:          StatusPending,
		CycleStart:      sub.CycleStart,
		CycleEnd:        sub.RenewalDate,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	span.SetAttributes(traces.PaymentID(p.ID))
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	ref, chargeErr := s.gateway.Charge(ctx, Charge{
		PaymentID:    p.ID,
		OwnerID:      p.OwnerID,
		GatewayToken: method.GatewayToken,
		Amount:       p.Amount,
		Currency:     p.Currency,
	})
	if chargeErr != nil {
		if _, err := s.MarkCaptureFailed(ctx, p.ID); err != nil {
			s.logger.Error("failed to mark payment as failed after gateway error",
				"paymentId", p.ID, "error", err)
		}
		return nil, fmt.Errorf("%w: payment %s: %v", ErrCaptureFailed, p.ID, chargeErr)
	}

	paymentID := p.ID
	p, err = s.ConfirmCapture(ctx, paymentID, ref)
	if err != nil {
		// The provider holds the money but the payment is still PENDIENTE.
		s.logger.Error("charge succeeded but payment could not be confirmed",
			"paymentId", paymentID, "externalRef", ref, "error", err)
		return nil, err
	}
	s.send(ctx, p.OwnerID, notify.KindPaymentCaptured, paymentParams(p))
	return p, nil
}

// ConfirmCapture moves a PENDIENTE payment to RETENIDO once the provider has
// confirmed the charge. RetentionUntil was fixed at creation.
func (s *Service) ConfirmCapture(ctx context.Context, id, externalRef string) (_ *Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmCapture", traces.PaymentID(id))
	defer func() { traces.End(span, err); observe("confirm_capture", err) }()

	return s.mutate(ctx, id, func(p *Payment, now time.Time) (*Mutation, error) {
		if p.Status != StatusPending {
			return nil, badState("confirm capture of", p.Status)
		}
		p.Status = StatusHeld
		p.ExternalRef = externalRef
		p.UpdatedAt = now
		return &Mutation{Payment: p}, nil
	})
}

// MarkCaptureFailed moves a PENDIENTE payment to FALLIDO.
func (s *Service) MarkCaptureFailed(ctx context.Context, id string) (_ *Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.MarkCaptureFailed", traces.PaymentID(id))
	defer func() { traces.End(span, err); observe("mark_capture_failed", err) }()

	return s.mutate(ctx, id, func(p *Payment, now time.Time) (*Mutation, error) {
		if p.Status != StatusPending {
			return nil, badState("fail", p.Status)
		}
		p.Status = StatusFailed
		p.UpdatedAt = now
		return &Mutation{Payment: p}, nil
	})
}

// GetPayment returns a payment by ID.
func (s *Service) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return s.store.GetPayment(ctx, id)
}

// ListPaymentsByOwner returns one page of a user's payments, newest first.
func (s *Service) ListPaymentsByOwner(ctx context.Context, ownerID int64, cursor string, limit int) (pagination.Page[*Payment], error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return pagination.Page[*Payment]{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}
	items, err := s.store.ListPaymentsByOwner(ctx, ownerID, after, limit+1)
	if err != nil {
		return pagination.Page[*Payment]{}, err
	}
	return pagination.Build(items, limit, func(p *Payment) (time.Time, string) {
		return p.CreatedAt, p.ID
	}), nil
}

// GetDispute returns a dispute by ID.
func (s *Service) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// ListDisputes returns every dispute raised against a payment, oldest first.
func (s *Service) ListDisputes(ctx context.Context, paymentID string) ([]*Dispute, error) {
	if _, err := s.store.GetPayment(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.store.ListDisputesByPayment(ctx, paymentID)
}

// send delivers a notification. Failures are logged, never returned.
func (s *Service) send(ctx context.Context, userID int64, kind notify.Kind, params map[string]string) {
	if err := s.notifier.Notify(ctx, userID, kind, params); err != nil {
		s.logger.Warn("notification failed", "userId", userID, "kind", kind, "error", err)
	}
}

// sendToHost notifies the host of a payment's subscription.
func (s *Service) sendToHost(ctx context.Context, p *Payment, kind notify.Kind, params map[string]string) {
	sub, err := s.catalog.GetSubscription(ctx, p.SubscriptionID)
	if err != nil {
		s.logger.Warn("host lookup for notification failed",
			"paymentId", p.ID, "subscriptionId", p.SubscriptionID, "error", err)
		return
	}
	if sub.HostID != p.OwnerID {
		s.send(ctx, sub.HostID, kind, params)
	}
}

func paymentParams(p *Payment) map[string]string {
	return map[string]string{
		"paymentId":      p.ID,
		"amount":         money.Format(p.Amount),
		"amountRefunded": money.Format(p.AmountRefunded),
		"currency":       p.Currency,
		"status":         string(p.Status),
		"subscriptionId": strconv.FormatInt(p.SubscriptionID, 10),
	}
}

// lookupErr folds catalog not-found errors into the escrow taxonomy.
func lookupErr(err error) error {
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
