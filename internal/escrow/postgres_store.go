package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/plazashare/escrow/internal/pagination"
	"github.com/shopspring/decimal"
)

// uniqueViolation is the SQLSTATE for unique constraint failures. The
// partial index disputes_one_active_per_payment raises it for a second
// active dispute.
const uniqueViolation = "23505"

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, owner_id, seat_id, subscription_id, payment_method_id,
		       amount, currency, amount_refunded, paid_at, retention_until,
		       released_at, refunded_at, external_ref, status,
		       cycle_start, cycle_end, version, created_at, updated_at,
		       release_reversed`

func (p *PostgresStore) CreatePayment(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, owner_id, seat_id, subscription_id, payment_method_id,
			amount, currency, amount_refunded, paid_at, retention_until,
			released_at, refunded_at, external_ref, status,
			cycle_start, cycle_end, version, created_at, updated_at,
			release_reversed
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18, $19,
			$20
		)`,
		pay.ID, pay.OwnerID, pay.SeatID, pay.SubscriptionID, pay.PaymentMethodID,
		pay.Amount, pay.Currency, pay.AmountRefunded, pay.PaidAt, pay.RetentionUntil,
		nullTime(pay.ReleasedAt), nullTime(pay.RefundedAt), nullString(pay.ExternalRef), string(pay.Status),
		pay.CycleStart, pay.CycleEnd, pay.Version, pay.CreatedAt, pay.UpdatedAt,
		pay.ReleaseReversed,
	)
	return err
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) ListPaymentsByOwner(ctx context.Context, ownerID int64, after *pagination.Cursor, limit int) ([]*Payment, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+paymentColumns+`
			FROM payments
			WHERE owner_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, ownerID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+paymentColumns+`
			FROM payments
			WHERE owner_id = $1
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, ownerID, after.At, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) ListReleaseEligible(ctx context.Context, asOf time.Time, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments p
		WHERE p.status = $1
		  AND p.retention_until <= $2
		  AND NOT EXISTS (
			SELECT 1 FROM disputes d
			WHERE d.payment_id = p.id AND d.status IN ($3, $4)
		  )
		ORDER BY p.retention_until, p.id
		LIMIT $5`,
		string(StatusHeld), asOf, string(DisputeOpen), string(DisputeInReview), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

// Apply writes the payment guarded by its version and the dispute in one
// transaction.
func (p *PostgresStore) Apply(ctx context.Context, m Mutation) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	pay := m.Payment
	res, err := tx.ExecContext(ctx, `
		UPDATE payments SET
			amount_refunded = $1, released_at = $2, refunded_at = $3,
			external_ref = $4, status = $5, updated_at = $6,
			release_reversed = $7, version = version + 1
		WHERE id = $8 AND version = $9`,
		pay.AmountRefunded, nullTime(pay.ReleasedAt), nullTime(pay.RefundedAt),
		nullString(pay.ExternalRef), string(pay.Status), pay.UpdatedAt,
		pay.ReleaseReversed, pay.ID, pay.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, pay.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrPaymentNotFound
		}
		return ErrConcurrencyConflict
	}

	if d := m.Dispute; d != nil {
		if m.InsertDispute {
			err = insertDispute(ctx, tx, d)
		} else {
			err = updateDispute(ctx, tx, d)
		}
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
				return ErrDuplicateDispute
			}
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	pay.Version++
	return nil
}

func insertDispute(ctx context.Context, tx *sql.Tx, d *Dispute) error {
	evidence, err := evidenceJSON(d.Evidence)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO disputes (
			id, payment_id, claimant_id, reason, description, evidence,
			opened_at, resolved_at, outcome, resolved_amount, resolution_notes,
			agent_id, status, payment_status_at_open, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		d.ID, d.PaymentID, d.ClaimantID, string(d.Reason), d.Description, evidence,
		d.OpenedAt, nullTime(d.ResolvedAt), nullString(string(d.Outcome)), nullDecimal(d.ResolvedAmount),
		nullString(d.ResolutionNotes), nullInt64(d.AgentID), string(d.Status),
		string(d.PaymentStatusAtOpen), d.UpdatedAt,
	)
	return err
}

func updateDispute(ctx context.Context, tx *sql.Tx, d *Dispute) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE disputes SET
			resolved_at = $1, outcome = $2, resolved_amount = $3,
			resolution_notes = $4, agent_id = $5, status = $6, updated_at = $7
		WHERE id = $8`,
		nullTime(d.ResolvedAt), nullString(string(d.Outcome)), nullDecimal(d.ResolvedAmount),
		nullString(d.ResolutionNotes), nullInt64(d.AgentID), string(d.Status), d.UpdatedAt,
		d.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

const disputeColumns = `id, payment_id, claimant_id, reason, description, evidence,
		       opened_at, resolved_at, outcome, resolved_amount, resolution_notes,
		       agent_id, status, payment_status_at_open, updated_at`

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ActiveDispute(ctx context.Context, paymentID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE payment_id = $1 AND status IN ($2, $3)`,
		paymentID, string(DisputeOpen), string(DisputeInReview))
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDisputesByPayment(ctx context.Context, paymentID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE payment_id = $1
		ORDER BY opened_at, id`, paymentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*Payment, error) {
	pay := &Payment{}
	var (
		releasedAt  sql.NullTime
		refundedAt  sql.NullTime
		externalRef sql.NullString
		status      string
	)
	err := s.Scan(
		&pay.ID, &pay.OwnerID, &pay.SeatID, &pay.SubscriptionID, &pay.PaymentMethodID,
		&pay.Amount, &pay.Currency, &pay.AmountRefunded, &pay.PaidAt, &pay.RetentionUntil,
		&releasedAt, &refundedAt, &externalRef, &status,
		&pay.CycleStart, &pay.CycleEnd, &pay.Version, &pay.CreatedAt, &pay.UpdatedAt,
		&pay.ReleaseReversed,
	)
	if err != nil {
		return nil, err
	}
	pay.Status = Status(status)
	pay.ExternalRef = externalRef.String
	if releasedAt.Valid {
		pay.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		pay.RefundedAt = &refundedAt.Time
	}
	return pay, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		evidence       []byte
		resolvedAt     sql.NullTime
		outcome        sql.NullString
		resolvedAmount decimal.NullDecimal
		notes          sql.NullString
		agentID        sql.NullInt64
		reason         string
		status         string
		statusAtOpen   string
	)
	err := s.Scan(
		&d.ID, &d.PaymentID, &d.ClaimantID, &reason, &d.Description, &evidence,
		&d.OpenedAt, &resolvedAt, &outcome, &resolvedAmount, &notes,
		&agentID, &status, &statusAtOpen, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Reason = Reason(reason)
	d.Status = DisputeStatus(status)
	d.PaymentStatusAtOpen = Status(statusAtOpen)
	d.Outcome = Outcome(outcome.String)
	d.ResolutionNotes = notes.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	if resolvedAmount.Valid {
		d.ResolvedAmount = &resolvedAmount.Decimal
	}
	if agentID.Valid {
		d.AgentID = &agentID.Int64
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence of dispute %s: %w", d.ID, err)
		}
	}
	return d, nil
}

// evidenceJSON encodes evidence links for the JSONB column. It returns a
// string because lib/pq sends []byte as bytea.
func evidenceJSON(urls []string) (string, error) {
	if urls == nil {
		return "[]", nil
	}
	b, err := json.Marshal(urls)
	return string(b), err
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
