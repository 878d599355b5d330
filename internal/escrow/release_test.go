package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingApplyStore fails every write to one payment.
type failingApplyStore struct {
	*MemoryStore
	failID string
}

func (s *failingApplyStore) Apply(ctx context.Context, m Mutation) error {
	if m.Payment.ID == s.failID {
		return errors.New("connection reset")
	}
	return s.MemoryStore.Apply(ctx, m)
}

// staleListStore answers the eligibility query from a snapshot, the way a
// scheduler racing another instance would see it.
type staleListStore struct {
	*MemoryStore
	snapshot []*Payment
}

func (s *staleListStore) ListReleaseEligible(context.Context, time.Time, int) ([]*Payment, error) {
	return s.snapshot, nil
}

func TestScenario_UndisputedPaymentReleasesOnDay8(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1 := f.capture(t, "9.99")

	f.clock.Set(day0.AddDate(0, 0, 8))
	report, err := f.svc.RunRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Eligible)
	assert.Equal(t, 1, report.Released)
	assert.Equal(t, 0, report.Errors)

	stored, err := f.svc.GetPayment(ctx, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, stored.Status)
	require.NotNil(t, stored.ReleasedAt)
	assert.Equal(t, day0.AddDate(0, 0, 8), *stored.ReleasedAt)
	assert.True(t, stored.AmountRefunded.IsZero())
}

func TestScenario_DisputedPaymentSkippedThenPartiallyRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p2 := f.capture(t, "14.99")

	f.clock.Set(day0.AddDate(0, 0, 3))
	d := f.openDispute(t, p2.ID)

	f.clock.Set(day0.AddDate(0, 0, 8))
	eligible, err := f.svc.FindReleaseEligible(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, eligible)

	report, err := f.svc.RunRelease(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Eligible)
	assert.Zero(t, report.Released)

	stored, _ := f.svc.GetPayment(ctx, p2.ID)
	assert.Equal(t, StatusDisputed, stored.Status)

	_, err = f.svc.ResolveDispute(ctx, ResolveRequest{
		DisputeID: d.ID, AgentID: agentID, Outcome: OutcomeRefundPartial, Amount: "5.00",
	})
	require.NoError(t, err)

	stored, _ = f.svc.GetPayment(ctx, p2.ID)
	assert.Equal(t, StatusPartiallyRefunded, stored.Status)
	assert.True(t, stored.AmountRefunded.Equal(dec("5.00")))
	assert.True(t, stored.Remaining().Equal(dec("9.99")))
	assert.Nil(t, stored.ReleasedAt)

	// A partially refunded payment is not picked up by later runs.
	f.clock.Set(day0.AddDate(0, 0, 30))
	eligible, err = f.svc.FindReleaseEligible(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, eligible)
}

func TestFindReleaseEligible_OrderAndBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.capture(t, "1.00")
	f.clock.Set(day0.Add(time.Hour))
	second := f.capture(t, "2.00")
	f.clock.Set(day0.Add(2 * time.Hour))
	f.capture(t, "3.00")

	eligible, err := f.svc.FindReleaseEligible(ctx, day0.Add(DefaultHoldWindow+time.Hour))
	require.NoError(t, err)
	require.Len(t, eligible, 2)
	assert.Equal(t, first.ID, eligible[0].ID)
	assert.Equal(t, second.ID, eligible[1].ID)
}

func TestFindReleaseEligible_BatchSize(t *testing.T) {
	f := newFixture(t)
	f.svc.WithReleaseBatchSize(2)
	for i := 0; i < 5; i++ {
		f.capture(t, "1.00")
	}
	eligible, err := f.svc.FindReleaseEligible(context.Background(), day0.AddDate(0, 0, 8))
	require.NoError(t, err)
	assert.Len(t, eligible, 2)
}

func TestWithHoldWindow(t *testing.T) {
	f := newFixture(t)
	f.svc.WithHoldWindow(48 * time.Hour)
	p := f.capture(t, "1.00")
	assert.Equal(t, day0.Add(48*time.Hour), p.RetentionUntil)

	f.svc.WithHoldWindow(0)
	p = f.capture(t, "1.00")
	assert.Equal(t, day0.Add(48*time.Hour), p.RetentionUntil, "non-positive window is ignored")
}

func TestRunRelease_ContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.capture(t, "1.00")
	b := f.capture(t, "2.00")
	c := f.capture(t, "3.00")

	store := &failingApplyStore{MemoryStore: f.store, failID: b.ID}
	svc := NewService(store, f.catalog, f.gateway).WithClock(f.clock.Now)

	f.clock.Set(day0.AddDate(0, 0, 8))
	report, err := svc.RunRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Eligible)
	assert.Equal(t, 2, report.Released)
	assert.Equal(t, 1, report.Errors)

	for id, want := range map[string]Status{a.ID: StatusReleased, b.ID: StatusHeld, c.ID: StatusReleased} {
		stored, err := f.store.GetPayment(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, stored.Status, id)
	}

	// The failed payment is retried on the next run.
	report, err = f.svc.RunRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Eligible)
	assert.Equal(t, 1, report.Released)
}

func TestRunRelease_CountsAlreadyReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.capture(t, "1.00")

	f.clock.Set(day0.AddDate(0, 0, 8))
	snapshot, err := f.svc.FindReleaseEligible(ctx, f.clock.Now())
	require.NoError(t, err)
	_, err = f.svc.Release(ctx, p.ID)
	require.NoError(t, err)

	svc := NewService(&staleListStore{MemoryStore: f.store, snapshot: snapshot}, f.catalog, f.gateway).
		WithClock(f.clock.Now)
	report, err := svc.RunRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Eligible)
	assert.Equal(t, 0, report.Released)
	assert.Equal(t, 1, report.AlreadyReleased)
}

func TestRunRelease_NothingDue(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "1.00")

	report, err := f.svc.RunRelease(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Eligible)
	assert.Zero(t, report.Released)
}
