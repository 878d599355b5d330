package renewal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/plazashare/escrow/internal/catalog"
	"github.com/plazashare/escrow/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

type recordingSender struct {
	mu     sync.Mutex
	sent   map[int64][]notify.Kind
	failID int64
}

func (r *recordingSender) Notify(_ context.Context, userID int64, kind notify.Kind, _ map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if userID == r.failID {
		return errors.New("dispatch unavailable")
	}
	if r.sent == nil {
		r.sent = make(map[int64][]notify.Kind)
	}
	r.sent[userID] = append(r.sent[userID], kind)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, kinds := range r.sent {
		n += len(kinds)
	}
	return n
}

func ptr(v int64) *int64 { return &v }

// seed creates subscriptions renewing on the given day offsets from now.
// Each has a host seat plus one occupied seat and one free seat.
func seed(offsets map[int64]int) *catalog.MemoryStore {
	cat := catalog.NewMemoryStore()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for id, days := range offsets {
		host := id * 100
		cat.PutSubscription(catalog.Subscription{
			ID: id, HostID: host, ServiceName: "svc",
			RenewalDate: today.AddDate(0, 0, days), Status: catalog.SubscriptionActive,
		})
		cat.PutSeat(catalog.Seat{ID: id*10 + 1, SubscriptionID: id, OccupantID: ptr(host), IsHost: true, Status: catalog.SeatActive})
		cat.PutSeat(catalog.Seat{ID: id*10 + 2, SubscriptionID: id, OccupantID: ptr(host + 1), Status: catalog.SeatActive})
		cat.PutSeat(catalog.Seat{ID: id*10 + 3, SubscriptionID: id, Status: catalog.SeatActive})
	}
	return cat
}

func TestNotifyUpcomingRenewals_Window(t *testing.T) {
	cat := seed(map[int64]int{1: 0, 2: 3, 3: 4, 4: -1})
	sender := &recordingSender{}
	n := NewNotifier(cat, sender, NewMemoryLog()).WithClock(func() time.Time { return now })

	report, err := n.NotifyUpcomingRenewals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Subscriptions)
	assert.Equal(t, 4, report.Notified)
	assert.Zero(t, report.Errors)

	assert.Equal(t, []notify.Kind{notify.KindRenewalUpcoming}, sender.sent[100])
	assert.Equal(t, []notify.Kind{notify.KindRenewalUpcoming}, sender.sent[101])
	assert.Len(t, sender.sent[200], 1)
	assert.Len(t, sender.sent[201], 1)
	assert.Empty(t, sender.sent[300])
	assert.Empty(t, sender.sent[400])
}

func TestNotifyUpcomingRenewals_SkipsCancelled(t *testing.T) {
	cat := seed(map[int64]int{1: 1})
	cat.PutSubscription(catalog.Subscription{ID: 1, HostID: 100, RenewalDate: now, Status: catalog.SubscriptionCancelled})
	sender := &recordingSender{}

	report, err := NewNotifier(cat, sender, nil).WithClock(func() time.Time { return now }).
		NotifyUpcomingRenewals(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Subscriptions)
	assert.Zero(t, sender.count())
}

func TestNotifyUpcomingRenewals_DeduplicatesCycle(t *testing.T) {
	cat := seed(map[int64]int{1: 2})
	sender := &recordingSender{}
	log := NewMemoryLog()
	n := NewNotifier(cat, sender, log).WithClock(func() time.Time { return now })

	_, err := n.NotifyUpcomingRenewals(context.Background())
	require.NoError(t, err)
	report, err := n.NotifyUpcomingRenewals(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Notified)
	assert.Equal(t, 2, sender.count())

	// Without a log every run re-sends.
	again := NewNotifier(cat, sender, nil).WithClock(func() time.Time { return now })
	_, err = again.NotifyUpcomingRenewals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sender.count())
}

func TestNotifyUpcomingRenewals_PartialFailure(t *testing.T) {
	cat := seed(map[int64]int{1: 1, 2: 1})
	sender := &recordingSender{failID: 101}
	log := NewMemoryLog()
	n := NewNotifier(cat, sender, log).WithClock(func() time.Time { return now })

	report, err := n.NotifyUpcomingRenewals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Subscriptions)
	assert.Equal(t, 3, report.Notified)
	assert.Equal(t, 1, report.Errors)

	// The cycle is marked because the host was reached.
	sub, _ := cat.GetSubscription(context.Background(), 1)
	marked, err := log.IsMarked(context.Background(), 1, sub.RenewalDate)
	require.NoError(t, err)
	assert.True(t, marked)
}

func TestNotifyUpcomingRenewals_NothingDeliveredIsNotMarked(t *testing.T) {
	cat := catalog.NewMemoryStore()
	cat.PutSubscription(catalog.Subscription{ID: 7, HostID: 700, RenewalDate: now, Status: catalog.SubscriptionActive})
	sender := &recordingSender{failID: 700}
	log := NewMemoryLog()

	report, err := NewNotifier(cat, sender, log).WithClock(func() time.Time { return now }).
		NotifyUpcomingRenewals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)

	marked, _ := log.IsMarked(context.Background(), 7, now)
	assert.False(t, marked)
}

type failingCatalog struct{ catalog.Store }

func (failingCatalog) ListRenewingBetween(context.Context, time.Time, time.Time) ([]*catalog.Subscription, error) {
	return nil, errors.New("db down")
}

func TestNotifyUpcomingRenewals_ListFailure(t *testing.T) {
	_, err := NewNotifier(failingCatalog{}, &recordingSender{}, nil).NotifyUpcomingRenewals(context.Background())
	assert.Error(t, err)
}

func TestWithLookAhead(t *testing.T) {
	cat := seed(map[int64]int{1: 5})
	sender := &recordingSender{}
	n := NewNotifier(cat, sender, nil).WithClock(func() time.Time { return now }).WithLookAhead(7 * 24 * time.Hour)

	report, err := n.NotifyUpcomingRenewals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Subscriptions)
}

func TestMemoryLog_PurgeBefore(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	require.NoError(t, log.Mark(ctx, 1, now, 2, now.AddDate(0, 0, -100)))
	require.NoError(t, log.Mark(ctx, 2, now, 2, now.AddDate(0, 0, -10)))

	n, err := log.PurgeBefore(ctx, now.AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	marked, _ := log.IsMarked(ctx, 1, now)
	assert.False(t, marked)
	marked, _ = log.IsMarked(ctx, 2, now)
	assert.True(t, marked)
}
