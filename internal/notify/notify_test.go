package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plazashare/escrow/internal/circuitbreaker"
	"github.com/plazashare/escrow/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}

type recordingSender struct {
	calls int
	err   error
}

func (r *recordingSender) Notify(context.Context, int64, Kind, map[string]string) error {
	r.calls++
	return r.err
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := s.Notify(context.Background(), 42, KindPaymentReleased, map[string]string{"paymentId": "pay_1"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"user_id":42`)
	assert.Contains(t, buf.String(), `"kind":"payment_released"`)
	assert.Contains(t, buf.String(), `"paymentId":"pay_1"`)
}

func TestMulti_TriesEverySender(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingSender{err: boom}
	b := &recordingSender{}

	err := Multi{a, b}.Notify(context.Background(), 1, KindDisputeOpened, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)

	assert.NoError(t, Multi{b}.Notify(context.Background(), 1, KindDisputeOpened, nil))
}

func TestHTTPSender_SignsAndPosts(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts := r.Header.Get(HeaderTimestamp)
		if Sign([]byte("s3cret"), ts, body) != r.Header.Get(HeaderSignature) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		assert.Equal(t, "renewal_upcoming", r.Header.Get(HeaderKind))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "s3cret").WithRetry(fastRetry)
	err := s.Notify(context.Background(), 7, KindRenewalUpcoming, map[string]string{"subscriptionId": "3"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.UserID)
	assert.Equal(t, KindRenewalUpcoming, got.Kind)
	assert.Equal(t, "3", got.Params["subscriptionId"])
	assert.NotEmpty(t, got.ID)
}

func TestHTTPSender_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "k").WithRetry(fastRetry)
	require.NoError(t, s.Notify(context.Background(), 1, KindPaymentCaptured, nil))
	assert.Equal(t, int32(3), hits.Load())
}

func TestHTTPSender_ClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "k").WithRetry(fastRetry)
	err := s.Notify(context.Background(), 1, KindPaymentCaptured, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPSender_BreakerOpensOnDeadDispatcher(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "k").
		WithRetry(retry.Policy{Attempts: 1}).
		WithBreaker(circuitbreaker.New("notify_test", 2, time.Hour))

	ctx := context.Background()
	assert.Error(t, s.Notify(ctx, 1, KindPaymentCaptured, nil))
	assert.Error(t, s.Notify(ctx, 1, KindPaymentCaptured, nil))
	assert.ErrorIs(t, s.Notify(ctx, 1, KindPaymentCaptured, nil), circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), hits.Load())
}
