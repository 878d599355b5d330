package escrow

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plazashare",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Escrow operations by operation and result.",
	}, []string{"op", "result"})

	releaseItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plazashare",
		Subsystem: "escrow",
		Name:      "release_items_total",
		Help:      "Scheduled release attempts by result (released, already_released, error).",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, releaseItemsTotal)
}

func observe(op string, err error) {
	transitionsTotal.WithLabelValues(op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrBusinessRule):
		return "business_rule"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrCaptureFailed):
		return "capture_failed"
	default:
		return "error"
	}
}
