// Package idgen generates identifiers for escrow records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes used for persisted records.
const (
	PaymentPrefix = "pay_"
	DisputePrefix = "dsp_"
	RequestPrefix = "req_"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dash-free UUID (32 hex chars),
// e.g. "pay_3f0c...". IDs sort lexically only by chance; callers needing a
// stable order sort by time first.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id was generated with prefix and carries a
// well-formed UUID body.
func HasPrefix(id, prefix string) bool {
	body, ok := strings.CutPrefix(id, prefix)
	if !ok || len(body) != 32 {
		return false
	}
	_, err := uuid.Parse(body)
	return err == nil
}
