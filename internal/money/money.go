// Package money provides shared parsing and formatting for seat prices and refunds.
//
// Amounts carry exactly 2 fraction digits and are held as shopspring/decimal
// values, never floats. Currency codes are ISO 4217 alphabetic codes.
package money

import (
	"errors"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fraction digits every amount carries.
const Places = 2

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidCurrency = errors.New("invalid currency code")
)

var (
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
	amountRegex   = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
)

// Parse converts a decimal string (e.g. "9.99") to a decimal amount.
//
// Rules:
//   - Empty, signed, non-numeric, or exponent input ("5e-5") is rejected
//   - More than 2 fraction digits is rejected rather than rounded
//   - Zero is accepted; callers that need a positive amount use ParsePositive
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if !amountRegex.MatchString(s) {
		return decimal.Zero, ErrInvalidAmount
	}
	if i := strings.IndexByte(s, '.'); i >= 0 && len(s)-i-1 > Places {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !Valid(d) {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// ParsePositive is Parse plus a strictly-positive check.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// Valid reports whether d is non-negative and has no more than 2 fraction digits.
func Valid(d decimal.Decimal) bool {
	if d.IsNegative() {
		return false
	}
	return d.Equal(d.Truncate(Places))
}

// Format renders d with exactly 2 fraction digits (e.g. "5.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// NormalizeCurrency upper-cases and validates an ISO 4217 alphabetic code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !currencyRegex.MatchString(code) {
		return "", ErrInvalidCurrency
	}
	return code, nil
}

// MinorUnits returns d expressed in cents, as payment providers expect.
func MinorUnits(d decimal.Decimal) int64 {
	return d.Shift(Places).IntPart()
}
