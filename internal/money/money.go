// Package money centralizes amount quantization for the commission engine.
//
// Every amount the engine computes or stores goes through a Quantizer so the
// precision and rounding rule live in exactly one place. Amounts cross process
// boundaries as fixed-precision decimal strings (e.g. "120.00").
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidRounding = errors.New("invalid rounding mode")
)

// RoundingMode selects how a value is brought to the quantizer's precision.
type RoundingMode string

const (
	// RoundHalfUp rounds ties away from zero (1.005 -> 1.01, -1.005 -> -1.01).
	RoundHalfUp RoundingMode = "half_up"
	// RoundHalfEven rounds ties to the nearest even digit.
	RoundHalfEven RoundingMode = "half_even"
	// RoundDown truncates toward zero.
	RoundDown RoundingMode = "down"
)

// ParseRoundingMode validates a configured rounding mode name.
func ParseRoundingMode(s string) (RoundingMode, error) {
	switch m := RoundingMode(strings.ToLower(strings.TrimSpace(s))); m {
	case RoundHalfUp, RoundHalfEven, RoundDown:
		return m, nil
	case "":
		return RoundHalfUp, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRounding, s)
	}
}

var hundred = decimal.NewFromInt(100)

const (
	// MaxPlaces is the scale of every stored amount column (NUMERIC(20,6)).
	MaxPlaces = 6
	// RatePlaces is the scale of stored rate percentages (NUMERIC(10,4)).
	RatePlaces = 4
)

// FitsPlaces reports whether d carries no significant digits beyond places.
// Trailing zeros do not count.
func FitsPlaces(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}

// Quantizer rounds amounts to a fixed number of decimal places.
type Quantizer struct {
	places int32
	mode   RoundingMode
}

// NewQuantizer creates a quantizer. Two places suit currency, six suit token
// quantities.
func NewQuantizer(places int32, mode RoundingMode) (Quantizer, error) {
	if places < 0 || places > MaxPlaces {
		return Quantizer{}, fmt.Errorf("precision must be within [0, %d], got %d", MaxPlaces, places)
	}
	if _, err := ParseRoundingMode(string(mode)); err != nil {
		return Quantizer{}, err
	}
	if mode == "" {
		mode = RoundHalfUp
	}
	return Quantizer{places: places, mode: mode}, nil
}

// MustQuantizer is NewQuantizer that panics on invalid arguments. Intended for
// package-level defaults and tests.
func MustQuantizer(places int32, mode RoundingMode) Quantizer {
	q, err := NewQuantizer(places, mode)
	if err != nil {
		panic(err)
	}
	return q
}

// Places returns the configured precision.
func (q Quantizer) Places() int32 { return q.places }

// Mode returns the configured rounding mode.
func (q Quantizer) Mode() RoundingMode { return q.mode }

// Quantize rounds d to the configured precision.
func (q Quantizer) Quantize(d decimal.Decimal) decimal.Decimal {
	switch q.mode {
	case RoundHalfEven:
		return d.RoundBank(q.places)
	case RoundDown:
		return d.Truncate(q.places)
	default:
		// decimal.Round rounds half away from zero.
		return d.Round(q.places)
	}
}

// Percent returns quantize(base * ratePercent / 100).
func (q Quantizer) Percent(base, ratePercent decimal.Decimal) decimal.Decimal {
	return q.Quantize(base.Mul(ratePercent).Div(hundred))
}

// Format renders d quantized with exactly the configured number of places.
func (q Quantizer) Format(d decimal.Decimal) string {
	return q.Quantize(d).StringFixed(q.places)
}

// Parse reads a decimal string and quantizes it. Empty input is zero.
func (q Quantizer) Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return q.Quantize(d), nil
}

// ParsePositive is Parse that rejects zero and negative amounts.
func (q Quantizer) ParsePositive(s string) (decimal.Decimal, error) {
	d, err := q.Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: must be positive, got %q", ErrInvalidAmount, s)
	}
	return d, nil
}
