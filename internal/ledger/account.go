package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Policy holds the fixed toll and the inclusive top-up bounds.
// All amounts are in the smallest currency unit.
type Policy struct {
	TollAmount int64 `json:"toll_amount"`
	MinTopUp   int64 `json:"min_topup"`
	MaxTopUp   int64 `json:"max_topup"`
}

// DefaultPolicy returns the toll plaza defaults.
func DefaultPolicy() Policy {
	return Policy{
		TollAmount: 250,
		MinTopUp:   10,
		MaxTopUp:   10_000,
	}
}

// Validate checks the policy is internally consistent.
func (p Policy) Validate() error {
	if p.TollAmount <= 0 {
		return fmt.Errorf("toll amount must be positive, got %d", p.TollAmount)
	}
	if p.MinTopUp <= 0 {
		return fmt.Errorf("minimum top-up must be positive, got %d", p.MinTopUp)
	}
	if p.MaxTopUp < p.MinTopUp {
		return fmt.Errorf("maximum top-up %d is below minimum %d", p.MaxTopUp, p.MinTopUp)
	}
	return nil
}

// Normalize canonicalizes a raw identifier: surrounding whitespace is
// stripped and letters are upper-cased. Empty, all-whitespace and
// non-textual input (invalid UTF-8, control characters) is rejected.
func Normalize(raw string) (string, error) {
	if !utf8.ValidString(raw) {
		return "", fmt.Errorf("%w: not valid text", ErrInvalidIdentifier)
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains control characters", ErrInvalidIdentifier)
		}
	}
	return strings.ToUpper(trimmed), nil
}

// ParseAmount converts a loosely typed amount (JSON number, decimal string,
// Go integer or integral float) into a positive integer.
func ParseAmount(raw interface{}) (int64, error) {
	var amount int64

	switch v := raw.(type) {
	case int:
		amount = int64(v)
	case int32:
		amount = int64(v)
	case int64:
		amount = v
	case uint32:
		amount = int64(v)
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d overflows", ErrInvalidAmount, v)
		}
		amount = int64(v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) || v >= math.MaxInt64 || v < math.MinInt64 {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrInvalidAmount, v)
		}
		amount = int64(v)
	case json.Number:
		return ParseAmount(string(v))
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not numeric", ErrInvalidAmount, v)
		}
		amount = n
	case nil:
		return 0, fmt.Errorf("%w: missing", ErrInvalidAmount)
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidAmount, raw)
	}

	return ValidateAmount(amount)
}

// ValidateAmount rejects zero and negative amounts.
func ValidateAmount(amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: must be positive, got %d", ErrInvalidAmount, amount)
	}
	return amount, nil
}

// ValidateTopUp applies ValidateAmount and the inclusive top-up bounds.
func ValidateTopUp(amount int64, p Policy) (int64, error) {
	amount, err := ValidateAmount(amount)
	if err != nil {
		return 0, err
	}
	if amount < p.MinTopUp {
		return 0, fmt.Errorf("%w: minimum top-up amount is %d", ErrBelowMinimum, p.MinTopUp)
	}
	if amount > p.MaxTopUp {
		return 0, fmt.Errorf("%w: maximum top-up amount is %d", ErrAboveMaximum, p.MaxTopUp)
	}
	return amount, nil
}
