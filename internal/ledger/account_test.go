package ledger_test

import (
	"encoding/json"
	"errors"
	"testing"

	"TollLedger/internal/ledger"
)

// ============================================================================
// Test: Normalize
// ============================================================================

func TestNormalize_CaseAndWhitespaceVariantsCollapse(t *testing.T) {
	variants := []string{"ab12", "AB12", " ab12 ", "\tAb12\n"}
	for _, v := range variants {
		got, err := ledger.Normalize(v)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", v, err)
		}
		if got != "AB12" {
			t.Errorf("Normalize(%q) = %q, want AB12", v, got)
		}
	}
}

func TestNormalize_RejectsEmptyAndNonText(t *testing.T) {
	cases := map[string]string{
		"empty":       "",
		"whitespace":  "   \t\r\n",
		"invalid utf": string([]byte{0xff, 0xfe}),
		"control":     "AB\x0012",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ledger.Normalize(raw)
			if !errors.Is(err, ledger.ErrInvalidIdentifier) {
				t.Errorf("got %v, want ErrInvalidIdentifier", err)
			}
		})
	}
}

func TestNormalize_KeepsInnerSpaces(t *testing.T) {
	got, err := ledger.Normalize(" a1 b2 ")
	if err != nil {
		t.Fatal(err)
	}
	if got != "A1 B2" {
		t.Errorf("got %q, want %q", got, "A1 B2")
	}
}

// ============================================================================
// Test: ParseAmount / ValidateTopUp
// ============================================================================

func TestParseAmount_AcceptedForms(t *testing.T) {
	cases := []interface{}{100, int64(100), float64(100), json.Number("100"), "100", " 100 "}
	for _, raw := range cases {
		got, err := ledger.ParseAmount(raw)
		if err != nil {
			t.Errorf("ParseAmount(%#v): %v", raw, err)
			continue
		}
		if got != 100 {
			t.Errorf("ParseAmount(%#v) = %d, want 100", raw, got)
		}
	}
}

func TestParseAmount_Rejected(t *testing.T) {
	cases := []interface{}{nil, "abc", "10.5", 10.5, 0, -5, "", true, []int{1}, json.Number("1e3x")}
	for _, raw := range cases {
		if _, err := ledger.ParseAmount(raw); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Errorf("ParseAmount(%#v): got %v, want ErrInvalidAmount", raw, err)
		}
	}
}

func TestValidateTopUp_Boundaries(t *testing.T) {
	p := ledger.DefaultPolicy()

	cases := []struct {
		amount int64
		want   error
	}{
		{9, ledger.ErrBelowMinimum},
		{10, nil},
		{10_000, nil},
		{10_001, ledger.ErrAboveMaximum},
		{0, ledger.ErrInvalidAmount},
		{-1, ledger.ErrInvalidAmount},
	}

	for _, tc := range cases {
		_, err := ledger.ValidateTopUp(tc.amount, p)
		if tc.want == nil && err != nil {
			t.Errorf("amount %d: unexpected error %v", tc.amount, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Errorf("amount %d: got %v, want %v", tc.amount, err, tc.want)
		}
	}
}

func TestPolicy_Validate(t *testing.T) {
	if err := ledger.DefaultPolicy().Validate(); err != nil {
		t.Errorf("default policy invalid: %v", err)
	}
	bad := ledger.Policy{TollAmount: 250, MinTopUp: 100, MaxTopUp: 10}
	if err := bad.Validate(); err == nil {
		t.Error("expected error when max < min")
	}
}

// ============================================================================
// Test: Reason
// ============================================================================

func TestReason_MapsWrappedSentinels(t *testing.T) {
	_, err := ledger.ValidateTopUp(5, ledger.DefaultPolicy())
	if got := ledger.Reason(err); got != ledger.ReasonBelowMinimum {
		t.Errorf("got %q, want %q", got, ledger.ReasonBelowMinimum)
	}
	if !ledger.IsValidation(err) {
		t.Error("below-minimum should be a validation error")
	}
	if ledger.IsValidation(ledger.ErrPersistence) {
		t.Error("persistence failure is not a validation error")
	}
	if got := ledger.Reason(errors.New("boom")); got != ledger.ReasonInternal {
		t.Errorf("got %q, want %q", got, ledger.ReasonInternal)
	}
}
