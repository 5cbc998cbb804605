package ingestion_test

import (
	"errors"
	"strings"
	"testing"

	"TollLedger/internal/ingestion"
	"TollLedger/internal/ledger"
)

// ============================================================================
// Test: line splitting
// ============================================================================

func TestLineScanner_SplitsAllLineEndings(t *testing.T) {
	input := "RFID ready\r\nUID: AB12\nUID: CD34\rlast"
	sc := ingestion.NewLineScanner(strings.NewReader(input))

	var got []string
	for sc.Scan() {
		got = append(got, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}

	want := []string{"RFID ready", "UID: AB12", "UID: CD34", "last"}
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLineScanner_TrailingCarriageReturn(t *testing.T) {
	sc := ingestion.NewLineScanner(strings.NewReader("UID: AB12\r"))
	if !sc.Scan() || sc.Text() != "UID: AB12" {
		t.Fatalf("got %q", sc.Text())
	}
	if sc.Scan() {
		t.Errorf("unexpected extra line %q", sc.Text())
	}
}

func TestLineScanner_SkipsOverLongLine(t *testing.T) {
	input := strings.Repeat("x", 2000) + "\nUID: AB12\n" + strings.Repeat("y", 4096) + "\r\nUID: CD34"
	sc := ingestion.NewLineScanner(strings.NewReader(input))

	var got []string
	for sc.Scan() {
		got = append(got, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scanner failed: %v", err)
	}
	if len(got) != 2 || got[0] != "UID: AB12" || got[1] != "UID: CD34" {
		t.Fatalf("got %q", got)
	}
}

func TestLineScanner_LongestAcceptedLine(t *testing.T) {
	line := strings.Repeat("z", ingestion.MaxLineLength-1)
	sc := ingestion.NewLineScanner(strings.NewReader(line + "\n"))
	if !sc.Scan() || sc.Text() != line {
		t.Fatalf("line of %d bytes not delivered (err=%v)", len(line), sc.Err())
	}
}

// ============================================================================
// Test: top-up request parsing
// ============================================================================

func TestParseTopUpRequest_Valid(t *testing.T) {
	cases := []string{
		`{"uid": "ab12", "amount": 500}`,
		`{"uid": "ab12", "amount": "500"}`,
	}
	for _, body := range cases {
		req, err := ingestion.ParseTopUpRequest([]byte(body))
		if err != nil {
			t.Errorf("%s: %v", body, err)
			continue
		}
		if req.UID != "ab12" || req.Amount != 500 {
			t.Errorf("%s: got %+v", body, req)
		}
	}
}

func TestParseTopUpRequest_Invalid(t *testing.T) {
	cases := []struct {
		body string
		want error
	}{
		{`not json`, ingestion.ErrMalformedRequest},
		{`{"amount": 500}`, ledger.ErrInvalidIdentifier},
		{`{"uid": 42, "amount": 500}`, ledger.ErrInvalidIdentifier},
		{`{"uid": "A"}`, ledger.ErrInvalidAmount},
		{`{"uid": "A", "amount": 12.5}`, ledger.ErrInvalidAmount},
		{`{"uid": "A", "amount": "abc"}`, ledger.ErrInvalidAmount},
		{`{"uid": "A", "amount": -10}`, ledger.ErrInvalidAmount},
	}
	for _, tc := range cases {
		_, err := ingestion.ParseTopUpRequest([]byte(tc.body))
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.body, err, tc.want)
		}
	}
}

func TestRequestReason(t *testing.T) {
	_, err := ingestion.ParseTopUpRequest([]byte("{"))
	if got := ingestion.RequestReason(err); got != ingestion.ReasonInvalidJSON {
		t.Errorf("got %q, want %q", got, ingestion.ReasonInvalidJSON)
	}
	if got := ingestion.RequestReason(ingestion.ErrLinkUnavailable); got != ingestion.ReasonLinkUnavailable {
		t.Errorf("got %q, want %q", got, ingestion.ReasonLinkUnavailable)
	}
	if got := ingestion.RequestReason(ledger.ErrAboveMaximum); got != ledger.ReasonAboveMaximum {
		t.Errorf("got %q, want %q", got, ledger.ReasonAboveMaximum)
	}
}
