package core_test

import (
	"context"
	"testing"
	"time"

	"TollLedger/internal/core"
	"TollLedger/internal/event"
	"TollLedger/internal/ingestion"
	"TollLedger/internal/ledger"
	"TollLedger/internal/observability"
	"TollLedger/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

type harness struct {
	ledger  *ledger.Ledger
	store   *testutil.MemorySnapshotStore
	link    *testutil.FakeLink
	logChan chan event.Decision
	metrics *observability.Metrics
	p       *core.Pipeline
}

func newHarness(t *testing.T, seed string, logCap int) *harness {
	t.Helper()
	store := testutil.NewMemorySnapshotStore()
	if seed != "" {
		store.Seed([]byte(seed))
	}

	opts := ledger.DefaultOptions()
	opts.RetryInterval = time.Millisecond
	l := ledger.New(store, opts)
	if err := l.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	h := &harness{
		ledger:  l,
		store:   store,
		link:    testutil.NewFakeLink(),
		logChan: make(chan event.Decision, logCap),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	h.p = core.NewPipeline(l, h.link, h.logChan, nil, zerolog.Nop(), h.metrics)
	return h
}

func (h *harness) scan(t *testing.T, text string) event.Decision {
	t.Helper()
	d, ok := h.p.Process(context.Background(), event.Line{Text: text, ReceivedAt: time.Now()})
	if !ok {
		t.Fatalf("%q produced no decision", text)
	}
	return d
}

// ============================================================================
// Test: decisions
// ============================================================================

func TestPipeline_GrantThenDeny(t *testing.T) {
	h := newHarness(t, `{"X1": 300}`, 10)

	first := h.scan(t, "UID: x1")
	if first.Outcome != event.OutcomeGranted || first.Balance != 50 {
		t.Errorf("first scan: %+v", first)
	}
	if first.Deducted == nil || *first.Deducted != 250 {
		t.Errorf("granted decision should carry deducted 250: %+v", first.Deducted)
	}
	if first.Message != event.MessageGranted {
		t.Errorf("message %q", first.Message)
	}

	second := h.scan(t, "UID: X1")
	if second.Outcome != event.OutcomeDenied || second.Balance != 50 || second.Deducted != nil {
		t.Errorf("second scan: %+v", second)
	}
	if second.Message != event.MessageInsufficient {
		t.Errorf("message %q", second.Message)
	}

	acks := h.link.Acks()
	if len(acks) != 2 || !acks[0] || acks[1] {
		t.Errorf("acks %v, want [true false]", acks)
	}
	if len(h.logChan) != 2 {
		t.Errorf("logged %d decisions, want 2", len(h.logChan))
	}
}

func TestPipeline_UnknownIdentifierDenied(t *testing.T) {
	h := newHarness(t, "", 10)

	d := h.scan(t, "UID: ZZ")
	if d.Outcome != event.OutcomeDenied || d.Balance != 0 || d.Message != event.MessageInsufficient {
		t.Errorf("got %+v", d)
	}
	if got := h.ledger.GetBalance("ZZ"); got != 0 {
		t.Errorf("balance %d, want 0", got)
	}
}

func TestPipeline_InvalidIdentifierIsError(t *testing.T) {
	h := newHarness(t, "", 10)

	d := h.scan(t, "UID:    ")
	if d.Outcome != event.OutcomeError || d.Message != event.MessageInvalidUID {
		t.Errorf("got %+v", d)
	}
	if acks := h.link.Acks(); len(acks) != 1 || acks[0] {
		t.Errorf("acks %v, want one deny", acks)
	}
	if len(h.logChan) != 1 {
		t.Error("error decision should be logged")
	}
	if len(h.ledger.Balances()) != 0 {
		t.Error("invalid scan touched the ledger")
	}
}

func TestPipeline_IgnoresLinesWithoutMarker(t *testing.T) {
	h := newHarness(t, "", 10)

	if _, ok := h.p.Process(context.Background(), event.Line{Text: "RFID reader v2 ready"}); ok {
		t.Error("diagnostic line produced a decision")
	}
	if len(h.link.Acks()) != 0 || len(h.logChan) != 0 {
		t.Error("ignored line produced side effects")
	}
	if got := promtest.ToFloat64(h.metrics.ScanLinesIgnored); got != 1 {
		t.Errorf("ignored counter %v", got)
	}
	if h.p.Latest() != nil {
		t.Error("latest should stay nil")
	}
}

func TestPipeline_RepeatedScansAreIndependent(t *testing.T) {
	h := newHarness(t, `{"A": 1000}`, 10)

	for i := 0; i < 4; i++ {
		if d := h.scan(t, "UID: A"); d.Outcome != event.OutcomeGranted {
			t.Fatalf("scan %d: %+v", i, d)
		}
	}
	if d := h.scan(t, "UID: A"); d.Outcome != event.OutcomeDenied {
		t.Errorf("fifth scan: %+v", d)
	}
	if got := h.ledger.GetBalance("A"); got != 0 {
		t.Errorf("balance %d, want 0", got)
	}
}

// ============================================================================
// Test: failure isolation
// ============================================================================

func TestPipeline_AckFailureDoesNotRededuct(t *testing.T) {
	h := newHarness(t, `{"A": 1000}`, 10)
	h.link.SetError(ingestion.ErrLinkUnavailable)

	d := h.scan(t, "UID: A")
	if d.Outcome != event.OutcomeGranted {
		t.Fatalf("got %+v", d)
	}
	if got := h.ledger.GetBalance("A"); got != 750 {
		t.Errorf("balance %d, want 750", got)
	}
	if got := promtest.ToFloat64(h.metrics.AckFailures); got != 1 {
		t.Errorf("ack failures %v", got)
	}
}

func TestPipeline_FullLogQueueDropsRecordOnly(t *testing.T) {
	h := newHarness(t, `{"A": 1000}`, 1)

	h.scan(t, "UID: A")
	d := h.scan(t, "UID: A")
	if d.Outcome != event.OutcomeGranted {
		t.Fatalf("got %+v", d)
	}
	if got := h.ledger.GetBalance("A"); got != 500 {
		t.Errorf("balance %d, want 500", got)
	}
	if got := promtest.ToFloat64(h.metrics.LogQueueDrops); got != 1 {
		t.Errorf("drops %v, want 1", got)
	}
}

func TestPipeline_UnpersistedDebitStillGrants(t *testing.T) {
	h := newHarness(t, `{"A": 1000}`, 10)
	h.store.SetFailAll(true)

	d := h.scan(t, "UID: A")
	if d.Outcome != event.OutcomeGranted || d.Balance != 750 || d.Message != event.MessageUnpersisted {
		t.Errorf("got %+v", d)
	}
	if !h.ledger.Dirty() {
		t.Error("ledger should be dirty")
	}
	if acks := h.link.Acks(); len(acks) != 1 || !acks[0] {
		t.Errorf("acks %v, want one grant", acks)
	}
}

func TestPipeline_ClosedLedgerIsError(t *testing.T) {
	h := newHarness(t, `{"A": 1000}`, 10)
	if err := h.ledger.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	d := h.scan(t, "UID: A")
	if d.Outcome != event.OutcomeError || d.Balance != 1000 {
		t.Errorf("got %+v", d)
	}
}

// ============================================================================
// Test: Run
// ============================================================================

func TestPipeline_RunProcessesInOrderAndStops(t *testing.T) {
	h := newHarness(t, `{"A": 500}`, 10)
	lines := make(chan event.Line, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx, lines) }()

	lines <- event.Line{Text: "UID: A"}
	lines <- event.Line{Text: "booting"}
	lines <- event.Line{Text: "UID: A"}
	lines <- event.Line{Text: "UID: A"}

	testutil.Eventually(t, time.Second, func() bool { return len(h.link.Acks()) == 3 }, "three scans acknowledged")

	acks := h.link.Acks()
	if !acks[0] || !acks[1] || acks[2] {
		t.Errorf("acks %v, want [true true false]", acks)
	}
	latest := h.p.Latest()
	if latest == nil || latest.Outcome != event.OutcomeDenied {
		t.Errorf("latest %+v", latest)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestPipeline_DebitSurvivesCancelledContext(t *testing.T) {
	h := newHarness(t, `{"A": 500}`, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, ok := h.p.Process(ctx, event.Line{Text: "UID: A"})
	if !ok || d.Outcome != event.OutcomeGranted {
		t.Fatalf("got %+v", d)
	}
	if h.ledger.Dirty() {
		t.Error("debit write should not observe the cancellation")
	}
	if h.store.Writes() != 1 {
		t.Errorf("snapshot writes %d, want the debit persisted", h.store.Writes())
	}
}
