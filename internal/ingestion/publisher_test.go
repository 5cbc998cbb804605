package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"TollLedger/internal/event"
	"TollLedger/internal/ingestion"
	"TollLedger/internal/ledger"
	"TollLedger/internal/observability"
	"TollLedger/internal/testutil"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type published struct {
	subject string
	data    []byte
}

type fakeStream struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeStream) Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: payload})
	return &jetstream.PubAck{Stream: ingestion.DecisionStream}, nil
}

func (f *fakeStream) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

// ============================================================================
// Test: DecisionPublisher
// ============================================================================

func TestDecisionPublisher_SubjectPerOutcome(t *testing.T) {
	stream := &fakeStream{}
	in := make(chan event.Decision, 2)
	pub := ingestion.NewDecisionPublisher(stream, in, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	d := event.NewDecision("X1", time.Now(), event.OutcomeGranted, 50, event.MessageGranted).WithDeducted(250)
	in <- d
	in <- event.NewDecision("ZZ", time.Now(), event.OutcomeDenied, 0, event.MessageInsufficient)

	testutil.Eventually(t, time.Second, func() bool { return stream.count() == 2 }, "two decisions published")

	stream.mu.Lock()
	defer stream.mu.Unlock()
	if stream.msgs[0].subject != "toll.decisions.granted" || stream.msgs[1].subject != "toll.decisions.denied" {
		t.Errorf("subjects: %s, %s", stream.msgs[0].subject, stream.msgs[1].subject)
	}

	var got event.Decision
	if err := json.Unmarshal(stream.msgs[0].data, &got); err != nil {
		t.Fatal(err)
	}
	if got.DecisionID != d.DecisionID || got.Deducted == nil || *got.Deducted != 250 {
		t.Errorf("payload: %+v", got)
	}
}

func TestDecisionPublisher_FailureIsCounted(t *testing.T) {
	stream := &fakeStream{err: errors.New("no responders")}
	in := make(chan event.Decision, 1)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pub := ingestion.NewDecisionPublisher(stream, in, zerolog.Nop(), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	in <- event.NewDecision("A", time.Now(), event.OutcomeError, 0, event.MessageInvalidUID)
	testutil.Eventually(t, time.Second, func() bool { return promtest.ToFloat64(metrics.PublishDrops) == 1 }, "drop counted")
}

// ============================================================================
// Test: TopUpSubscriber
// ============================================================================

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l := ledger.New(testutil.NewMemorySnapshotStore(), ledger.DefaultOptions())
	if err := l.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestTopUpSubscriber_HandleCredits(t *testing.T) {
	l := newTestLedger(t)
	sub := ingestion.NewTopUpSubscriber(l, time.Second, zerolog.Nop())

	var reply ingestion.TopUpReply
	if err := json.Unmarshal(sub.Handle(context.Background(), []byte(`{"uid":" ab12 ","amount":500}`)), &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Error != "" || reply.UID != "AB12" || reply.Balance != 500 {
		t.Errorf("got %+v", reply)
	}
	if l.GetBalance("AB12") != 500 {
		t.Errorf("ledger balance %d", l.GetBalance("AB12"))
	}
}

func TestTopUpSubscriber_HandleRejects(t *testing.T) {
	l := newTestLedger(t)
	sub := ingestion.NewTopUpSubscriber(l, time.Second, zerolog.Nop())

	cases := map[string]string{
		`{"uid":"A","amount":5}`:     ledger.ReasonBelowMinimum,
		`{"uid":"A","amount":20000}`: ledger.ReasonAboveMaximum,
		`{"uid":"","amount":100}`:    ledger.ReasonInvalidIdentifier,
		`{"uid":"A","amount":"x"}`:   ledger.ReasonInvalidAmount,
		`[`:                          ingestion.ReasonInvalidJSON,
	}
	for body, want := range cases {
		var reply ingestion.TopUpReply
		if err := json.Unmarshal(sub.Handle(context.Background(), []byte(body)), &reply); err != nil {
			t.Fatal(err)
		}
		if reply.Reason != want || reply.Error == "" {
			t.Errorf("%s: got %+v, want reason %s", body, reply, want)
		}
	}
	if len(l.Balances()) != 0 {
		t.Errorf("rejected top-ups touched the ledger: %v", l.Balances())
	}
}
