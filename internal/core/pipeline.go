package core

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"TollLedger/internal/event"
	"TollLedger/internal/ledger"
	"TollLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Debiter is the slice of the ledger the pipeline needs.
type Debiter interface {
	Debit(ctx context.Context, id string, amount int64) (ledger.DebitResult, error)
	GetBalance(id string) int64
	Policy() ledger.Policy
}

// Acknowledger writes the gate token for a decision.
type Acknowledger interface {
	Acknowledge(granted bool) error
}

// Pipeline turns scan lines into authorization decisions.
//
// Lines are processed to completion one at a time by the goroutine running
// Run: parse, normalize, debit, acknowledge, then hand off to the log and
// publish queues. The acknowledgment is synchronous; the hand-offs are
// non-blocking and a full queue drops the record rather than stall scans.
type Pipeline struct {
	ledger      Debiter
	link        Acknowledger
	logChan     chan<- event.Decision
	publishChan chan<- event.Decision
	logger      zerolog.Logger
	metrics     *observability.Metrics
	now         func() time.Time

	latest atomic.Pointer[event.Decision]
}

// NewPipeline wires the pipeline. publishChan may be nil.
func NewPipeline(
	l Debiter,
	link Acknowledger,
	logChan chan<- event.Decision,
	publishChan chan<- event.Decision,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Pipeline {
	return &Pipeline{
		ledger:      l,
		link:        link,
		logChan:     logChan,
		publishChan: publishChan,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Run consumes lines until ctx is cancelled or lines is closed.
func (p *Pipeline) Run(ctx context.Context, lines <-chan event.Line) error {
	p.logger.Info().Int64("toll", p.ledger.Policy().TollAmount).Msg("authorization pipeline started")
	defer p.logger.Info().Msg("authorization pipeline stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			p.Process(ctx, line)
		}
	}
}

// Latest returns the most recent decision, or nil before the first scan.
func (p *Pipeline) Latest() *event.Decision {
	return p.latest.Load()
}

// Process handles one line. It reports false for lines without the scan
// marker, which produce no decision.
func (p *Pipeline) Process(ctx context.Context, line event.Line) (event.Decision, bool) {
	scan, ok := event.ParseScan(line)
	if !ok {
		if p.metrics != nil {
			p.metrics.ScanLinesIgnored.Inc()
		}
		p.logger.Debug().Str("line", line.Text).Msg("ignoring non-scan line")
		return event.Decision{}, false
	}

	start := p.now()
	d := p.decide(ctx, scan)
	if p.metrics != nil {
		p.metrics.DecisionDuration.Observe(time.Since(start).Seconds())
		p.metrics.ScansProcessed.WithLabelValues(d.Outcome.String()).Inc()
	}

	p.acknowledge(d)
	p.latest.Store(&d)
	p.handOff(d)

	p.logger.Info().
		Str("decision_id", d.DecisionID.String()).
		Str("uid", d.Identifier).
		Str("outcome", d.Outcome.String()).
		Int64("balance", d.Balance).
		Msg(d.Message)
	return d, true
}

func (p *Pipeline) decide(ctx context.Context, scan event.ScanEvent) event.Decision {
	at := scan.ReceivedAt
	if at.IsZero() {
		at = p.now()
	}

	id, err := ledger.Normalize(scan.RawIdentifier)
	if err != nil {
		return event.NewDecision(scan.RawIdentifier, at, event.OutcomeError, 0, event.MessageInvalidUID)
	}

	// A started debit must complete even if shutdown begins; the ledger
	// bounds it with its persist timeout.
	toll := p.ledger.Policy().TollAmount
	res, err := p.ledger.Debit(context.WithoutCancel(ctx), id, toll)

	switch {
	case err == nil && res.Granted:
		return event.NewDecision(id, at, event.OutcomeGranted, res.Balance, event.MessageGranted).WithDeducted(res.Deducted)

	case err == nil:
		return event.NewDecision(id, at, event.OutcomeDenied, res.Balance, event.MessageInsufficient)

	case errors.Is(err, ledger.ErrPersistence) && res.Granted:
		// Money has moved in memory; the gate opens and the reconciler
		// writes the snapshot later.
		return event.NewDecision(id, at, event.OutcomeGranted, res.Balance, event.MessageUnpersisted).WithDeducted(res.Deducted)

	case errors.Is(err, ledger.ErrClosed), errors.Is(err, ledger.ErrNotLoaded):
		return event.NewDecision(id, at, event.OutcomeError, p.ledger.GetBalance(id), event.MessageLedgerStopped)

	case ledger.IsValidation(err):
		return event.NewDecision(id, at, event.OutcomeDenied, p.ledger.GetBalance(id), event.MessagePaymentError)

	default:
		p.logger.Error().Err(err).Str("uid", id).Msg("debit failed")
		return event.NewDecision(id, at, event.OutcomeError, p.ledger.GetBalance(id), event.MessagePaymentError)
	}
}

func (p *Pipeline) acknowledge(d event.Decision) {
	if err := p.link.Acknowledge(d.Granted()); err != nil {
		if p.metrics != nil {
			p.metrics.AckFailures.Inc()
		}
		p.logger.Warn().Err(err).Str("decision_id", d.DecisionID.String()).Bool("granted", d.Granted()).Msg("acknowledgment not delivered")
	}
}

func (p *Pipeline) handOff(d event.Decision) {
	select {
	case p.logChan <- d:
	default:
		if p.metrics != nil {
			p.metrics.LogQueueDrops.Inc()
		}
		p.logger.Warn().Str("decision_id", d.DecisionID.String()).Msg("log queue full, decision record dropped")
	}

	if p.publishChan == nil {
		return
	}
	select {
	case p.publishChan <- d:
	default:
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
	}
}
