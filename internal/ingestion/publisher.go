package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"TollLedger/internal/event"
	"TollLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// DecisionStream is the JetStream stream holding published decisions.
const (
	DecisionStream        = "TOLL_DECISIONS"
	DecisionSubjectPrefix = "toll.decisions"
)

// StreamPublisher is the subset of jetstream.JetStream used for publishing.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// DecisionPublisher publishes decisions to NATS for downstream consumers.
// Subjects follow the pattern toll.decisions.{outcome}. Publishing is best
// effort; downstream consumers can always read the event log.
type DecisionPublisher struct {
	js        StreamPublisher
	inputChan <-chan event.Decision
	timeout   time.Duration
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewDecisionPublisher(
	js StreamPublisher,
	inputChan <-chan event.Decision,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *DecisionPublisher {
	return &DecisionPublisher{
		js:        js,
		inputChan: inputChan,
		timeout:   2 * time.Second,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run starts the publisher loop.
func (p *DecisionPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case d, ok := <-p.inputChan:
			if !ok {
				return nil
			}

			if err := p.Publish(ctx, d); err != nil {
				if p.metrics != nil {
					p.metrics.PublishDrops.Inc()
				}
				p.logger.Warn().Err(err).Str("decision_id", d.DecisionID.String()).Msg("decision publish failed")
			}
		}
	}
}

// Publish sends one decision. The decision id is the JetStream message id,
// so a re-sent decision is deduplicated by the server.
func (p *DecisionPublisher) Publish(ctx context.Context, d event.Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err = p.js.Publish(ctx, DecisionSubject(d.Outcome), data, jetstream.WithMsgID(d.DecisionID.String()))
	return err
}

// DecisionSubject returns the subject a decision is published on.
func DecisionSubject(o event.Outcome) string {
	return fmt.Sprintf("%s.%s", DecisionSubjectPrefix, o)
}

// EnsureDecisionStream creates the outbound decisions stream.
func EnsureDecisionStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       DecisionStream,
		Subjects:   []string{DecisionSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", DecisionStream, err)
	}
	return nil
}
