package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"TollLedger/internal/ledger"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// TopUpSubject receives remote top-up requests (request/reply).
const (
	TopUpSubject = "toll.topups"
	TopUpQueue   = "toll-ledger"
)

// Crediter applies a bounded top-up.
type Crediter interface {
	Credit(ctx context.Context, id string, amount int64) (int64, error)
}

// TopUpReply is the response body for a remote top-up.
type TopUpReply struct {
	UID     string `json:"uid,omitempty"`
	Balance int64  `json:"balance"`
	Error   string `json:"error,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// TopUpSubscriber serves top-ups over NATS request/reply, sharing the
// ledger's credit path with the HTTP surface.
type TopUpSubscriber struct {
	ledger  Crediter
	timeout time.Duration
	logger  zerolog.Logger
	sub     *nats.Subscription
}

func NewTopUpSubscriber(l Crediter, timeout time.Duration, logger zerolog.Logger) *TopUpSubscriber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TopUpSubscriber{ledger: l, timeout: timeout, logger: logger}
}

// Subscribe joins the top-up queue group on nc.
func (s *TopUpSubscriber) Subscribe(nc *nats.Conn) error {
	sub, err := nc.QueueSubscribe(TopUpSubject, TopUpQueue, func(msg *nats.Msg) {
		reply := s.Handle(context.Background(), msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			s.logger.Warn().Err(err).Msg("top-up reply failed")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", TopUpSubject, err)
	}
	s.sub = sub
	s.logger.Info().Str("subject", TopUpSubject).Str("queue", TopUpQueue).Msg("subscribed")
	return nil
}

// Handle applies one encoded request and returns the encoded reply.
func (s *TopUpSubscriber) Handle(ctx context.Context, data []byte) []byte {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var reply TopUpReply
	req, err := ParseTopUpRequest(data)
	if err == nil {
		reply.Balance, err = s.ledger.Credit(ctx, req.UID, req.Amount)
	}

	if err != nil {
		reply = TopUpReply{Error: err.Error(), Reason: RequestReason(err)}
		s.logger.Info().Err(err).Str("reason", reply.Reason).Msg("remote top-up rejected")
	} else {
		reply.UID, _ = ledger.Normalize(req.UID)
		s.logger.Info().Str("uid", reply.UID).Int64("amount", req.Amount).Int64("balance", reply.Balance).Msg("remote top-up applied")
	}

	out, _ := json.Marshal(reply)
	return out
}

// Stop drains the subscription.
func (s *TopUpSubscriber) Stop() {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.logger.Debug().Err(err).Msg("drain top-up subscription")
		}
	}
}

// RequestReason maps a request error to its reason code, including the
// ingestion-level malformed body case.
func RequestReason(err error) string {
	if errors.Is(err, ErrMalformedRequest) {
		return ReasonInvalidJSON
	}
	if errors.Is(err, ErrLinkUnavailable) {
		return ReasonLinkUnavailable
	}
	return ledger.Reason(err)
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("tollledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
