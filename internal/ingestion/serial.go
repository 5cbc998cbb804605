package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"TollLedger/internal/event"
	"TollLedger/internal/observability"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// PortOpener opens the device behind the link.
type PortOpener func(name string, baudRate int) (io.ReadWriteCloser, error)

// OpenSerialPort opens a serial port in 8N1 mode.
func OpenSerialPort(name string, baudRate int) (io.ReadWriteCloser, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// SerialLinkConfig configures the serial link.
type SerialLinkConfig struct {
	Port     string
	BaudRate int

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// SerialLink reads newline-delimited scan lines from the gate controller and
// writes one acknowledgment token back per decision. It reopens the port with
// exponential backoff whenever it fails or is absent.
type SerialLink struct {
	cfg     SerialLinkConfig
	open    PortOpener
	lines   chan<- event.Line
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	port      io.ReadWriteCloser
	connected atomic.Bool
}

func NewSerialLink(
	cfg SerialLinkConfig,
	lines chan<- event.Line,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *SerialLink {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 9600
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &SerialLink{
		cfg:     cfg,
		open:    OpenSerialPort,
		lines:   lines,
		logger:  logger,
		metrics: metrics,
	}
}

// WithOpener replaces the port opener.
func (l *SerialLink) WithOpener(open PortOpener) *SerialLink {
	l.open = open
	return l
}

// Connected reports whether the port is currently open.
func (l *SerialLink) Connected() bool {
	return l.connected.Load()
}

// Acknowledge writes the decision token. It fails with ErrLinkUnavailable
// while the port is closed.
func (l *SerialLink) Acknowledge(granted bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		return ErrLinkUnavailable
	}
	if _, err := io.WriteString(l.port, AckToken(granted)); err != nil {
		return fmt.Errorf("%w: write acknowledgment: %v", ErrLinkUnavailable, err)
	}
	return nil
}

// Run owns the port until ctx is cancelled. It returns nil on shutdown.
func (l *SerialLink) Run(ctx context.Context) error {
	defer l.logger.Info().Msg("serial link stopped")

	for {
		port, err := l.connect(ctx)
		if err != nil {
			return nil
		}

		err = l.readLoop(ctx, port)
		l.detach()

		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn().Err(err).Str("port", l.cfg.Port).Msg("serial link lost, reconnecting")
		if l.metrics != nil {
			l.metrics.LinkReconnects.Inc()
		}

		select {
		case <-time.After(l.cfg.ReconnectMin):
		case <-ctx.Done():
			return nil
		}
	}
}

// connect opens the port with backoff. It only fails when ctx is done.
func (l *SerialLink) connect(ctx context.Context) (io.ReadWriteCloser, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.ReconnectMin
	b.MaxInterval = l.cfg.ReconnectMax
	b.MaxElapsedTime = 0

	var port io.ReadWriteCloser
	err := backoff.RetryNotify(func() error {
		p, err := l.open(l.cfg.Port, l.cfg.BaudRate)
		if err != nil {
			return err
		}
		port = p
		return nil
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		l.logger.Warn().Err(err).Str("port", l.cfg.Port).Dur("retry_in", wait).Msg("serial port unavailable")
	})
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.port = port
	l.mu.Unlock()
	l.setConnected(true)
	l.logger.Info().Str("port", l.cfg.Port).Int("baud", l.cfg.BaudRate).Msg("serial link connected")
	return port, nil
}

func (l *SerialLink) readLoop(ctx context.Context, port io.ReadWriteCloser) error {
	// Closing the port is the only way to unblock a pending read.
	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer stop()

	sc := NewLineScanner(port)
	for sc.Scan() {
		line := NewLine(sc.Text(), time.Now())
		if line.Text == "" {
			continue
		}
		l.logger.Debug().Str("line", line.Text).Msg("serial line received")

		select {
		case l.lines <- line:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (l *SerialLink) detach() {
	l.mu.Lock()
	if l.port != nil {
		if err := l.port.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			l.logger.Debug().Err(err).Msg("close serial port")
		}
		l.port = nil
	}
	l.mu.Unlock()
	l.setConnected(false)
}

func (l *SerialLink) setConnected(v bool) {
	l.connected.Store(v)
	if l.metrics != nil {
		l.metrics.LinkConnected.Set(observability.BoolGauge(v))
	}
}
