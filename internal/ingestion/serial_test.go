package ingestion_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"TollLedger/internal/event"
	"TollLedger/internal/ingestion"
	"TollLedger/internal/testutil"

	"github.com/rs/zerolog"
)

// fakePort is a pipe-backed device: the test writes device output into in
// and reads acknowledgments from out.
type fakePort struct {
	r  *io.PipeReader
	in *io.PipeWriter

	mu  sync.Mutex
	out bytes.Buffer
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, in: w}
}

func (p *fakePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func (p *fakePort) Close() error {
	p.in.Close()
	return p.r.Close()
}

func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

func fastLinkConfig() ingestion.SerialLinkConfig {
	return ingestion.SerialLinkConfig{
		Port:         "/dev/fake",
		ReconnectMin: time.Millisecond,
		ReconnectMax: 5 * time.Millisecond,
	}
}

func TestSerialLink_DeliversLinesAndAcknowledges(t *testing.T) {
	port := newFakePort()
	lines := make(chan event.Line, 4)
	link := ingestion.NewSerialLink(fastLinkConfig(), lines, zerolog.Nop(), nil).
		WithOpener(func(string, int) (io.ReadWriteCloser, error) { return port, nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx) }()

	go port.in.Write([]byte("RFID ready\r\n\r\nUID: ab12\r\n"))

	first := <-lines
	second := <-lines
	if first.Text != "RFID ready" || second.Text != "UID: ab12" {
		t.Fatalf("got %q, %q", first.Text, second.Text)
	}
	if !link.Connected() {
		t.Error("link should report connected")
	}

	if err := link.Acknowledge(true); err != nil {
		t.Fatal(err)
	}
	if err := link.Acknowledge(false); err != nil {
		t.Fatal(err)
	}
	if got := port.Written(); got != "ACCESS_GRANTED\nACCESS_DENIED\n" {
		t.Errorf("written %q", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	if link.Connected() {
		t.Error("link should report disconnected after stop")
	}
}

func TestSerialLink_SurvivesOverLongLine(t *testing.T) {
	port := newFakePort()
	lines := make(chan event.Line, 4)
	var opens int
	var mu sync.Mutex
	link := ingestion.NewSerialLink(fastLinkConfig(), lines, zerolog.Nop(), nil).
		WithOpener(func(string, int) (io.ReadWriteCloser, error) {
			mu.Lock()
			opens++
			mu.Unlock()
			return port, nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	go port.in.Write([]byte(strings.Repeat("#", 2048) + "\nUID: AB12\n"))

	select {
	case l := <-lines:
		if l.Text != "UID: AB12" {
			t.Fatalf("got %q, want the scan after the noise", l.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("scan after an over-long line was not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if opens != 1 {
		t.Errorf("port opened %d times, want 1", opens)
	}
	if !link.Connected() {
		t.Error("link should stay connected")
	}
}

func TestSerialLink_UnavailableWhileDisconnected(t *testing.T) {
	lines := make(chan event.Line, 1)
	link := ingestion.NewSerialLink(fastLinkConfig(), lines, zerolog.Nop(), nil).
		WithOpener(func(string, int) (io.ReadWriteCloser, error) { return nil, errors.New("no such device") })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	if link.Connected() {
		t.Error("link should not be connected")
	}
	if err := link.Acknowledge(true); !errors.Is(err, ingestion.ErrLinkUnavailable) {
		t.Errorf("got %v, want ErrLinkUnavailable", err)
	}
}

func TestSerialLink_ReconnectsAfterPortFailure(t *testing.T) {
	var (
		mu    sync.Mutex
		ports []*fakePort
	)
	opener := func(string, int) (io.ReadWriteCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		p := newFakePort()
		ports = append(ports, p)
		return p, nil
	}

	lines := make(chan event.Line, 4)
	link := ingestion.NewSerialLink(fastLinkConfig(), lines, zerolog.Nop(), nil).WithOpener(opener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	current := func() *fakePort {
		mu.Lock()
		defer mu.Unlock()
		if len(ports) == 0 {
			return nil
		}
		return ports[len(ports)-1]
	}

	testutil.Eventually(t, time.Second, func() bool { return current() != nil }, "port opened")
	first := current()
	first.in.CloseWithError(errors.New("device unplugged"))

	testutil.Eventually(t, time.Second, func() bool { return current() != first && link.Connected() }, "port reopened")

	go current().in.Write([]byte("UID: AFTER\n"))
	select {
	case l := <-lines:
		if l.Text != "UID: AFTER" {
			t.Errorf("got %q", l.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("no line after reconnect")
	}
}

func TestScanInjector_QueuesScanLine(t *testing.T) {
	lines := make(chan event.Line, 1)
	inj := ingestion.NewScanInjector(lines)

	if err := inj.InjectScan(context.Background(), "ab12"); err != nil {
		t.Fatal(err)
	}
	scan, ok := event.ParseScan(<-lines)
	if !ok || scan.RawIdentifier != "ab12" {
		t.Errorf("got %+v, %v", scan, ok)
	}

	if err := inj.InjectScan(context.Background(), "a\nb"); err == nil {
		t.Error("multi-line uid should be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	lines <- event.Line{}
	if err := inj.InjectScan(ctx, "full"); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
