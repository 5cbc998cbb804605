package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"TollLedger/internal/event"
)

// ScanInjector feeds manual scans into the same channel the serial link
// writes to. It serves the dashboard's simulate-scan action and bench tests
// without a reader attached.
type ScanInjector struct {
	lines chan<- event.Line
}

func NewScanInjector(lines chan<- event.Line) *ScanInjector {
	return &ScanInjector{lines: lines}
}

// InjectScan queues a scan line for uid. It blocks until the pipeline has
// room or ctx is done.
func (s *ScanInjector) InjectScan(ctx context.Context, uid string) error {
	if strings.ContainsAny(uid, "\r\n") {
		return fmt.Errorf("uid must be a single line")
	}

	line := event.Line{Text: event.ScanMarker + " " + uid, ReceivedAt: time.Now()}
	select {
	case s.lines <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
