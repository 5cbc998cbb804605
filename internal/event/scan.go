// internal/event/scan.go
package event

import (
	"strings"
	"time"
)

// ScanMarker prefixes the identifier in a scan line from the reader.
const ScanMarker = "UID:"

// Line is one raw line from the hardware link.
type Line struct {
	Text       string
	ReceivedAt time.Time
}

// ScanEvent is a line that carried the scan marker. RawIdentifier is the
// text after the marker, not yet normalized.
type ScanEvent struct {
	RawIdentifier string
	ReceivedAt    time.Time
}

// ParseScan extracts a scan from a raw line. Lines without the marker are
// diagnostics from the device and report ok=false.
func ParseScan(l Line) (ScanEvent, bool) {
	idx := strings.Index(l.Text, ScanMarker)
	if idx < 0 {
		return ScanEvent{}, false
	}
	return ScanEvent{
		RawIdentifier: strings.TrimSpace(l.Text[idx+len(ScanMarker):]),
		ReceivedAt:    l.ReceivedAt,
	}, true
}
