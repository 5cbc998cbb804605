package ingestion

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"TollLedger/internal/event"
	"TollLedger/internal/ledger"
)

// MaxLineLength caps a single line from the link. Longer input is noise.
const MaxLineLength = 1024

// NewLineScanner returns a scanner over link input that splits on "\n",
// "\r\n" or a lone "\r". A run longer than MaxLineLength is dropped up to
// the next delimiter and scanning resumes after it.
func NewLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256), MaxLineLength)
	sc.Split((&lineSplitter{}).split)
	return sc
}

type lineSplitter struct {
	discarding bool
}

func (s *lineSplitter) split(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance = i + 1
		if data[i] == '\r' {
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					advance++
				}
			} else if !atEOF && len(data) < MaxLineLength {
				// Need one more byte to tell "\r" from "\r\n".
				return 0, nil, nil
			}
		}
		if s.discarding {
			s.discarding = false
			return advance, nil, nil
		}
		return advance, data[:i], nil
	}
	if atEOF {
		if s.discarding {
			s.discarding = false
			return len(data), nil, nil
		}
		return len(data), data, nil
	}
	if len(data) >= MaxLineLength {
		// The scanner fails once its buffer is full; consume the run instead.
		s.discarding = true
		return len(data), nil, nil
	}
	return 0, nil, nil
}

// NewLine wraps raw link text as an arrival.
func NewLine(text string, at time.Time) event.Line {
	return event.Line{Text: strings.TrimRight(text, "\r\n"), ReceivedAt: at}
}

// --- JSON wire formats ---
// Field names match the dashboard's POST body.

// TopUpRequest is a decoded credit request.
type TopUpRequest struct {
	UID    string
	Amount int64
}

// Amount stays loosely typed so numeric strings are accepted.
type topUpJSON struct {
	UID    interface{} `json:"uid"`
	Amount interface{} `json:"amount"`
}

// ParseTopUpRequest decodes and validates the shape of a top-up body.
// Identifier normalization and bounds are left to the ledger.
func ParseTopUpRequest(data []byte) (TopUpRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var j topUpJSON
	if err := dec.Decode(&j); err != nil {
		return TopUpRequest{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	uid, ok := j.UID.(string)
	if !ok {
		return TopUpRequest{}, fmt.Errorf("%w: uid must be a string", ledger.ErrInvalidIdentifier)
	}

	amount, err := ledger.ParseAmount(j.Amount)
	if err != nil {
		return TopUpRequest{}, err
	}
	return TopUpRequest{UID: uid, Amount: amount}, nil
}
