package ingestion

import "errors"

// ErrLinkUnavailable is returned when the hardware link is not connected or
// a write to it fails.
var ErrLinkUnavailable = errors.New("hardware link unavailable")

// ReasonLinkUnavailable is the reason code reported for ErrLinkUnavailable.
const ReasonLinkUnavailable = "link_unavailable"

// Acknowledgment tokens written back to the gate controller.
const (
	AckGranted = "ACCESS_GRANTED\n"
	AckDenied  = "ACCESS_DENIED\n"
)

// AckToken returns the line to write for a decision.
func AckToken(granted bool) string {
	if granted {
		return AckGranted
	}
	return AckDenied
}

// ErrMalformedRequest is returned when a request body is not valid JSON.
var ErrMalformedRequest = errors.New("malformed request body")

// ReasonInvalidJSON is the reason code reported for ErrMalformedRequest.
const ReasonInvalidJSON = "invalid_json"
