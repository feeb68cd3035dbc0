package types

import (
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
)

// ContentType identifies what kind of page content a scan targets.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentVideo ContentType = "video"
	ContentAudio ContentType = "audio"
)

// Valid reports whether the content type is one the backend understands.
func (c ContentType) Valid() bool {
	switch c {
	case ContentText, ContentImage, ContentVideo, ContentAudio:
		return true
	}
	return false
}

// IsMedia reports whether the content is referenced by URL rather than inline.
func (c ContentType) IsMedia() bool {
	switch c {
	case ContentImage, ContentVideo, ContentAudio:
		return true
	}
	return false
}

// ScanType selects the analysis endpoint.
type ScanType string

const (
	ScanCredibility  ScanType = "credibility"
	ScanAuthenticity ScanType = "authenticity"
)

// OrDefault falls back to credibility when the caller did not choose.
func (s ScanType) OrDefault() ScanType {
	if s == ScanAuthenticity {
		return ScanAuthenticity
	}
	return ScanCredibility
}

// RawScanRequest is a scan tuple as received from a UI surface, before
// sanitization. ContentData is untrusted.
type RawScanRequest struct {
	ContentType ContentType `json:"content_type"`
	ContentData string      `json:"content_data"`
	ScanType    ScanType    `json:"scan_type,omitempty"`
}

// ScanRequest is a sanitized scan tuple ready to leave the trust boundary.
// Only ContentType and ContentData are sent on the wire; ScanType picks the
// endpoint suffix.
type ScanRequest struct {
	ContentType ContentType `json:"content_type"`
	ContentData string      `json:"content_data"`
	ScanType    ScanType    `json:"-"`
}

// Outcome error codes. They mirror HTTP where a matching status exists.
const (
	CodeBadInput        = 400
	CodeUnauthenticated = 401
	CodePaymentRequired = 402
	CodeTimeout         = 408
	CodeRateLimited     = 429
	CodeInterrupted     = 499
	CodeInternal        = 500
)

// ScanError is the failure half of an outcome. The field names match what
// the popup reads out of the shared store.
type ScanError struct {
	Message string `json:"error"`
	Code    int    `json:"error_code"`
}

// Outcome is the terminal result of one scan attempt: either a verbatim
// backend payload or a classified error, never both.
type Outcome struct {
	Payload json.RawMessage
	Err     *ScanError
}

// Success wraps a backend payload without transformation.
func Success(payload json.RawMessage) Outcome {
	return Outcome{Payload: payload}
}

// Failure builds a classified error outcome.
func Failure(message string, code int) Outcome {
	return Outcome{Err: &ScanError{Message: message, Code: code}}
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Err == nil }

// Class returns the taxonomy bucket for metrics and logs.
func (o Outcome) Class() string {
	if o.Err == nil {
		return "success"
	}
	switch o.Err.Code {
	case CodeBadInput:
		return "input_rejected"
	case CodeUnauthenticated:
		return "unauthenticated"
	case CodePaymentRequired, CodeRateLimited:
		return "quota_exceeded"
	case CodeTimeout:
		return "timeout"
	case CodeInterrupted:
		return "transport_error"
	default:
		return "unknown"
	}
}

// StoreValue renders the outcome the way it is persisted under
// lastScanResult: the raw payload on success, {"error","error_code"} on
// failure.
func (o Outcome) StoreValue() (json.RawMessage, error) {
	if o.Err == nil {
		return o.Payload, nil
	}
	return sonic.Marshal(o.Err)
}

// ScanFlag is the persisted isScanning value. Since lets readers detect a
// flag orphaned by a process restart.
type ScanFlag struct {
	Active bool   `json:"active"`
	Since  int64  `json:"since,omitempty"` // unix milliseconds
	ScanID string `json:"scan_id,omitempty"`
}

// Stale reports whether an active flag is older than maxAge.
func (f ScanFlag) Stale(now time.Time, maxAge time.Duration) bool {
	if !f.Active {
		return false
	}
	return now.Sub(time.UnixMilli(f.Since)) > maxAge
}

// ScanRecord is one entry of the bounded scan history.
type ScanRecord struct {
	ID          string          `json:"id"`
	ContentType ContentType     `json:"content_type"`
	ScanType    ScanType        `json:"scan_type"`
	StartedAt   int64           `json:"started_at"`
	FinishedAt  int64           `json:"finished_at"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ScanError      `json:"error,omitempty"`
}
