// Package sanitize validates and cleans raw selected content before it
// leaves the trust boundary. Pure functions: no network, no storage.
package sanitize

import (
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/nymai/scand/internal/shared/types"
)

// DefaultMaxTextLen bounds text payloads when no limit is configured.
const DefaultMaxTextLen = 5000

// Reason classifies why a request was rejected.
type Reason string

const (
	ReasonEmptyContent         Reason = "empty_content"
	ReasonInsecureOrInvalidURL Reason = "insecure_or_invalid_url"
	ReasonUnsupportedType      Reason = "unsupported_type"
)

// RejectError is returned when content fails sanitization.
type RejectError struct {
	Reason  Reason
	Message string
}

func (e *RejectError) Error() string { return e.Message }

func reject(reason Reason, message string) *RejectError {
	return &RejectError{Reason: reason, Message: message}
}

// Sanitizer cleans text and validates media locators.
type Sanitizer struct {
	policy     *bluemonday.Policy
	maxTextLen int
}

// New creates a sanitizer. maxTextLen <= 0 selects the default.
func New(maxTextLen int) *Sanitizer {
	if maxTextLen <= 0 {
		maxTextLen = DefaultMaxTextLen
	}
	return &Sanitizer{
		// StrictPolicy drops every tag and the contents of script and
		// style elements, leaving only text.
		policy:     bluemonday.StrictPolicy(),
		maxTextLen: maxTextLen,
	}
}

// Sanitize validates a raw scan tuple and returns the cleaned request.
func (s *Sanitizer) Sanitize(raw types.RawScanRequest) (types.ScanRequest, error) {
	req := types.ScanRequest{
		ContentType: raw.ContentType,
		ScanType:    raw.ScanType.OrDefault(),
	}

	switch {
	case raw.ContentType == types.ContentText:
		text, err := s.cleanText(raw.ContentData)
		if err != nil {
			return types.ScanRequest{}, err
		}
		req.ContentData = text

	case raw.ContentType.IsMedia():
		loc, err := cleanMediaURL(raw.ContentData)
		if err != nil {
			return types.ScanRequest{}, err
		}
		req.ContentData = loc

	default:
		return types.ScanRequest{}, reject(ReasonUnsupportedType,
			"unsupported content type: "+string(raw.ContentType))
	}

	return req, nil
}

// cleanText strips markup, collapses whitespace and truncates.
func (s *Sanitizer) cleanText(data string) (string, error) {
	text := s.policy.Sanitize(data)
	text = normalizeWhitespace(text)
	if text == "" {
		return "", reject(ReasonEmptyContent, "no scannable text after cleaning")
	}
	return truncate(text, s.maxTextLen), nil
}

// cleanMediaURL requires a syntactically valid absolute https URL.
func cleanMediaURL(data string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(data))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", reject(ReasonInsecureOrInvalidURL, "media locator is not an absolute URL")
	}
	if u.Scheme != "https" {
		return "", reject(ReasonInsecureOrInvalidURL, "media locator must use https")
	}
	return u.String(), nil
}

// normalizeWhitespace collapses runs of whitespace into single spaces.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate bounds the text to max runes without splitting one.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
