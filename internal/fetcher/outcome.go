package fetcher

import (
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies the result of a single fetch.
type Kind int

const (
	// Success is a 200 response carrying HTML.
	Success Kind = iota
	// TransientFailure covers network errors, timeouts and cancellation.
	TransientFailure
	// RateLimited is a 429 that survived transport retries.
	RateLimited
	// RedirectOrError is any other status, or a 200 that is not HTML.
	RedirectOrError
)

// String returns a label suitable for logs and metrics.
func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case TransientFailure:
		return "transient_failure"
	case RateLimited:
		return "rate_limited"
	case RedirectOrError:
		return "redirect_or_error"
	default:
		return "unknown"
	}
}

// Outcome is produced once per fetch and consumed by the caller.
type Outcome struct {
	Kind       Kind
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	// Truncated is set when Body stopped at the configured size cap.
	Truncated  bool
	RetryAfter time.Duration
	Duration   time.Duration
	Err        error
}

// IsHTML reports whether the Content-Type names an HTML document.
func IsHTML(h http.Header) bool {
	ct := h.Get("Content-Type")
	if ct == "" {
		return false
	}
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
		return mediaType == "text/html" || mediaType == "application/xhtml+xml"
	}
	lower := strings.ToLower(ct)
	return strings.Contains(lower, "text/html") || strings.Contains(lower, "application/xhtml+xml")
}

// ParseRetryAfter reads a Retry-After value given either as delta-seconds or
// as an HTTP-date relative to now.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
