package fetcher

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsHTML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		contentType string
		want        bool
	}{
		{"text/html", true},
		{"text/html; charset=utf-8", true},
		{"TEXT/HTML", true},
		{"application/xhtml+xml", true},
		{"application/json", false},
		{"text/plain", false},
		{"", false},
		{"text/html;;bogus", true},
	}
	for _, tc := range tests {
		h := http.Header{}
		if tc.contentType != "" {
			h.Set("Content-Type", tc.contentType)
		}
		assert.Equal(t, tc.want, IsHTML(h), tc.contentType)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	d, ok := ParseRetryAfter("2", now)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	d, ok = ParseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	d, ok = ParseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Zero(t, d)

	for _, bad := range []string{"", "soon", "-3", "1.5"} {
		_, ok = ParseRetryAfter(bad, now)
		assert.False(t, ok, bad)
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "rate_limited", RateLimited.String())
	assert.Equal(t, "unknown", Kind(42).String())
}

func TestExponentialRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(time.Second, 4*time.Second)
	for attempt, upper := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second} {
		got := p.Backoff(attempt)
		assert.GreaterOrEqual(t, got, upper/2, "attempt %d", attempt)
		assert.LessOrEqual(t, got, upper, "attempt %d", attempt)
	}
	assert.Equal(t, 4*time.Second, p.Cap(time.Hour))
	assert.Equal(t, time.Second, p.Cap(time.Second))
}
