package fetcher

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"time"

	"go.uber.org/zap"
)

var retryableStatuses = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// ExponentialRetryPolicy yields jittered, capped exponential backoff.
type ExponentialRetryPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewExponentialRetryPolicy builds a policy; zero values fall back to 1s/2m.
func NewExponentialRetryPolicy(baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 2 * time.Minute
	}
	return &ExponentialRetryPolicy{baseDelay: baseDelay, maxDelay: maxDelay}
}

// Backoff returns the wait before retry number attempt (zero based): half the
// capped exponential delay plus up to the same amount again in jitter.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// Cap bounds a server-supplied delay by the policy maximum.
func (p *ExponentialRetryPolicy) Cap(d time.Duration) time.Duration {
	return min(d, p.maxDelay)
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// retryTransport re-issues idempotent requests on transient statuses and
// network errors. The last response is returned once retries run out. Each
// attempt, body read included, is bounded by timeout; backoff sleeps are not.
type retryTransport struct {
	base       http.RoundTripper
	timeout    time.Duration
	maxRetries int
	policy     *ExponentialRetryPolicy
	pauser     Pauser
	now        func() time.Time
	logger     *zap.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("retry transport received nil request")
	}
	if !isIdempotent(req.Method) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("retry transport base roundtrip: %w", err)
		}
		return resp, nil
	}

	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := t.attemptContext(ctx)
		resp, err := t.base.RoundTrip(req.Clone(attemptCtx))
		if attempt >= t.maxRetries || !shouldRetry(ctx, resp, err) {
			if err != nil {
				cancel()
				return nil, fmt.Errorf("retry transport roundtrip: %w", err)
			}
			resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}

		delay := t.policy.Backoff(attempt)
		fields := []zap.Field{
			zap.String("url", req.URL.String()),
			zap.Int("attempt", attempt+1),
		}
		if resp != nil {
			if ra, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), t.now()); ok {
				delay = t.policy.Cap(ra)
			}
			fields = append(fields, zap.Int("status", resp.StatusCode))
			drainAndClose(resp.Body)
		} else {
			fields = append(fields, zap.Error(err))
		}
		cancel()
		t.logger.Debug("Retrying request", append(fields, zap.Duration("delay", delay))...)

		t.pauser.Pause(ctx, delay)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("retry transport backoff: %w", ctxErr)
		}
	}
}

func (t *retryTransport) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.timeout)
}

// cancelOnClose releases the attempt context once the caller is done with
// the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// shouldRetry reports whether another attempt may run. A timed-out attempt
// is retried as long as the caller's own context is still live.
func shouldRetry(ctx context.Context, resp *http.Response, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	_, ok := retryableStatuses[resp.StatusCode]
	return ok
}

func isIdempotent(method string) bool {
	switch method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
