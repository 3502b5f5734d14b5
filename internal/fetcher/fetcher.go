// Package fetcher retrieves pages through a gocolly collector with proxy
// support, identity rotation and transport-level retries.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// ErrInvalidProxy reports a proxy URL that cannot be used.
var ErrInvalidProxy = errors.New("invalid proxy url")

// DefaultRateLimitPause applies when a 429 carries no usable Retry-After.
const DefaultRateLimitPause = 5 * time.Second

// DefaultUserAgents are mainstream desktop browser identities.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_6_1) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 13.6; rv:120.0) Gecko/20100101 Firefox/120.0",
}

var browserHeaders = http.Header{
	"Accept":          {"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
	"Accept-Language": {"en-US,en;q=0.9"},
	"Cache-Control":   {"no-cache"},
	"Pragma":          {"no-cache"},
}

// Config controls collector and transport behavior.
type Config struct {
	ProxyURL          string
	Timeout           time.Duration
	UserAgents        []string
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	RateLimitFallback time.Duration
	MaxBodyBytes      int
}

// Pauser blocks for a duration or until ctx is done.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}

// TimerPauser sleeps on a timer.
type TimerPauser struct{}

// Pause waits for delay or ctx cancellation, whichever comes first.
func (TimerPauser) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithRand sets the source used to pick user agents.
func WithRand(r *rand.Rand) Option {
	return func(f *Fetcher) { f.rnd = r }
}

// WithPauser replaces the timer used for rate-limit pauses and retry backoff.
func WithPauser(p Pauser) Option {
	return func(f *Fetcher) { f.pauser = p }
}

// Fetcher implements single-page retrieval on top of a shared collector.
type Fetcher struct {
	cfg           Config
	logger        *zap.Logger
	pauser        Pauser
	baseCollector *colly.Collector
	proxy         *url.URL

	mu  sync.Mutex
	rnd *rand.Rand
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. The transport and its connection pool are created
// once and shared by every fetch.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	proxy, err := ParseProxy(cfg.ProxyURL)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents
	}
	if cfg.RateLimitFallback <= 0 {
		cfg.RateLimitFallback = DefaultRateLimitPause
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	f := &Fetcher{
		cfg:    cfg,
		logger: logger.Named("fetcher"),
		pauser: TimerPauser{},
		proxy:  proxy,
		rnd:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	for _, opt := range opts {
		opt(f)
	}

	options := []colly.CollectorOption{
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
	}
	if cfg.MaxBodyBytes > 0 {
		options = append(options, colly.MaxBodySize(cfg.MaxBodyBytes))
	}
	policy := NewExponentialRetryPolicy(cfg.BackoffBase, cfg.BackoffMax)
	c := colly.NewCollector(options...)
	c.WithTransport(&retryTransport{
		base:       newHTTPTransport(proxy),
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		policy:     policy,
		pauser:     f.pauser,
		now:        time.Now,
		logger:     f.logger,
	})
	// cfg.Timeout applies per attempt inside retryTransport; the client
	// deadline only backstops the whole retry sequence.
	c.SetRequestTimeout(retryBudget(cfg, policy))
	f.baseCollector = c
	return f, nil
}

// retryBudget bounds every attempt plus the longest possible backoff between
// them.
func retryBudget(cfg Config, policy *ExponentialRetryPolicy) time.Duration {
	attempts := time.Duration(cfg.MaxRetries + 1)
	return attempts*cfg.Timeout + time.Duration(cfg.MaxRetries)*policy.maxDelay
}

// ProxyEnabled reports whether requests go through a proxy.
func (f *Fetcher) ProxyEnabled() bool {
	return f.proxy != nil
}

// Fetch issues one GET and classifies the result. Per-request failures are
// reported through the Outcome, never as an error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) Outcome {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Outcome{Kind: TransientFailure, URL: rawURL, Err: fmt.Errorf("fetch canceled: %w", err)}
	}

	var (
		result   Outcome
		fetchErr error
	)
	collector := f.buildCollector(ctx, &result, &fetchErr)
	if err := f.runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return Outcome{Kind: TransientFailure, URL: rawURL, Duration: time.Since(start), Err: err}
	}
	result.URL = rawURL
	result.Duration = time.Since(start)
	return f.classify(ctx, result)
}

func (f *Fetcher) classify(ctx context.Context, result Outcome) Outcome {
	switch {
	case result.StatusCode == http.StatusTooManyRequests:
		pause, ok := ParseRetryAfter(result.Headers.Get("Retry-After"), time.Now())
		if !ok {
			pause = f.cfg.RateLimitFallback
		}
		result.Kind = RateLimited
		result.RetryAfter = pause
		result.Body = nil
		f.logger.Warn("429 received, pausing",
			zap.String("url", result.URL),
			zap.Duration("pause", pause))
		f.pauser.Pause(ctx, pause)
	case result.StatusCode == http.StatusOK && IsHTML(result.Headers):
		result.Kind = Success
	default:
		result.Kind = RedirectOrError
	}
	return result
}

func (f *Fetcher) buildCollector(ctx context.Context, result *Outcome, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	collector.UserAgent = f.pickUserAgent()
	f.configureCollectorHooks(collector, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *Outcome, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range browserHeaders {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = Outcome{
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Truncated:  f.cfg.MaxBodyBytes > 0 && len(r.Body) >= f.cfg.MaxBodyBytes,
		}
		if result.Truncated {
			f.logger.Warn("Response body truncated at size cap",
				zap.String("url", r.Request.URL.String()),
				zap.Int("max_body_bytes", f.cfg.MaxBodyBytes))
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) pickUserAgent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.UserAgents[f.rnd.IntN(len(f.cfg.UserAgents))]
}

// ParseProxy validates a proxy URL. An empty string means no proxy.
func ParseProxy(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProxy, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProxy, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidProxy)
	}
	return u, nil
}

func newHTTPTransport(proxy *url.URL) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxy != nil {
		t.Proxy = http.ProxyURL(proxy)
	}
	return t
}
