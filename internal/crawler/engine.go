package crawler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-crawler/internal/fetcher"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
	"github.com/JakeFAU/listing-crawler/internal/pagestore"
	"github.com/JakeFAU/listing-crawler/internal/scope"
)

// Engine drives one crawl run. It is single use: call Run once.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	saved    int
	inFlight int
	outcomes map[string]int

	// saveMu serializes budget checks, index assignment and persistence.
	saveMu sync.Mutex

	rndMu sync.Mutex
}

// NewEngine validates cfg and deps and returns an idle Engine.
func NewEngine(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Fetcher == nil || deps.Store == nil || deps.Frontier == nil {
		return nil, errors.New("crawler: fetcher, store and frontier are required")
	}
	if cfg.MaxPages <= 0 {
		return nil, fmt.Errorf("crawler: max pages must be > 0, got %d", cfg.MaxPages)
	}
	if cfg.DelayMin < 0 || cfg.DelayMax < cfg.DelayMin {
		return nil, fmt.Errorf("crawler: invalid delay range [%s, %s]", cfg.DelayMin, cfg.DelayMax)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if deps.Pauser == nil {
		deps.Pauser = fetcher.TimerPauser{}
	}
	if deps.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		deps.Rand = rand.New(rand.NewPCG(seed, seed>>1))
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	metrics.Init()

	e := &Engine{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.Named("crawler"),
		state:    StateIdle,
		outcomes: make(map[string]int),
	}
	e.cond = sync.NewCond(&e.mu)
	return e, nil
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Progress returns a live snapshot for status reporting.
func (e *Engine) Progress() Progress {
	stats := e.deps.Frontier.Stats()
	e.mu.Lock()
	defer e.mu.Unlock()
	return Progress{
		RunID:    e.deps.RunID,
		State:    e.state,
		Saved:    e.saved,
		Target:   e.cfg.MaxPages,
		Visited:  stats.Visited,
		Queued:   stats.Queued,
		InFlight: e.inFlight,
	}
}

// Run seeds the frontier and crawls until the budget is met, the frontier is
// exhausted or ctx is canceled. Per-URL failures are logged and never
// returned; the only error is ErrNoValidSeeds.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	started := e.deps.Clock.Now()
	e.setState(StateSeeding)

	if e.seed() == 0 {
		e.setState(StateTerminated)
		e.logger.Error("No valid seed URLs; nothing to crawl", zap.Strings("seeds", e.cfg.Seeds))
		return e.result(ctx, started), ErrNoValidSeeds
	}

	e.logger.Info("Starting crawl",
		zap.String("run_id", e.deps.RunID),
		zap.Int("target", e.cfg.MaxPages),
		zap.Int("seeds", e.deps.Frontier.Stats().Queued),
		zap.Int("workers", e.cfg.Concurrency))
	e.setState(StateRunning)

	stop := context.AfterFunc(ctx, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer stop()

	var g errgroup.Group
	for range e.cfg.Concurrency {
		g.Go(func() error {
			e.work(ctx)
			return nil
		})
	}
	_ = g.Wait()
	e.setState(StateTerminated)

	res := e.result(ctx, started)
	fields := []zap.Field{
		zap.Int("saved", res.Saved),
		zap.Int("target", res.Target),
		zap.Int("visited", res.Visited),
		zap.Int("queued", res.Queued),
		zap.Bool("interrupted", res.Interrupted),
	}
	if res.BudgetMet {
		e.logger.Info("Crawl completed", fields...)
	} else {
		e.logger.Warn("Crawl completed below target", fields...)
	}
	return res, nil
}

// InScopeSeeds returns the seeds that normalize cleanly and fall inside
// rules, normalized and in input order. Callers use it to reject a run
// before any external resource is touched.
func InScopeSeeds(seeds []string, rules scope.Rules) []string {
	var out []string
	seen := make(map[string]struct{}, len(seeds))
	for _, raw := range seeds {
		normalized, err := scope.Normalize(raw)
		if err != nil || rules.Classify(normalized) != scope.InScope {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

func (e *Engine) seed() int {
	accepted := 0
	for _, raw := range e.cfg.Seeds {
		normalized, err := scope.Normalize(raw)
		if err != nil {
			e.logger.Warn("Dropping malformed seed", zap.String("url", raw), zap.Error(err))
			continue
		}
		if decision := e.deps.Rules.Classify(normalized); decision != scope.InScope {
			e.logger.Warn("Dropping out-of-scope seed",
				zap.String("url", normalized),
				zap.Stringer("decision", decision))
			continue
		}
		if e.deps.Frontier.Push(normalized) {
			accepted++
		}
	}
	metrics.SetFrontierQueued(e.deps.Frontier.Stats().Queued)
	return accepted
}

func (e *Engine) work(ctx context.Context) {
	for {
		url, ok := e.next(ctx)
		if !ok {
			return
		}
		metrics.IncActiveWorkers()
		e.process(ctx, url)
		metrics.DecActiveWorkers()
		e.release()
	}
}

// next blocks until a fresh URL is available or the run should stop. A
// worker that finds the frontier empty waits while others are in flight
// since their pages may still yield links.
func (e *Engine) next(ctx context.Context) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if ctx.Err() != nil || e.saved >= e.cfg.MaxPages {
			e.drain()
			return "", false
		}
		url, ok := e.deps.Frontier.Pop()
		if ok {
			if !e.deps.Frontier.MarkVisited(url) {
				continue
			}
			e.inFlight++
			return url, true
		}
		if e.inFlight == 0 {
			e.drain()
			return "", false
		}
		e.cond.Wait()
	}
}

func (e *Engine) release() {
	e.mu.Lock()
	e.inFlight--
	e.cond.Broadcast()
	e.mu.Unlock()
}

// drain must be called with mu held.
func (e *Engine) drain() {
	if e.state == StateRunning {
		e.state = StateDraining
	}
	e.cond.Broadcast()
}

func (e *Engine) process(ctx context.Context, url string) {
	logger := e.logger.With(zap.String("url", url))

	if decision := e.deps.Rules.Classify(url); decision != scope.InScope {
		metrics.ObserveScopeDecision(decision.String())
		logger.Debug("Skipping out-of-scope url", zap.Stringer("decision", decision))
		return
	}

	e.deps.Pauser.Pause(ctx, e.politeDelay())
	if e.deps.Limiter != nil {
		if _, err := e.deps.Limiter.Wait(ctx); err != nil {
			logger.Debug("Rate limiter wait aborted", zap.Error(err))
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	outcome := e.deps.Fetcher.Fetch(ctx, url)
	e.recordOutcome(outcome)
	metrics.ObserveFetch(url, outcome.Kind.String(), outcome.Duration)

	switch outcome.Kind {
	case fetcher.Success:
	case fetcher.RateLimited:
		metrics.ObserveRateLimitPause(url, outcome.RetryAfter)
		logger.Warn("Rate limited; url abandoned", zap.Duration("paused", outcome.RetryAfter))
		return
	case fetcher.TransientFailure:
		logger.Warn("Fetch failed", zap.Error(outcome.Err))
		return
	default:
		logger.Info("Skipping non-HTML or non-200 response",
			zap.Int("status", outcome.StatusCode),
			zap.String("content_type", outcome.Headers.Get("Content-Type")))
		return
	}

	if page, ok := e.persist(ctx, url, outcome.Body); ok {
		e.announce(ctx, page)
	}
	e.enqueueLinks(outcome.Body, url)
}

func (e *Engine) persist(ctx context.Context, url string, body []byte) (pagestore.SavedPage, bool) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	index := e.saved + 1
	e.mu.Unlock()
	if index > e.cfg.MaxPages {
		return pagestore.SavedPage{}, false
	}
	if !e.deps.Frontier.MarkSaved(url) {
		return pagestore.SavedPage{}, false
	}

	page, err := e.deps.Store.Save(context.WithoutCancel(ctx), url, body, index)
	if err != nil {
		e.deps.Frontier.UnmarkSaved(url)
		metrics.ObserveSaveFailure(url)
		e.logger.Error("Failed to save page", zap.String("url", url), zap.Error(err))
		return pagestore.SavedPage{}, false
	}

	e.mu.Lock()
	e.saved = index
	e.cond.Broadcast()
	e.mu.Unlock()

	metrics.ObserveSave(url, page.Bytes)
	e.logger.Info("Saved page",
		zap.Int("index", page.Index),
		zap.Int("target", e.cfg.MaxPages),
		zap.String("url", url),
		zap.String("uri", page.ContentURI))
	return page, true
}

// announce fans a saved page out to the optional catalog and publisher.
// Failures there never undo the save.
func (e *Engine) announce(ctx context.Context, page pagestore.SavedPage) {
	ctx = context.WithoutCancel(ctx)
	if e.deps.Catalog != nil {
		if err := e.deps.Catalog.RecordPage(ctx, page); err != nil {
			e.logger.Warn("Failed to catalog page", zap.String("url", page.URL), zap.Error(err))
		}
	}
	if e.deps.Publisher != nil {
		if _, err := e.deps.Publisher.Publish(ctx, EventPageSaved, page); err != nil {
			e.logger.Warn("Failed to publish saved page", zap.String("url", page.URL), zap.Error(err))
		}
	}
}

func (e *Engine) enqueueLinks(body []byte, pageURL string) {
	pushed := 0
	for _, link := range scope.ExtractLinks(body, pageURL) {
		decision := e.deps.Rules.Classify(link)
		metrics.ObserveScopeDecision(decision.String())
		if decision != scope.InScope {
			continue
		}
		if e.deps.Frontier.Push(link) {
			pushed++
		}
	}
	if pushed > 0 {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	}
	metrics.SetFrontierQueued(e.deps.Frontier.Stats().Queued)
	e.logger.Debug("Links enqueued", zap.String("url", pageURL), zap.Int("pushed", pushed))
}

func (e *Engine) politeDelay() time.Duration {
	spread := e.cfg.DelayMax - e.cfg.DelayMin
	if spread <= 0 {
		return e.cfg.DelayMin
	}
	e.rndMu.Lock()
	defer e.rndMu.Unlock()
	return e.cfg.DelayMin + time.Duration(e.deps.Rand.Int64N(int64(spread)+1))
}

func (e *Engine) recordOutcome(o fetcher.Outcome) {
	e.mu.Lock()
	e.outcomes[o.Kind.String()]++
	e.mu.Unlock()
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) result(ctx context.Context, started time.Time) Result {
	stats := e.deps.Frontier.Stats()
	e.mu.Lock()
	defer e.mu.Unlock()
	outcomes := make(map[string]int, len(e.outcomes))
	for k, v := range e.outcomes {
		outcomes[k] = v
	}
	return Result{
		RunID:       e.deps.RunID,
		Saved:       e.saved,
		Target:      e.cfg.MaxPages,
		Visited:     stats.Visited,
		Queued:      stats.Queued,
		Outcomes:    outcomes,
		BudgetMet:   e.saved >= e.cfg.MaxPages,
		Interrupted: ctx.Err() != nil,
		StartedAt:   started,
		FinishedAt:  e.deps.Clock.Now(),
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
