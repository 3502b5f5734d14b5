package crawler

import (
	"context"
	"time"

	"github.com/JakeFAU/listing-crawler/internal/fetcher"
	"github.com/JakeFAU/listing-crawler/internal/frontier"
	"github.com/JakeFAU/listing-crawler/internal/pagestore"
)

// Fetcher retrieves a single URL and classifies the result.
type Fetcher interface {
	Fetch(ctx context.Context, url string) fetcher.Outcome
}

// PageStore persists successful pages.
type PageStore interface {
	Save(ctx context.Context, url string, content []byte, index int) (pagestore.SavedPage, error)
}

// Frontier is the shared work queue plus visited and saved sets.
type Frontier interface {
	Push(url string) bool
	Pop() (string, bool)
	MarkVisited(url string) bool
	MarkSaved(url string) bool
	UnmarkSaved(url string)
	Stats() frontier.Stats
}

// Publisher pushes saved-page events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) (string, error)
}

// Catalog records saved pages in a queryable index.
type Catalog interface {
	RecordPage(ctx context.Context, page pagestore.SavedPage) error
}

// Pauser blocks for a duration or until ctx is done.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}

// Limiter spaces request starts across workers.
type Limiter interface {
	Wait(ctx context.Context) (time.Duration, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
