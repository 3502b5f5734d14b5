package crawler

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/JakeFAU/listing-crawler/internal/scope"
)

// ErrNoValidSeeds is returned when no seed survives normalization and scope
// classification. No request is made in that case.
var ErrNoValidSeeds = errors.New("no valid seed urls")

// EventPageSaved is the event type published for every saved page.
const EventPageSaved = "page.saved"

// State is the lifecycle phase of an Engine.
type State string

// Engine states in the order they are entered.
const (
	StateIdle       State = "idle"
	StateSeeding    State = "seeding"
	StateRunning    State = "running"
	StateDraining   State = "draining"
	StateTerminated State = "terminated"
)

// Config captures the knobs of one crawl run.
type Config struct {
	Seeds       []string
	MaxPages    int
	DelayMin    time.Duration
	DelayMax    time.Duration
	Concurrency int
}

// Deps wires the collaborators of an Engine. Publisher, Catalog and Limiter
// may be nil.
type Deps struct {
	Fetcher   Fetcher
	Store     PageStore
	Frontier  Frontier
	Rules     scope.Rules
	Pauser    Pauser
	Limiter   Limiter
	Rand      *rand.Rand
	Publisher Publisher
	Catalog   Catalog
	Clock     Clock
	RunID     string
}

// Result reports how a run ended.
type Result struct {
	RunID       string         `json:"run_id"`
	Saved       int            `json:"saved"`
	Target      int            `json:"target"`
	Visited     int            `json:"visited"`
	Queued      int            `json:"queued"`
	Outcomes    map[string]int `json:"outcomes"`
	BudgetMet   bool           `json:"budget_met"`
	Interrupted bool           `json:"interrupted"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}

// Progress is a live snapshot of a running Engine.
type Progress struct {
	RunID    string `json:"run_id"`
	State    State  `json:"state"`
	Saved    int    `json:"saved"`
	Target   int    `json:"target"`
	Visited  int    `json:"visited"`
	Queued   int    `json:"queued"`
	InFlight int    `json:"in_flight"`
}
