// Package frontier holds the crawl work queue together with the visited and
// saved sets.
package frontier

import "sync"

// Stats is a point-in-time view of the frontier.
type Stats struct {
	Queued  int `json:"queued"`
	Visited int `json:"visited"`
	Saved   int `json:"saved"`
}

// Frontier is a FIFO of normalized URLs. Every method is safe for concurrent
// use; visited always contains saved.
type Frontier struct {
	mu      sync.Mutex
	queue   []string
	queued  map[string]struct{}
	visited map[string]struct{}
	saved   map[string]struct{}
}

// New returns an empty Frontier.
func New() *Frontier {
	return &Frontier{
		queued:  make(map[string]struct{}),
		visited: make(map[string]struct{}),
		saved:   make(map[string]struct{}),
	}
}

// Push appends url unless it was already visited or is waiting in the queue.
func (f *Frontier) Push(url string) bool {
	if url == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.visited[url]; ok {
		return false
	}
	if _, ok := f.queued[url]; ok {
		return false
	}
	f.queued[url] = struct{}{}
	f.queue = append(f.queue, url)
	return true
}

// Pop removes and returns the oldest queued URL.
func (f *Frontier) Pop() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return "", false
	}
	url := f.queue[0]
	f.queue[0] = ""
	f.queue = f.queue[1:]
	delete(f.queued, url)
	return url, true
}

// MarkVisited records url as visited and reports whether it was new.
func (f *Frontier) MarkVisited(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.visited[url]; ok {
		return false
	}
	f.visited[url] = struct{}{}
	return true
}

// MarkSaved records url as saved (and visited) and reports whether it was new.
func (f *Frontier) MarkSaved(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visited[url] = struct{}{}
	if _, ok := f.saved[url]; ok {
		return false
	}
	f.saved[url] = struct{}{}
	return true
}

// UnmarkSaved reverts MarkSaved after a failed write. The URL stays visited.
func (f *Frontier) UnmarkSaved(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.saved, url)
}

// IsVisited reports whether url was visited.
func (f *Frontier) IsVisited(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.visited[url]
	return ok
}

// IsSaved reports whether url was saved.
func (f *Frontier) IsSaved(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.saved[url]
	return ok
}

// Len returns the number of queued URLs.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Stats returns the current queue and set sizes.
func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Queued:  len(f.queue),
		Visited: len(f.visited),
		Saved:   len(f.saved),
	}
}
