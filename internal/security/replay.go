package security

import (
	"sync"
	"time"
)

// ReplayGuard detects duplicate events within a sliding window. Entries are
// capped; the oldest is evicted on overflow so memory stays bounded even
// under an event-id flood.
type ReplayGuard struct {
	mu         sync.Mutex
	window     time.Duration
	maxEntries int
	seen       map[string]time.Time
	order      []string
	now        func() time.Time
}

// NewReplayGuard creates a guard with the given dedup window and a hard cap
// on live entries.
func NewReplayGuard(window time.Duration, maxEntries int) *ReplayGuard {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &ReplayGuard{
		window:     window,
		maxEntries: maxEntries,
		seen:       map[string]time.Time{},
		now:        time.Now,
	}
}

// CheckAndRecord returns true exactly once per key within the window. A
// repeat before the window elapses returns false; after the window the key
// is fresh again.
func (g *ReplayGuard) CheckAndRecord(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if last, ok := g.seen[key]; ok && now.Sub(last) < g.window {
		return false
	}
	g.pruneLocked(now)
	if _, ok := g.seen[key]; !ok {
		if len(g.seen) >= g.maxEntries {
			g.evictOldestLocked()
		}
		g.order = append(g.order, key)
	}
	g.seen[key] = now
	return true
}

// Len returns the number of live entries.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

func (g *ReplayGuard) pruneLocked(now time.Time) {
	kept := g.order[:0]
	for _, key := range g.order {
		last, ok := g.seen[key]
		if !ok {
			continue
		}
		if now.Sub(last) >= g.window {
			delete(g.seen, key)
			continue
		}
		kept = append(kept, key)
	}
	g.order = kept
}

func (g *ReplayGuard) evictOldestLocked() {
	for len(g.order) > 0 {
		oldest := g.order[0]
		g.order = g.order[1:]
		if _, ok := g.seen[oldest]; ok {
			delete(g.seen, oldest)
			return
		}
	}
}
