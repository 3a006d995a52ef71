package events

import (
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

// DedupConfig holds configuration for event deduplication.
type DedupConfig struct {
	TTL        time.Duration
	MaxEntries int
}

// DefaultDedupConfig returns the default deduplication settings.
func DefaultDedupConfig() *DedupConfig {
	return &DedupConfig{
		TTL:        time.Minute,
		MaxEntries: 1000,
	}
}

// Deduplicator suppresses events identical to one seen within TTL. Events
// are identical when component, category, message and advisory code match.
type Deduplicator struct {
	config *DedupConfig
	seen   *cache.Cache

	total      atomic.Uint64
	suppressed atomic.Uint64
}

// NewDeduplicator creates a deduplicator. Expired entries are purged on
// insert once MaxEntries is reached, so no janitor goroutine runs.
func NewDeduplicator(cfg *DedupConfig) *Deduplicator {
	if cfg == nil {
		cfg = DefaultDedupConfig()
	}
	return &Deduplicator{
		config: cfg,
		seen:   cache.New(cfg.TTL, 0),
	}
}

// ShouldProcess reports whether event is new within the window. A nil
// deduplicator lets everything through.
func (d *Deduplicator) ShouldProcess(event Event) bool {
	if d == nil {
		return true
	}
	d.total.Add(1)

	key := eventKey(event)
	if d.seen.ItemCount() >= d.config.MaxEntries {
		d.seen.DeleteExpired()
	}
	// Add fails when an unexpired entry exists
	if err := d.seen.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		d.suppressed.Add(1)
		return false
	}
	return true
}

// Suppressed returns how many events were suppressed.
func (d *Deduplicator) Suppressed() uint64 {
	if d == nil {
		return 0
	}
	return d.suppressed.Load()
}

func eventKey(event Event) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s\x00%s\x00%s\x00%v",
		event.GetComponent(), event.GetCategory(), event.GetMessage(), event.GetContext()["code"])
	return fmt.Sprintf("%016x", h.Sum64())
}
