package lim

import (
	"sort"
	"sync"
	"time"

	"rawtext/svc/util"

	"golang.org/x/time/rate"
)

const (
	maxThrottled    = 10000
	cleanupInterval = 5 * time.Minute
	throttleIdleTTL = 30 * time.Minute
)

// Throttle is a per-key token bucket kept in process memory. It guards the
// read endpoints, which do not need a shared counter.
type Throttle struct {
	mu      sync.Mutex
	entries map[string]*throttleEntry
	limit   rate.Limit
	burst   int
	quit    chan struct{}
	once    sync.Once
}

type throttleEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func NewThrottle(perMinute, burst int) *Throttle {
	if perMinute <= 0 {
		perMinute = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		entries: make(map[string]*throttleEntry),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		quit:    make(chan struct{}),
	}
}

func (t *Throttle) Start() {
	go t.cleanupLoop()
}

func (t *Throttle) Stop() {
	t.once.Do(func() { close(t.quit) })
}

func (t *Throttle) Allow(key string) bool {
	now := time.Now()
	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok {
		if len(t.entries) >= maxThrottled {
			t.evictOldestLocked(len(t.entries) / 10)
		}
		entry = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.entries[key] = entry
	}
	entry.lastAccess = now
	t.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Throttle) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.evictIdle(time.Now())
		case <-t.quit:
			return
		}
	}
}

func (t *Throttle) evictIdle(now time.Time) {
	t.mu.Lock()
	evicted := 0
	for key, entry := range t.entries {
		if now.Sub(entry.lastAccess) > throttleIdleTTL {
			delete(t.entries, key)
			evicted++
		}
	}
	remaining := len(t.entries)
	t.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("read throttle cleanup")
	}
}

func (t *Throttle) evictOldestLocked(count int) {
	if count <= 0 {
		count = 1
	}
	type kv struct {
		key        string
		lastAccess time.Time
	}
	all := make([]kv, 0, len(t.entries))
	for k, v := range t.entries {
		all = append(all, kv{k, v.lastAccess})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].lastAccess.Before(all[j].lastAccess)
	})
	for i := 0; i < count && i < len(all); i++ {
		delete(t.entries, all[i].key)
	}
}
