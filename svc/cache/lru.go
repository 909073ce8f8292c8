package cache

import (
	"context"

	"rawtext/metrics"
	"rawtext/pkg/domain"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

const maxSize = 100000

// LRU holds cacheable pastes only; nothing else may be served from memory.
type LRU struct {
	c *lru.Cache[string, domain.Paste]
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > maxSize {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, domain.Paste](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

func (l *LRU) Get(ctx context.Context, id string) (*domain.Paste, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	p, ok := l.c.Get(id)
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, false
	}
	metrics.CacheHits.Inc()
	return &p, true
}

// Put stores a copy of p and reports whether it was accepted.
func (l *LRU) Put(p *domain.Paste) bool {
	if p == nil || !p.Cacheable() {
		return false
	}
	l.c.Add(p.ID, *p)
	return true
}

func (l *LRU) Delete(id string) {
	l.c.Remove(id)
}

func (l *LRU) Len() int {
	return l.c.Len()
}
