package lim

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

type counter struct {
	count int64
	exp   time.Time
}

// MemoryCounter is a single-process CounterStore. It bounds memory by
// evicting the least recently used windows.
type MemoryCounter struct {
	c   *lru.Cache[string, *counter]
	mu  sync.Mutex
	now func() time.Time
}

func NewMemoryCounter(size int) (*MemoryCounter, error) {
	if size <= 0 {
		return nil, errors.New("counter store size must be positive")
	}
	c, err := lru.New[string, *counter](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCounter{c: c, now: time.Now}, nil
}

func (m *MemoryCounter) Take(ctx context.Context, key string, limit int, ttl time.Duration) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	ctr, ok := m.c.Get(key)
	if ok && !now.Before(ctr.exp) {
		m.c.Remove(key)
		ok = false
	}
	if !ok {
		ctr = &counter{exp: now.Add(ttl)}
	}
	if ctr.count >= int64(limit) {
		return ctr.count, false, nil
	}
	ctr.count++
	m.c.Add(key, ctr)
	return ctr.count, true, nil
}

func (m *MemoryCounter) Len() int {
	return m.c.Len()
}
