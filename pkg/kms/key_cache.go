package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const defaultKeyCacheSize = 4096

// KeyCache memoises unwrapped data keys so hot pastes do not hit the KMS
// on every read. Concurrent misses for one key share a single Unwrap.
type KeyCache struct {
	inner   Unwrapper
	keys    *expirable.LRU[string, []byte]
	group   singleflight.Group
	mu      sync.RWMutex
	stopped bool
}

func NewKeyCache(inner Unwrapper, ttl time.Duration) *KeyCache {
	return &KeyCache{
		inner: inner,
		keys: expirable.NewLRU[string, []byte](defaultKeyCacheSize, func(_ string, v []byte) {
			wipe(v)
		}, ttl),
	}
}

func (c *KeyCache) Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	c.mu.RLock()
	stopped := c.stopped
	c.mu.RUnlock()
	if stopped {
		return nil, ErrProviderUnavailable
	}
	k := cacheKey(wrapped, aad)
	if dek, ok := c.keys.Get(k); ok {
		return clone(dek), nil
	}
	v, err, _ := c.group.Do(k, func() (interface{}, error) {
		if dek, ok := c.keys.Get(k); ok {
			return dek, nil
		}
		dek, err := c.inner.Unwrap(ctx, wrapped, aad)
		if err != nil {
			return nil, err
		}
		c.keys.Add(k, clone(dek))
		return dek, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]byte)), nil
}

func (c *KeyCache) Len() int {
	return c.keys.Len()
}

// Stop wipes every cached key. Further Unwrap calls fail.
func (c *KeyCache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	c.keys.Purge()
}

func cacheKey(wrapped, aad []byte) string {
	h := sha256.New()
	h.Write(wrapped)
	h.Write([]byte{0})
	h.Write(aad)
	return hex.EncodeToString(h.Sum(nil))
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
