package lim

import (
	"context"
	"strconv"
	"time"

	"rawtext/metrics"
	"rawtext/pkg/domain"

	"github.com/pkg/errors"
)

// CounterStore holds rate-limit counters that expire on their own.
type CounterStore interface {
	// Take reads key (absent is 0). At or above limit it denies without
	// touching the counter; otherwise it increments, giving a new key the
	// ttl, and allows.
	Take(ctx context.Context, key string, limit int, ttl time.Duration) (count int64, allowed bool, err error)
}

type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Window is a fixed-window limiter for one action.
type Window struct {
	store  CounterStore
	action string
	now    func() time.Time
}

func NewWindow(store CounterStore, action string) *Window {
	if store == nil {
		panic("lim: nil counter store")
	}
	return &Window{store: store, action: action, now: time.Now}
}

func (w *Window) Allow(ctx context.Context, clientKey string, maxCount int, window time.Duration) (bool, error) {
	res, err := w.Check(ctx, clientKey, maxCount, window)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (w *Window) Check(ctx context.Context, clientKey string, maxCount int, window time.Duration) (*RateLimitResult, error) {
	seconds := int64(window / time.Second)
	if seconds <= 0 {
		return nil, errors.New("rate limit window must be at least one second")
	}
	now := w.now().Unix()
	index := now / seconds
	reset := time.Unix((index+1)*seconds, 0)
	key := "rl:" + w.action + ":" + clientKey + ":" + strconv.FormatInt(index, 10)

	count, allowed, err := w.store.Take(ctx, key, maxCount, time.Duration(seconds)*time.Second)
	if err != nil {
		return nil, domain.ErrCounterStoreUnavailable.Wrap(err)
	}
	if !allowed {
		metrics.RateLimitHits.WithLabelValues(w.action).Inc()
	}
	remaining := maxCount - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:   allowed,
		Limit:     maxCount,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}
