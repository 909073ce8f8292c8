package svc

import (
	"context"
	"time"

	"rawtext/metrics"
	"rawtext/svc/util"
)

type Cleaner interface {
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
}

// Reaper periodically removes expired pastes that were never read again.
type Reaper struct {
	cleaner  Cleaner
	interval time.Duration
	now      func() time.Time
}

func NewReaper(c Cleaner, interval time.Duration) *Reaper {
	return &Reaper{cleaner: c, interval: interval, now: time.Now}
}

func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	metrics.PruneCycles.Inc()
	n, err := r.cleaner.CleanupExpired(ctx, r.now())
	metrics.PastesPruned.Add(float64(n))
	return n, err
}

// Run blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	reqID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, reqID)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	util.Info().Str("request_id", reqID).Dur("interval", r.interval).Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().Str("request_id", reqID).Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			deleted, err := r.Sweep(ctx)
			if err != nil {
				util.Error().Err(err).Str("request_id", reqID).Msg("cleanup failed")
			} else if deleted > 0 {
				util.Info().Int("deleted", deleted).Str("request_id", reqID).Msg("cleanup completed")
			}
		}
	}
}
