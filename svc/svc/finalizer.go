package svc

import (
	"context"
	"sync"
	"time"

	"rawtext/metrics"
	"rawtext/svc/util"
)

const taskTimeout = 5 * time.Second

// Task is post-disclosure work. It runs detached from the request.
type Task func(ctx context.Context) error

// Finalizer runs tasks on a bounded queue. A full queue, a stopped
// finalizer or sync mode all run the task on the caller's goroutine, so a
// submitted task is always attempted.
type Finalizer struct {
	queue  chan Task
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	inline bool
	ctx    context.Context
	cancel context.CancelFunc
}

func NewFinalizer(workers, queueSize int, runSync bool) *Finalizer {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Finalizer{
		queue:  make(chan Task, queueSize),
		inline: runSync,
		ctx:    ctx,
		cancel: cancel,
	}
	if !runSync {
		for i := 0; i < workers; i++ {
			f.wg.Add(1)
			go f.worker()
		}
	}
	return f
}

func (f *Finalizer) worker() {
	defer f.wg.Done()
	for t := range f.queue {
		f.run(f.ctx, t)
	}
}

func (f *Finalizer) run(base context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			metrics.FinalizeFailures.WithLabelValues("panic").Inc()
			util.Error().Interface("panic", r).Msg("finalize task panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(base, taskTimeout)
	defer cancel()
	if err := t(ctx); err != nil {
		util.Warn().Err(err).Msg("finalize task failed")
	}
}

func (f *Finalizer) Submit(t Task) {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		// The shutdown context is already cancelled by now.
		f.run(context.Background(), t)
		return
	}
	if f.inline {
		f.mu.RUnlock()
		f.run(f.ctx, t)
		return
	}
	select {
	case f.queue <- t:
		f.mu.RUnlock()
	default:
		f.mu.RUnlock()
		metrics.FinalizeInline.Inc()
		f.run(f.ctx, t)
	}
}

// Shutdown stops intake and waits for queued tasks. If ctx ends first the
// remaining tasks see a cancelled context.
func (f *Finalizer) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		f.cancel()
		return nil
	case <-ctx.Done():
		f.cancel()
		<-done
		return ctx.Err()
	}
}
