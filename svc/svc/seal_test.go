package svc

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"

	"rawtext/pkg/domain"
	"rawtext/pkg/kms"
	"rawtext/svc/util"

	"github.com/pkg/errors"
)

type fakeCleaner struct {
	n   int
	err error
	at  time.Time
}

func (f *fakeCleaner) CleanupExpired(_ context.Context, now time.Time) (int, error) {
	f.at = now
	return f.n, f.err
}

func newSealed(t *testing.T) (*SealedStore, *memStore) {
	t.Helper()
	lp, err := kms.NewLocalProvider(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32)))
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}
	inner := newMemStore()
	return NewSealedStore(inner, lp, kms.NewKeyCache(lp, time.Minute)), inner
}

func TestSealedStoreRoundTrip(t *testing.T) {
	s, inner := newSealed(t)
	ctx := context.Background()
	p := &domain.Paste{ID: "abc", Content: "top secret", CreatedAt: time.Now()}
	if err := s.Insert(ctx, p); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if p.Content != "top secret" {
		t.Error("Insert must not modify the caller's paste")
	}
	row, _ := inner.row("abc")
	if row.Content != "" || len(row.Sealed) == 0 || len(row.SealedKey) == 0 {
		t.Fatalf("backend row not sealed: %+v", row)
	}
	if bytes.Contains(row.Sealed, []byte("top secret")) {
		t.Fatal("sealed blob contains plaintext")
	}
	got, err := s.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "top secret" || got.Sealed != nil {
		t.Errorf("unexpected paste %+v", got)
	}
}

func TestSealedStoreRejectsMovedBlob(t *testing.T) {
	s, inner := newSealed(t)
	ctx := context.Background()
	s.Insert(ctx, &domain.Paste{ID: "a", Content: "alpha"})
	row, _ := inner.row("a")
	row.ID = "b"
	inner.rows["b"] = row
	if _, err := s.Get(ctx, "b"); domain.KindOf(err) != domain.KindInternal || err == nil {
		t.Fatalf("err = %v, want internal open failure", err)
	}
}

func TestSealedStorePlainRows(t *testing.T) {
	s, inner := newSealed(t)
	inner.rows["old"] = domain.Paste{ID: "old", Content: "legacy"}
	got, err := s.Get(context.Background(), "old")
	if err != nil || got.Content != "legacy" {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	if _, err := s.Get(context.Background(), "none"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestReaperSweep(t *testing.T) {
	fc := &fakeCleaner{n: 4}
	r := NewReaper(fc, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	n, err := r.Sweep(context.Background())
	if err != nil || n != 4 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	if !fc.at.Equal(now) {
		t.Errorf("cleanup cutoff = %v", fc.at)
	}
}

func TestReaperStops(t *testing.T) {
	r := NewReaper(&fakeCleaner{}, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestSealedStoreSkipsOpenWhenExpired(t *testing.T) {
	s, inner := newSealed(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	exp := now.Add(-time.Second)
	if err := s.Insert(ctx, &domain.Paste{ID: "a", Content: "alpha", ExpiresAt: &exp}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Moving the blob makes any open attempt fail.
	row, _ := inner.row("a")
	row.ID = "b"
	inner.rows["b"] = row
	s.now = func() time.Time { return now }

	got, err := s.Get(ctx, "b")
	if err != nil {
		t.Fatalf("Get of expired sealed row: %v", err)
	}
	if got.Content != "" || len(got.Sealed) == 0 {
		t.Errorf("expired row was opened: %+v", got)
	}

	p := &Paste{store: s, ids: util.NewIDGen(0), fin: NewFinalizer(1, 0, true), now: func() time.Time { return now }}
	if _, err := p.Get(ctx, "b", ""); !errors.Is(err, domain.ErrGone) {
		t.Fatalf("engine err = %v, want gone", err)
	}
	if _, ok := inner.row("b"); ok {
		t.Error("expired sealed row was not reaped")
	}
}
