package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

var testLocalKey = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))

func newLocal(t *testing.T) *LocalProvider {
	t.Helper()
	lp, err := NewLocalProvider(testLocalKey)
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}
	return lp
}

func TestLocalProviderKeyValidation(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"not base64", "!!!"},
		{"short", base64.StdEncoding.EncodeToString([]byte("short"))},
	}
	for _, tt := range tests {
		if _, err := NewLocalProvider(tt.key); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	lp := newLocal(t)
	ctx := context.Background()
	env, err := Seal(ctx, lp, []byte("hello world"), []byte("paste-1"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(env.Ciphertext, []byte("hello world")) {
		t.Fatal("ciphertext contains plaintext")
	}
	pt, err := Open(ctx, lp, *env, []byte("paste-1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(pt) != "hello world" {
		t.Errorf("Open = %q", pt)
	}
}

func TestEnvelopeBoundToAAD(t *testing.T) {
	lp := newLocal(t)
	ctx := context.Background()
	env, err := Seal(ctx, lp, []byte("secret"), []byte("paste-a"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(ctx, lp, *env, []byte("paste-b")); err == nil {
		t.Fatal("opening under another id must fail")
	}
	env.Ciphertext[len(env.Ciphertext)-1] ^= 1
	if _, err := Open(ctx, lp, *env, []byte("paste-a")); err == nil {
		t.Fatal("tampered ciphertext must fail")
	}
}

func TestEnvelopeFreshKeys(t *testing.T) {
	lp := newLocal(t)
	ctx := context.Background()
	a, _ := Seal(ctx, lp, []byte("same"), []byte("id"))
	b, _ := Seal(ctx, lp, []byte("same"), []byte("id"))
	if bytes.Equal(a.WrappedKey, b.WrappedKey) || bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Fatal("each seal must use a fresh data key and nonce")
	}
}

type fakeProvider struct {
	wrapErr   error
	unwrapErr error
	calls     int32
	secret    string
}

func (f *fakeProvider) Wrap(_ context.Context, key, _ []byte) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.wrapErr != nil {
		return nil, f.wrapErr
	}
	return append([]byte("w:"), key...), nil
}

func (f *fakeProvider) Unwrap(_ context.Context, wrapped, _ []byte) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.unwrapErr != nil {
		return nil, f.unwrapErr
	}
	return bytes.TrimPrefix(wrapped, []byte("w:")), nil
}

func (f *fakeProvider) Secret(context.Context, string) (string, error) {
	return f.secret, nil
}

func TestAdapterRouting(t *testing.T) {
	down := errors.New("primary down")
	ctx := context.Background()

	t.Run("primary ok", func(t *testing.T) {
		p, fb := &fakeProvider{}, &fakeProvider{}
		a := NewAdapterWith(p, fb, true, false)
		if _, err := a.Wrap(ctx, []byte("k"), nil); err != nil {
			t.Fatal(err)
		}
		if fb.calls != 0 {
			t.Error("fallback used while primary healthy")
		}
	})
	t.Run("fail closed", func(t *testing.T) {
		a := NewAdapterWith(&fakeProvider{wrapErr: down}, &fakeProvider{}, true, false)
		if _, err := a.Wrap(ctx, []byte("k"), nil); errors.Cause(err) != down {
			t.Fatalf("err = %v, want primary error", err)
		}
	})
	t.Run("fail open", func(t *testing.T) {
		fb := &fakeProvider{}
		a := NewAdapterWith(&fakeProvider{wrapErr: down}, fb, false, false)
		if _, err := a.Wrap(ctx, []byte("k"), nil); err != nil {
			t.Fatalf("fallback should serve: %v", err)
		}
		if fb.calls != 1 {
			t.Errorf("fallback calls = %d", fb.calls)
		}
	})
	t.Run("none", func(t *testing.T) {
		a := NewAdapterWith(nil, nil, true, false)
		if _, err := a.Unwrap(ctx, []byte("k"), nil); err != ErrProviderUnavailable {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("empty secret", func(t *testing.T) {
		a := NewAdapterWith(&fakeProvider{}, nil, true, false)
		if _, err := a.Secret(ctx, "PEPPER"); err == nil {
			t.Fatal("empty secret must be an error")
		}
	})
}

func TestNewAdapterLocalOnly(t *testing.T) {
	a, err := NewAdapter(context.Background(), Opts{LocalKey: testLocalKey, FailClosed: true})
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	env, err := Seal(context.Background(), a, []byte("x"), []byte("id"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(context.Background(), a, *env, []byte("id")); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := NewAdapter(context.Background(), Opts{LocalKey: testLocalKey, RequirePrimary: true}); err == nil {
		t.Fatal("RequirePrimary must reject the local key")
	}
	if _, err := NewAdapter(context.Background(), Opts{}); err == nil {
		t.Fatal("no providers must be an error")
	}
}

type slowUnwrapper struct {
	calls int32
	delay time.Duration
}

func (s *slowUnwrapper) Unwrap(_ context.Context, wrapped, _ []byte) ([]byte, error) {
	atomic.AddInt32(&s.calls, 1)
	time.Sleep(s.delay)
	return append([]byte("dek-"), wrapped...), nil
}

func TestKeyCacheHit(t *testing.T) {
	inner := &slowUnwrapper{}
	c := NewKeyCache(inner, time.Hour)
	defer c.Stop()
	ctx := context.Background()
	a, err := c.Unwrap(ctx, []byte("w1"), []byte("id"))
	if err != nil {
		t.Fatal(err)
	}
	a[0] = 'X'
	b, _ := c.Unwrap(ctx, []byte("w1"), []byte("id"))
	if string(b) != "dek-w1" {
		t.Errorf("cache returned aliased key %q", b)
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}
	c.Unwrap(ctx, []byte("w1"), []byte("other"))
	if inner.calls != 2 {
		t.Error("different aad must be a different cache entry")
	}
}

func TestKeyCacheSingleflight(t *testing.T) {
	inner := &slowUnwrapper{delay: 50 * time.Millisecond}
	c := NewKeyCache(inner, time.Hour)
	defer c.Stop()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Unwrap(context.Background(), []byte("hot"), nil); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if n := atomic.LoadInt32(&inner.calls); n != 1 {
		t.Errorf("inner calls = %d, want 1", n)
	}
}

func TestKeyCacheStop(t *testing.T) {
	c := NewKeyCache(&slowUnwrapper{}, time.Hour)
	c.Unwrap(context.Background(), []byte("w"), nil)
	c.Stop()
	c.Stop()
	if c.Len() != 0 {
		t.Errorf("Len = %d after Stop", c.Len())
	}
	if _, err := c.Unwrap(context.Background(), []byte("w"), nil); err != ErrProviderUnavailable {
		t.Fatalf("err = %v after Stop", err)
	}
}
