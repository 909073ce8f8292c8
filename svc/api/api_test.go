package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rawtext/cfg"
	"rawtext/pkg/domain"
	"rawtext/svc/auth"
	"rawtext/svc/cache"
	"rawtext/svc/db"
	"rawtext/svc/lim"
	"rawtext/svc/svc"
	"rawtext/svc/util"

	"github.com/pkg/errors"
)

var testPepper = []byte("0123456789abcdef0123456789abcdef")

type brokenCounter struct{}

func (brokenCounter) Take(context.Context, string, int, time.Duration) (int64, bool, error) {
	return 0, false, errors.New("connection refused")
}

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		Port:           "0",
		PublicURL:      "https://paste.example.com",
		MaxPasteSize:   1024,
		CreateLimit:    cfg.CreateLimitCfg{Max: 30, Window: time.Hour},
		ReadLimit:      cfg.ReadLimitCfg{RPM: 6000, Burst: 1000},
		ContextTimeout: 5 * time.Second,
		RawMaxAge:      120 * time.Second,
		AllowedOrigins: []string{"https://app.example.com"},
	}
}

func newTestServer(t *testing.T, c *cfg.Cfg, counter lim.CounterStore) *Server {
	t.Helper()
	store, err := db.NewBolt(filepath.Join(t.TempDir(), "api.bolt"))
	if err != nil {
		t.Fatalf("NewBolt: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	g, err := auth.NewGuard(1, 8*1024, 1, testPepper)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	if err := g.Start(2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(g.Stop)
	ips, err := util.NewIPHasher(testPepper, time.Hour)
	if err != nil {
		t.Fatalf("NewIPHasher: %v", err)
	}
	lru, err := cache.NewLRU(16)
	if err != nil {
		t.Fatalf("NewLRU: %v", err)
	}
	if counter == nil {
		mc, err := lim.NewMemoryCounter(128)
		if err != nil {
			t.Fatalf("NewMemoryCounter: %v", err)
		}
		counter = mc
	}
	fin := svc.NewFinalizer(1, 0, true)
	paste := svc.NewPaste(store, lru, g, ips, util.NewIDGen(util.DefaultIDLength), fin, svc.Opts{MaxPasteSize: c.MaxPasteSize})
	return NewServer(c, Deps{
		Paste:    paste,
		Create:   lim.NewWindow(counter, "create"),
		Throttle: lim.NewThrottle(c.ReadLimit.RPM, c.ReadLimit.Burst),
		IPs:      ips,
		Store:    store,
	})
}

func do(t *testing.T, s *Server, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	r.RemoteAddr = "192.0.2.10:4711"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

func create(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/api/pastes", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return do(t, s, r)
}

func mustCreate(t *testing.T, s *Server, body string) CreateResp {
	t.Helper()
	w := create(t, s, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	var resp CreateResp
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp domain.ErrResp
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	if resp.Error.RequestID == "" {
		t.Error("error response has no request id")
	}
	return resp.Error.Code
}

func TestCreateThenRead(t *testing.T) {
	s := newTestServer(t, testCfg(), nil)
	resp := mustCreate(t, s, `{"content":"hello\nworld","language":"go","visibility":"public"}`)
	if resp.URL != "https://paste.example.com/"+resp.ID || resp.Raw != "https://paste.example.com/raw/"+resp.ID {
		t.Errorf("unexpected links %+v", resp)
	}
	if resp.ExpiresAt != nil {
		t.Error("paste without expiresIn must not report expiresAt")
	}

	w := do(t, s, httptest.NewRequest(http.MethodGet, "/api/pastes/"+resp.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, body %s", w.Code, w.Body.String())
	}
	var d domain.Disclosure
	if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Content != "hello\nworld" || d.Language == nil || *d.Language != "go" || d.Visibility != domain.VisibilityPublic {
		t.Errorf("unexpected disclosure %+v", d)
	}
	if got := w.Header().Get("Cache-Control"); got != "public, max-age=120" {
		t.Errorf("Cache-Control = %q", got)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestRawEndpoints(t *testing.T) {
	s := newTestServer(t, testCfg(), nil)
	content := "<script>alert(1)</script>\r\n\ttabs "
	body, _ := json.Marshal(CreateReq{Content: content})
	resp := mustCreate(t, s, string(body))
	for _, path := range []string{"/raw/", "/api/raw/"} {
		w := do(t, s, httptest.NewRequest(http.MethodGet, path+resp.ID, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, w.Code)
		}
		if w.Body.String() != content {
			t.Errorf("%s body = %q, want %q", path, w.Body.String(), content)
		}
		if ct := w.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
			t.Errorf("%s Content-Type = %q", path, ct)
		}
		if cc := w.Header().Get("Cache-Control"); cc != "public, max-age=120" {
			t.Errorf("%s Cache-Control = %q", path, cc)
		}
	}
}

func TestCreateRejects(t *testing.T) {
	s := newTestServer(t, testCfg(), nil)
	tests := []struct {
		name   string
		ctype  string
		body   string
		status int
		code   string
	}{
		{"wrong content type", "text/plain", `{"content":"x"}`, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE"},
		{"empty body", "application/json", ``, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown field", "application/json", `{"content":"x","title":"t"}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"trailing data", "application/json", `{"content":"x"}{"content":"y"}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"empty content", "application/json", `{"content":""}`, http.StatusBadRequest, "CONTENT_REQUIRED"},
		{"too large", "application/json", `{"content":"` + strings.Repeat("a", 1025) + `"}`, http.StatusBadRequest, "CONTENT_TOO_LARGE"},
		{"zero expiry", "application/json", `{"content":"x","expiresIn":0}`, http.StatusBadRequest, "INVALID_EXPIRY"},
		{"empty password", "application/json", `{"content":"x","password":""}`, http.StatusBadRequest, "INVALID_PASSWORD"},
		{"password too long", "application/json", `{"content":"x","password":"` + strings.Repeat("p", auth.MaxSecretLength+1) + `"}`, http.StatusBadRequest, "PASSWORD_TOO_LONG"},
		{"bad visibility", "application/json", `{"content":"x","visibility":"private"}`, http.StatusBadRequest, "INVALID_VISIBILITY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/pastes", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", tt.ctype)
			w := do(t, s, r)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			if code := errCode(t, w); code != tt.code {
				t.Errorf("code = %s, want %s", code, tt.code)
			}
		})
	}
}

func TestCreateRateLimited(t *testing.T) {
	c := testCfg()
	c.CreateLimit.Max = 2
	s := newTestServer(t, c, nil)
	for i := 0; i < 2; i++ {
		w := create(t, s, `{"content":"x"}`)
		if w.Code != http.StatusCreated {
			t.Fatalf("create %d status = %d", i, w.Code)
		}
		if w.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("X-RateLimit-Limit = %q", w.Header().Get("X-RateLimit-Limit"))
		}
	}
	w := create(t, s, `{"content":"x"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third create status = %d", w.Code)
	}
	if errCode(t, w) != "RATE_LIMITED" {
		t.Error("expected RATE_LIMITED")
	}
	if w.Header().Get("Retry-After") == "" || w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("rate limit headers: %v", w.Header())
	}
	if r := do(t, s, httptest.NewRequest(http.MethodGet, "/health", nil)); r.Code != http.StatusOK {
		t.Error("reads must not count against the create limit")
	}
}

func TestCounterStoreDownIsUnavailable(t *testing.T) {
	s := newTestServer(t, testCfg(), brokenCounter{})
	w := create(t, s, `{"content":"x"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if errCode(t, w) != "COUNTER_STORE_UNAVAILABLE" {
		t.Error("expected COUNTER_STORE_UNAVAILABLE")
	}
}

func TestPasswordProtected(t *testing.T) {
	s := newTestServer(t, testCfg(), nil)
	resp := mustCreate(t, s, `{"content":"secret stuff","password":"hunter2"}`)

	for _, pw := range []string{"", "wrong"} {
		r := httptest.NewRequest(http.MethodGet, "/api/pastes/"+resp.ID, nil)
		if pw != "" {
			r.Header.Set("X-Paste-Password", pw)
		}
		w := do(t, s, r)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("password %q: status = %d", pw, w.Code)
		}
		if strings.Contains(w.Body.String(), "secret stuff") {
			t.Fatal("content leaked on refused read")
		}
	}

	r := httptest.NewRequest(http.MethodGet, "/api/pastes/"+resp.ID, nil)
	r.Header.Set("X-Paste-Password", "hunter2")
	w := do(t, s, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("protected paste Cache-Control = %q", w.Header().Get("Cache-Control"))
	}

	w = do(t, s, httptest.NewRequest(http.MethodGet, "/raw/"+resp.ID+"?password=hunter2", nil))
	if w.Code != http.StatusOK || w.Body.String() != "secret stuff" {
		t.Fatalf("raw with query password: %d %q", w.Code, w.Body.String())
	}
}

func TestBurnAfterRead(t *testing.T) {
	s := newTestServer(t, testCfg(), nil)
	resp := mustCreate(t, s, `{"content":"once","burnAfterRead":true}`)
	w := do(t, s, httptest.NewRequest(http.MethodGet, "/raw/"+resp.ID, nil))
	if w.Code != http.StatusOK || w.Body.String() != "once" {
		t.Fatalf("first read: %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Error("burn paste must not be cacheable")
	}
	w = do(t, s, httptest.NewRequest(http.MethodGet, "/raw/"+resp.ID, nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("second read status = %d, want 404", w.Code)
	}
}

func TestExpiringPasteNotCacheable(t *testing.T) {
	s := newTestServer(t, testCfg(), nil)
	resp := mustCreate(t, s, `{"content":"soon","expiresIn":3600}`)
	if resp.ExpiresAt == nil {
		t.Fatal("expiresAt missing")
	}
	w := do(t, s, httptest.NewRequest(http.MethodGet, "/api/pastes/"+resp.ID, nil))
	if w.Code != http.StatusOK || w.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("status %d, Cache-Control %q", w.Code, w.Header().Get("Cache-Control"))
	}
}

func TestUnknownAndInvalidIDs(t *testing.T) {
	s := newTestServer(t, testCfg(), nil)
	for _, path := range []string{"/api/pastes/doesNotExist1", "/api/pastes/bad%20id", "/raw/" + strings.Repeat("a", 65)} {
		w := do(t, s, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, w.Code)
			continue
		}
		if errCode(t, w) != "NOT_FOUND" {
			t.Errorf("%s: expected NOT_FOUND", path)
		}
	}
}

func TestQRCode(t *testing.T) {
	s := newTestServer(t, testCfg(), nil)
	w := do(t, s, httptest.NewRequest(http.MethodGet, "/api/pastes/abc123/qr", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "image/png" {
		t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG\r\n\x1a\n")) {
		t.Error("body is not a PNG")
	}
}

func TestLogsNeverCarrySecrets(t *testing.T) {
	var buf bytes.Buffer
	util.InitLogTo(&buf, "debug", false)
	t.Cleanup(func() { util.InitLogTo(&bytes.Buffer{}, "info", false) })
	s := newTestServer(t, testCfg(), nil)
	resp := mustCreate(t, s, `{"content":"very-private-body","password":"pw-in-body"}`)
	do(t, s, httptest.NewRequest(http.MethodGet, "/api/pastes/"+resp.ID+"?password=pw-in-query", nil))
	do(t, s, httptest.NewRequest(http.MethodGet, "/api/pastes/"+resp.ID+"?password=wrong-in-query", nil))
	logs := buf.String()
	if !strings.Contains(logs, "http request") {
		t.Fatal("expected access log lines")
	}
	for _, secret := range []string{"very-private-body", "pw-in-body", "pw-in-query", "wrong-in-query"} {
		if strings.Contains(logs, secret) {
			t.Errorf("log output contains %q", secret)
		}
	}
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, testCfg(), nil)
	w := do(t, s, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("health: %d %s", w.Code, w.Body.String())
	}
	w = do(t, s, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("ready: %d %s", w.Code, w.Body.String())
	}
	var rr ReadyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &rr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !rr.Ready || rr.Database != "up" || rr.Counter != "memory" {
		t.Errorf("unexpected readiness %+v", rr)
	}
}

func TestMetricsBasicAuth(t *testing.T) {
	c := testCfg()
	c.MetricsUser = "prom"
	c.MetricsPass = cfg.NewSecret("scrape")
	s := newTestServer(t, c, nil)
	w := do(t, s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status without credentials = %d", w.Code)
	}
	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.SetBasicAuth("prom", "scrape")
	w = do(t, s, r)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "rawtext_") {
		t.Fatalf("status with credentials = %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, testCfg(), nil)
	r := httptest.NewRequest(http.MethodOptions, "/api/pastes", nil)
	r.Header.Set("Origin", "https://app.example.com")
	w := do(t, s, r)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Error("allowed origin not echoed")
	}
	r = httptest.NewRequest(http.MethodOptions, "/api/pastes", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	if do(t, s, r).Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unknown origin must not be allowed")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrContentRequired, http.StatusBadRequest},
		{errUnsupportedMedia, http.StatusUnsupportedMediaType},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrGone, http.StatusGone},
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrStorageUnavailable.Wrap(errors.New("io")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
