package util

import (
	"context"
	"net/url"
	"strings"
	"testing"
)

func TestNewIDAlphabetAndLength(t *testing.T) {
	g := NewIDGen(12)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := g.NewID(context.Background())
		if err != nil {
			t.Fatalf("NewID: %v", err)
		}
		if len(id) != 12 {
			t.Fatalf("len(%q) = %d, want 12", id, len(id))
		}
		for _, r := range id {
			if !strings.ContainsRune(base62Chars, r) {
				t.Fatalf("id %q contains %q", id, r)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	if n := len(mustID(t, NewIDGen(0))); n != DefaultIDLength {
		t.Errorf("default length = %d, want %d", n, DefaultIDLength)
	}
}

func mustID(t *testing.T, g *IDGen) string {
	t.Helper()
	id, err := g.NewID(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestNewIDCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewIDGen(10).NewID(ctx); err == nil {
		t.Error("expected context error")
	}
}

func TestRedactURL(t *testing.T) {
	u, _ := url.Parse("/api/pastes/abc?password=hunter2&x=1")
	got := RedactURL(u)
	if strings.Contains(got, "hunter2") {
		t.Errorf("password leaked: %s", got)
	}
	if !strings.Contains(got, "x=1") || !strings.HasPrefix(got, "/api/pastes/abc?") {
		t.Errorf("unexpected redaction: %s", got)
	}
	u, _ = url.Parse("/raw/abc")
	if RedactURL(u) != "/raw/abc" {
		t.Errorf("RedactURL(no query) = %s", RedactURL(u))
	}
}

func TestRedactIP(t *testing.T) {
	tests := map[string]string{
		"192.168.1.77:5555": "192.168.1.0",
		"10.1.2.3":          "10.1.2.0",
		"2001:db8:1:2::7":   "2001:db8::",
	}
	for in, want := range tests {
		if got := RedactIP(in); got != want {
			t.Errorf("RedactIP(%q) = %q, want %q", in, got, want)
		}
	}
	if got := RedactIP("garbage"); !strings.HasPrefix(got, "hash:") {
		t.Errorf("RedactIP(garbage) = %q", got)
	}
}

func TestRedactSecret(t *testing.T) {
	got := RedactSecret("GET /x?password=abc&token=def")
	if strings.Contains(got, "abc") || strings.Contains(got, "def") {
		t.Errorf("RedactSecret leaked: %s", got)
	}
}

func TestRequestIDFrom(t *testing.T) {
	id := NewRequestID()
	if RequestIDFrom(id) != id {
		t.Error("valid uuid must be preserved")
	}
	if got := RequestIDFrom("<script>"); got == "<script>" || got == "" {
		t.Errorf("RequestIDFrom(junk) = %q", got)
	}
	ctx := SetRequestID(context.Background(), id)
	if GetRequestID(ctx) != id {
		t.Error("GetRequestID mismatch")
	}
	if GetRequestID(context.Background()) != "" {
		t.Error("missing id should be empty")
	}
}

func TestValidID(t *testing.T) {
	id, err := NewIDGen(DefaultIDLength).NewID(context.Background())
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	tests := []struct {
		id   string
		want bool
	}{
		{id, true},
		{"abc123XYZ", true},
		{"", false},
		{"has space", false},
		{"dash-ed", false},
		{"../etc", false},
		{strings.Repeat("a", 64), true},
		{strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		if got := ValidID(tt.id); got != tt.want {
			t.Errorf("ValidID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
