package ics

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type stubResolver struct {
	refs []string
	body []byte
}

func (s *stubResolver) Download(_ context.Context, ref string) ([]byte, error) {
	s.refs = append(s.refs, ref)
	return s.body, nil
}

func TestFetchHTTPUsesConditionalCache(t *testing.T) {
	var hits, conditional atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(standupICS))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	ctx := context.Background()

	first, err := f.Fetch(ctx, srv.URL+"/cal.ics?token=secret")
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := f.Fetch(ctx, srv.URL+"/cal.ics?token=secret")
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	if !bytes.Equal(first, second) || !strings.Contains(string(second), "Standup") {
		t.Errorf("cached body mismatch")
	}
	if hits.Load() != 2 || conditional.Load() != 1 {
		t.Errorf("hits=%d conditional=%d, want 2/1", hits.Load(), conditional.Load())
	}
}

func TestFetchFallsBackToCacheOnServerError(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(standupICS))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := f.Fetch(ctx, srv.URL); err != nil {
		t.Fatal(err)
	}
	fail.Store(true)
	body, err := f.Fetch(ctx, srv.URL)
	if err != nil {
		t.Fatalf("expected cached fallback, got %v", err)
	}
	if !strings.Contains(string(body), "Standup") {
		t.Errorf("unexpected body %q", body)
	}
}

func TestFetchDelegatesToResolver(t *testing.T) {
	f := NewFetcher(t.TempDir())
	r := &stubResolver{body: []byte("payload")}
	f.Register("mxc", r)

	body, err := f.Fetch(context.Background(), "mxc://example.org/abc")
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "payload" || len(r.refs) != 1 || r.refs[0] != "mxc://example.org/abc" {
		t.Errorf("body=%q refs=%v", body, r.refs)
	}

	if _, err := f.Fetch(context.Background(), "ftp://example.org/x.ics"); err == nil {
		t.Error("expected error for unregistered scheme")
	}
	if _, err := f.Fetch(context.Background(), "not a reference"); err == nil {
		t.Error("expected error for missing scheme")
	}
}

func TestRedactURL(t *testing.T) {
	if got := redactURL("https://cal.example.com/private/abc.ics?token=x"); got != "https://cal.example.com/...(redacted)" {
		t.Errorf("redactURL = %q", got)
	}
	if got := redactURL("::bad"); got != "ics://...(redacted)" {
		t.Errorf("redactURL = %q", got)
	}
}
