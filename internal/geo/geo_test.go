package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/breeze-rmm/rdpwatch/internal/kvstore"
)

type fakeLookup struct {
	calls   atomic.Int32
	summary string
	err     error
	delay   time.Duration
}

func (f *fakeLookup) Lookup(ctx context.Context, ip string) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.summary, f.err
}

func TestResolveCachesResult(t *testing.T) {
	lookup := &fakeLookup{summary: "Berlin, Land Berlin, Germany | Example ISP"}
	r := NewResolver(lookup, nil, time.Second)

	for i := 0; i < 3; i++ {
		rec, ok := r.Resolve(context.Background(), "203.0.113.7")
		if !ok || rec.Summary != lookup.summary || rec.Kind != Resolved {
			t.Fatalf("Resolve() = %+v, %v", rec, ok)
		}
	}
	if n := lookup.calls.Load(); n != 1 {
		t.Fatalf("lookup calls = %d, want 1", n)
	}
}

func TestResolvedRecordExpiresAfterTTL(t *testing.T) {
	lookup := &fakeLookup{summary: "Lyon, Auvergne-Rhone-Alpes, France"}
	r := NewResolver(lookup, nil, time.Second)
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.Resolve(context.Background(), "203.0.113.7")
	now = now.Add(ResolvedTTL - time.Second)
	r.Resolve(context.Background(), "203.0.113.7")
	if n := lookup.calls.Load(); n != 1 {
		t.Fatalf("lookup calls before expiry = %d, want 1", n)
	}

	now = now.Add(time.Second)
	lookup.summary = "Marseille, Provence, France"
	for i := 0; i < 3; i++ {
		rec, ok := r.Resolve(context.Background(), "203.0.113.7")
		if !ok || rec.Summary != "Marseille, Provence, France" || !rec.FetchedAt.Equal(now) {
			t.Fatalf("Resolve() after expiry = %+v, %v", rec, ok)
		}
	}
	if n := lookup.calls.Load(); n != 2 {
		t.Fatalf("lookup calls after expiry = %d, want exactly one more", n)
	}
}

func TestResolveFailureIsTombstoned(t *testing.T) {
	lookup := &fakeLookup{err: ErrRateLimited}
	r := NewResolver(lookup, nil, time.Second)
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	rec, ok := r.Resolve(context.Background(), "203.0.113.7")
	if ok || rec.Kind != Failed || rec.Display() != "unknown" {
		t.Fatalf("Resolve() = %+v, %v; want tombstone", rec, ok)
	}
	r.Resolve(context.Background(), "203.0.113.7")
	if n := lookup.calls.Load(); n != 1 {
		t.Fatalf("lookup calls within tombstone TTL = %d, want 1", n)
	}

	now = now.Add(FailedTTL)
	lookup.err = nil
	lookup.summary = "Paris, France"
	rec, ok = r.Resolve(context.Background(), "203.0.113.7")
	if !ok || rec.Summary != "Paris, France" {
		t.Fatalf("Resolve() after tombstone expiry = %+v, %v", rec, ok)
	}
	if n := lookup.calls.Load(); n != 2 {
		t.Fatalf("lookup calls = %d, want 2", n)
	}
}

func TestResolvePrivateAddressSkipsLookup(t *testing.T) {
	lookup := &fakeLookup{summary: "x"}
	r := NewResolver(lookup, nil, time.Second)
	for _, ip := range []string{"10.0.0.5", "192.168.1.20", "fe80::1", "127.0.0.1"} {
		rec, ok := r.Resolve(context.Background(), ip)
		if !ok || rec.Summary != PrivateSummary {
			t.Fatalf("Resolve(%s) = %+v, %v", ip, rec, ok)
		}
	}
	if lookup.calls.Load() != 0 {
		t.Fatal("private addresses must not be looked up")
	}
}

func TestResolveInvalidIP(t *testing.T) {
	r := NewResolver(&fakeLookup{summary: "x"}, nil, time.Second)
	if rec, ok := r.Resolve(context.Background(), "not-an-ip"); ok || rec.Kind != Failed {
		t.Fatalf("Resolve(invalid) = %+v, %v", rec, ok)
	}
}

func TestResolveSharesInFlightLookup(t *testing.T) {
	lookup := &fakeLookup{summary: "Tokyo, Japan", delay: 50 * time.Millisecond}
	r := NewResolver(lookup, nil, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Resolve(context.Background(), "198.51.100.2"); !ok {
				t.Error("Resolve() not resolved")
			}
		}()
	}
	wg.Wait()
	if n := lookup.calls.Load(); n != 1 {
		t.Fatalf("lookup calls = %d, want 1", n)
	}
}

func TestResolverPersistsAndWarms(t *testing.T) {
	ctx := context.Background()
	store, err := kvstore.Open(ctx, filepath.Join(t.TempDir(), "rdpwatch.db"))
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	defer store.Close()

	first := NewResolver(&fakeLookup{summary: "Oslo, Norway"}, store, time.Second)
	if _, ok := first.Resolve(ctx, "203.0.113.7"); !ok {
		t.Fatal("first Resolve() failed")
	}

	lookup := &fakeLookup{summary: "should not be used"}
	second := NewResolver(lookup, store, time.Second)
	n, err := second.Warm(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Warm() = %d, %v; want 1", n, err)
	}
	rec, ok := second.Resolve(ctx, "203.0.113.7")
	if !ok || rec.Summary != "Oslo, Norway" || lookup.calls.Load() != 0 {
		t.Fatalf("Resolve() after warm = %+v, %v, calls=%d", rec, ok, lookup.calls.Load())
	}
}

func TestFormatSummary(t *testing.T) {
	tests := []struct {
		city, region, country, org string
		want                       string
	}{
		{"Berlin", "Land Berlin", "Germany", "AS3320 Deutsche Telekom AG", "Berlin, Land Berlin, Germany | AS3320 Deutsche Telekom AG"},
		{"", "", "Germany", "", "Germany"},
		{"", "", "", "Some Org", "Some Org"},
		{"", "", "", "", ""},
	}
	for _, tt := range tests {
		if got := FormatSummary(tt.city, tt.region, tt.country, tt.org); got != tt.want {
			t.Fatalf("FormatSummary() = %q, want %q", got, tt.want)
		}
	}
}

func TestIPAPILookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/203.0.113.7/json/":
			w.Write([]byte(`{"ip":"203.0.113.7","city":"Lyon","region":"Auvergne-Rhone-Alpes","country":"FR","org":"Example"}`))
		case "/198.51.100.2/json/":
			w.Write([]byte(`{"error":true,"reason":"Reserved IP Address"}`))
		case "/192.0.2.1/json/":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.Write([]byte(`not json`))
		}
	}))
	defer srv.Close()

	l := NewIPAPILookup(srv.URL+"/", 100, 2*time.Second)
	l.retry.MaxRetries = 0

	got, err := l.Lookup(context.Background(), "203.0.113.7")
	if err != nil || got != "Lyon, Auvergne-Rhone-Alpes, FR | Example" {
		t.Fatalf("Lookup() = %q, %v", got, err)
	}
	if _, err := l.Lookup(context.Background(), "198.51.100.2"); err == nil {
		t.Fatal("error body should fail")
	}
	if _, err := l.Lookup(context.Background(), "192.0.2.1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("429 error = %v, want ErrRateLimited", err)
	}
	if _, err := l.Lookup(context.Background(), "192.0.2.99"); err == nil {
		t.Fatal("malformed JSON should fail")
	}
}

func TestIPAPILookupLocalRateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"country_name":"Spain"}`))
	}))
	defer srv.Close()

	l := NewIPAPILookup(srv.URL, 1, time.Second)
	if _, err := l.Lookup(context.Background(), "203.0.113.7"); err != nil {
		t.Fatalf("first Lookup: %v", err)
	}
	if _, err := l.Lookup(context.Background(), "203.0.113.8"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second Lookup error = %v, want ErrRateLimited", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("server hits = %d, want 1", hits.Load())
	}
}
