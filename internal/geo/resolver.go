package geo

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/breeze-rmm/rdpwatch/internal/kvstore"
	"github.com/breeze-rmm/rdpwatch/internal/logging"
)

var log = logging.L("geo")

const cachePrefix = "geo:"

// Lookup resolves an IP to a display summary.
type Lookup interface {
	Lookup(ctx context.Context, ip string) (string, error)
}

// Cache is the persistent side of the resolver cache. *kvstore.Store
// satisfies it.
type Cache interface {
	GetJSON(ctx context.Context, key string, v any) error
	SetJSON(ctx context.Context, key string, v any) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Resolver answers geolocation queries from an in-memory cache backed by a
// persistent one, calling the lookup only on a miss or after expiry.
type Resolver struct {
	lookup  Lookup
	cache   Cache
	timeout time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	mem   map[string]Record
	group singleflight.Group
}

// NewResolver creates a resolver. cache may be nil.
func NewResolver(lookup Lookup, cache Cache, timeout time.Duration) *Resolver {
	return &Resolver{
		lookup:  lookup,
		cache:   cache,
		timeout: timeout,
		now:     time.Now,
		mem:     make(map[string]Record),
	}
}

// Warm loads unexpired records from the persistent cache.
func (r *Resolver) Warm(ctx context.Context) (int, error) {
	if r.cache == nil {
		return 0, nil
	}
	keys, err := r.cache.Keys(ctx, cachePrefix)
	if err != nil {
		return 0, err
	}

	now := r.now()
	loaded := 0
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		var rec Record
		if err := r.cache.GetJSON(ctx, key, &rec); err != nil {
			continue
		}
		if rec.IP == "" || rec.Expired(now) {
			continue
		}
		r.mem[rec.IP] = rec
		loaded++
	}
	return loaded, nil
}

// Resolve returns the record for ip and whether it is a resolved location.
// Failures are cached as tombstones and reported as (tombstone, false).
func (r *Resolver) Resolve(ctx context.Context, ip string) (Record, bool) {
	ip = strings.TrimSpace(ip)
	now := r.now()

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Record{IP: ip, Kind: Failed, FetchedAt: now}, false
	}
	if isLocal(addr) {
		return Record{IP: ip, Kind: Resolved, Summary: PrivateSummary, FetchedAt: now}, true
	}

	if rec, ok := r.cached(ctx, ip, now); ok {
		return rec, rec.Kind == Resolved
	}

	v, _, _ := r.group.Do(ip, func() (any, error) {
		return r.fetch(ctx, ip), nil
	})
	rec := v.(Record)
	return rec, rec.Kind == Resolved
}

func (r *Resolver) cached(ctx context.Context, ip string, now time.Time) (Record, bool) {
	r.mu.RLock()
	rec, ok := r.mem[ip]
	r.mu.RUnlock()
	if ok && !rec.Expired(now) {
		return rec, true
	}
	if ok || r.cache == nil {
		return Record{}, false
	}

	if err := r.cache.GetJSON(ctx, cachePrefix+ip, &rec); err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			log.Warn("geo cache read failed", logging.KeyIP, ip, logging.KeyError, err.Error())
		}
		return Record{}, false
	}
	if rec.Expired(now) {
		return Record{}, false
	}
	r.mu.Lock()
	r.mem[ip] = rec
	r.mu.Unlock()
	return rec, true
}

func (r *Resolver) fetch(ctx context.Context, ip string) Record {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := r.now()
	summary, err := r.lookup.Lookup(ctx, ip)
	rec := Record{IP: ip, Kind: Resolved, Summary: summary, FetchedAt: r.now()}
	if err != nil || summary == "" {
		rec = Record{IP: ip, Kind: Failed, FetchedAt: r.now()}
		msg := "empty result"
		if err != nil {
			msg = err.Error()
		}
		log.Warn("geo lookup failed", logging.KeyIP, ip, logging.KeyError, msg)
	} else {
		log.Debug("geo lookup", logging.KeyIP, ip, logging.KeyDurationMs, r.now().Sub(start).Milliseconds())
	}

	r.mu.Lock()
	r.mem[ip] = rec
	r.mu.Unlock()

	if r.cache != nil {
		// Persist with a detached context so a cancelled caller still records
		// the tombstone.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.cache.SetJSON(wctx, cachePrefix+ip, rec); err != nil {
			log.Warn("geo cache write failed", logging.KeyIP, ip, logging.KeyError, err.Error())
		}
	}
	return rec
}

func isLocal(addr netip.Addr) bool {
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified() || addr.IsLinkLocalMulticast()
}
