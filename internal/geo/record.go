package geo

import (
	"errors"
	"time"
)

// Kind tells a real lookup result apart from a cached failure.
type Kind string

const (
	Resolved Kind = "resolved"
	Failed   Kind = "failed"
)

const (
	ResolvedTTL = 24 * time.Hour
	FailedTTL   = 5 * time.Minute
)

// PrivateSummary is shown for addresses that never leave the local network.
const PrivateSummary = "Private network"

// ErrRateLimited is returned by a lookup when the provider or the local
// request budget refuses the call.
var ErrRateLimited = errors.New("geo: rate limited")

// Record is a cached geolocation for one IP. A Failed record is a tombstone
// that suppresses retries until it expires.
type Record struct {
	IP        string    `json:"ip"`
	Kind      Kind      `json:"kind"`
	Summary   string    `json:"summary,omitempty"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Expired reports whether r is past its TTL at now.
func (r Record) Expired(now time.Time) bool {
	ttl := ResolvedTTL
	if r.Kind != Resolved {
		ttl = FailedTTL
	}
	return now.Sub(r.FetchedAt) >= ttl
}

// Display returns the summary for a resolved record and "unknown" otherwise.
func (r Record) Display() string {
	if r.Kind == Resolved && r.Summary != "" {
		return r.Summary
	}
	return "unknown"
}
