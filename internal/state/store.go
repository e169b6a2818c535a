package state

import (
	"sync"
	"time"

	"github.com/breeze-rmm/rdpwatch/internal/collectors"
	"github.com/breeze-rmm/rdpwatch/internal/config"
	"github.com/breeze-rmm/rdpwatch/internal/geo"
)

// AccountState is everything known about one monitored account.
type AccountState struct {
	Account                config.Account                `json:"account"`
	Session                collectors.SessionSnapshot    `json:"session"`
	Enrichment             collectors.EnrichmentSnapshot `json:"enrichment"`
	Geo                    *geo.Record                   `json:"geo,omitempty"`
	PendingDisconnectSince *time.Time                    `json:"pendingDisconnectSince,omitempty"`
}

func (a AccountState) clone() AccountState {
	out := a
	if a.Geo != nil {
		g := *a.Geo
		out.Geo = &g
	}
	if a.PendingDisconnectSince != nil {
		p := *a.PendingDisconnectSince
		out.PendingDisconnectSince = &p
	}
	return out
}

// IPChange reports an account whose source address changed in an
// enrichment update.
type IPChange struct {
	Username string
	OldIP    string
	NewIP    string
}

// SessionChange reports an account that entered or left Active in a
// session update.
type SessionChange struct {
	Username string
	From     collectors.SessionState
	To       collectors.SessionState
	Session  collectors.SessionSnapshot
}

// Started reports whether the account became Active.
func (c SessionChange) Started() bool {
	return c.To == collectors.StateActive
}

// Store holds the merged per-account state. One RWMutex guards the whole
// map, so readers always see a consistent snapshot of every account.
type Store struct {
	mu       sync.RWMutex
	accounts []config.Account
	states   map[string]*AccountState
}

// New creates a store with a NotPresent entry for every account.
func New(accounts []config.Account) *Store {
	s := &Store{
		accounts: append([]config.Account(nil), accounts...),
		states:   make(map[string]*AccountState, len(accounts)),
	}
	for _, a := range accounts {
		s.states[a.Username] = &AccountState{
			Account: a,
			Session: collectors.SessionSnapshot{State: collectors.StateNotPresent},
		}
	}
	return s
}

// Accounts returns the monitored accounts in configured order.
func (s *Store) Accounts() []config.Account {
	return append([]config.Account(nil), s.accounts...)
}

// UpdateSessions replaces every account's session snapshot. Accounts missing
// from sessions become NotPresent; one already NotPresent is left as is. An account leaving Active gets a pending
// disconnect stamped with now; returning to Active clears it. Accounts that
// entered or left Active are returned in configured order.
func (s *Store) UpdateSessions(sessions map[string]collectors.SessionSnapshot, now time.Time) []SessionChange {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changes []SessionChange
	for _, a := range s.accounts {
		username := a.Username
		st := s.states[username]
		next, ok := sessions[username]
		if !ok {
			if st.Session.State == collectors.StateNotPresent {
				continue
			}
			next = collectors.SessionSnapshot{State: collectors.StateNotPresent, ObservedAt: now}
		}

		wasActive := st.Session.State == collectors.StateActive
		isActive := next.State == collectors.StateActive
		switch {
		case isActive:
			st.PendingDisconnectSince = nil
		case wasActive:
			t := now
			st.PendingDisconnectSince = &t
		}
		if wasActive != isActive {
			changes = append(changes, SessionChange{Username: username, From: st.Session.State, To: next.State, Session: next})
		}
		st.Session = next
	}
	return changes
}

// UpdateEnrichment replaces every account's enrichment present in
// enrichment. A pending disconnect is cleared once a disconnect event no
// older than (pending - tolerance) is seen. Accounts whose IP changed lose
// their geo record and are returned.
func (s *Store) UpdateEnrichment(enrichment map[string]collectors.EnrichmentSnapshot, tolerance time.Duration) []IPChange {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changes []IPChange
	for _, a := range s.accounts {
		next, ok := enrichment[a.Username]
		if !ok {
			continue
		}
		st := s.states[a.Username]

		if st.Enrichment.LastIP != next.LastIP {
			changes = append(changes, IPChange{Username: a.Username, OldIP: st.Enrichment.LastIP, NewIP: next.LastIP})
			st.Geo = nil
		}
		if st.PendingDisconnectSince != nil && !next.LastDisconnectAt.IsZero() &&
			!next.LastDisconnectAt.Before(st.PendingDisconnectSince.Add(-tolerance)) {
			st.PendingDisconnectSince = nil
		}
		st.Enrichment = next
	}
	return changes
}

// SetGeo attaches rec to username if its current IP is still ip. It reports
// whether the record was applied.
func (s *Store) SetGeo(username, ip string, rec geo.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[username]
	if !ok || st.Enrichment.LastIP == "" || st.Enrichment.LastIP != ip {
		return false
	}
	st.Geo = &rec
	return true
}

// Get returns a copy of one account's state.
func (s *Store) Get(username string) (AccountState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[username]
	if !ok {
		return AccountState{}, false
	}
	return st.clone(), true
}

// Snapshot returns a copy of every account's state.
func (s *Store) Snapshot() map[string]AccountState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]AccountState, len(s.states))
	for username, st := range s.states {
		out[username] = st.clone()
	}
	return out
}

// Ordered returns Snapshot in configured account order.
func (s *Store) Ordered() []AccountState {
	snap := s.Snapshot()
	out := make([]AccountState, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, snap[a.Username])
	}
	return out
}
