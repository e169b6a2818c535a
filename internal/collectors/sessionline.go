package collectors

import (
	"strings"
	"time"

	"github.com/breeze-rmm/rdpwatch/internal/config"
)

// SessionState is the normalized state of a monitored account's session.
type SessionState string

const (
	StateActive       SessionState = "Active"
	StateDisconnected SessionState = "Disconnected"
	StateNotPresent   SessionState = "NotPresent"
)

// RawSession is one parsed line of session-listing output.
type RawSession struct {
	Username     string
	SessionName  string
	SessionID    string
	StateRaw     string
	Idle         IdleDuration
	LogonTimeRaw string
}

// SessionSnapshot is the latest observation of one account's session.
type SessionSnapshot struct {
	State        SessionState `json:"state"`
	StateRaw     string       `json:"stateRaw,omitempty"`
	Idle         IdleDuration `json:"idle"`
	SessionID    string       `json:"sessionId,omitempty"`
	SessionName  string       `json:"sessionName,omitempty"`
	LogonTimeRaw string       `json:"logonTimeRaw,omitempty"`
	Engaged      bool         `json:"engaged"`
	ObservedAt   time.Time    `json:"observedAt"`
}

// stateKeywords are the state column values printed by quser/qwinsta.
var stateKeywords = map[string]bool{
	"active":       true,
	"disc":         true,
	"disconnected": true,
	"conn":         true,
	"connected":    true,
	"connq":        true,
	"shadow":       true,
	"listen":       true,
	"down":         true,
	"idle":         true,
	"init":         true,
}

// ParseSessionLine parses one line of session-listing output. The state
// column is found by keyword rather than position, so lines with an empty
// session-name or id column still parse. Header and noise lines return false.
func ParseSessionLine(line string) (RawSession, bool) {
	line = strings.TrimSpace(line)
	line = strings.TrimSpace(strings.TrimPrefix(line, ">"))
	fields := strings.Fields(line)
	if len(fields) < 2 || strings.EqualFold(fields[0], "USERNAME") {
		return RawSession{}, false
	}

	stateIdx := -1
	for i := 1; i < len(fields); i++ {
		if stateKeywords[strings.ToLower(fields[i])] {
			stateIdx = i
			break
		}
	}
	if stateIdx < 0 {
		return RawSession{}, false
	}

	rs := RawSession{
		Username: fields[0],
		StateRaw: fields[stateIdx],
	}

	between := fields[1:stateIdx]
	if n := len(between); n > 0 {
		if _, ok := atoiDigits(between[n-1]); ok {
			rs.SessionID = between[n-1]
			between = between[:n-1]
		}
	}
	if len(between) > 0 {
		rs.SessionName = strings.Join(between, " ")
	}

	rest := fields[stateIdx+1:]
	if len(rest) > 0 && isIdleToken(rest[0]) {
		rs.Idle = ParseIdle(rest[0])
		rest = rest[1:]
	}
	rs.LogonTimeRaw = strings.Join(rest, " ")

	return rs, true
}

// ParseSessionOutput parses every recognizable session line in text.
func ParseSessionOutput(text string) []RawSession {
	var sessions []RawSession
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if rs, ok := ParseSessionLine(line); ok {
			sessions = append(sessions, rs)
		}
	}
	return sessions
}

// MatchSessions keeps the sessions of monitored accounts, keyed by username.
// Matching is exact and case-insensitive. When one account has several lines
// the active one wins. Engaged is left for the classifier.
func MatchSessions(raw []RawSession, accounts []config.Account) map[string]SessionSnapshot {
	monitored := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		monitored[strings.ToLower(a.Username)] = true
	}

	out := make(map[string]SessionSnapshot)
	for _, rs := range raw {
		username := strings.ToLower(rs.Username)
		if !monitored[username] {
			continue
		}
		snap := SessionSnapshot{
			State:        normalizeState(rs.StateRaw),
			StateRaw:     rs.StateRaw,
			Idle:         rs.Idle,
			SessionID:    rs.SessionID,
			SessionName:  rs.SessionName,
			LogonTimeRaw: rs.LogonTimeRaw,
		}
		if prev, ok := out[username]; ok && prev.State == StateActive && snap.State != StateActive {
			continue
		}
		out[username] = snap
	}
	return out
}

func normalizeState(raw string) SessionState {
	if strings.EqualFold(raw, "active") {
		return StateActive
	}
	return StateDisconnected
}

// IsEngaged reports whether someone is actively using the session: it must be
// Active with a known idle time no greater than thresholdMinutes.
func IsEngaged(s SessionSnapshot, thresholdMinutes int) bool {
	return s.State == StateActive && s.Idle.Known && s.Idle.Minutes <= thresholdMinutes
}
