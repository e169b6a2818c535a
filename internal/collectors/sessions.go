package collectors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/breeze-rmm/rdpwatch/internal/config"
	"github.com/breeze-rmm/rdpwatch/internal/executor"
	"github.com/breeze-rmm/rdpwatch/internal/logging"
)

var log = logging.L("collectors")

// ErrSessionsUnavailable is returned when the session listing could not be
// read at all. Callers keep the previous snapshot.
var ErrSessionsUnavailable = errors.New("collectors: session listing unavailable")

// quser exits non-zero with this message when nobody is logged on.
const noUsersMarker = "No User exists"

// SessionCollector runs the session-listing utility and turns its output into
// per-account snapshots.
type SessionCollector struct {
	runner    executor.Runner
	command   string
	args      []string
	accounts  []config.Account
	threshold int
	timeout   time.Duration
}

func NewSessionCollector(runner executor.Runner, cfg *config.Config) *SessionCollector {
	parts := strings.Fields(cfg.SessionCommand)
	if len(parts) == 0 {
		parts = []string{"quser"}
	}
	return &SessionCollector{
		runner:    runner,
		command:   parts[0],
		args:      parts[1:],
		accounts:  cfg.Accounts(),
		threshold: cfg.IdleThresholdMinutes,
		timeout:   time.Duration(cfg.SessionTimeoutSeconds) * time.Second,
	}
}

// Collect returns a snapshot for every monitored account that has a session.
// Accounts with no line are absent from the map. Engaged is derived here.
func (c *SessionCollector) Collect(ctx context.Context, now time.Time) (map[string]SessionSnapshot, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	res, err := c.runner.Run(ctx, c.command, c.args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionsUnavailable, err)
	}

	if res.ExitCode != 0 && strings.TrimSpace(res.Stdout) == "" {
		if strings.Contains(res.Stderr, noUsersMarker) {
			return map[string]SessionSnapshot{}, nil
		}
		return nil, fmt.Errorf("%w: %s exited %d: %s", ErrSessionsUnavailable,
			c.command, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	raw := ParseSessionOutput(res.Stdout)
	sessions := MatchSessions(raw, c.accounts)
	for username, snap := range sessions {
		snap.Engaged = IsEngaged(snap, c.threshold)
		snap.ObservedAt = now
		sessions[username] = snap
	}

	log.Debug("sessions collected", "lines", len(raw), "monitored", len(sessions),
		logging.KeyDurationMs, res.Duration.Milliseconds())
	return sessions, nil
}
