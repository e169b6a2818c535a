package panel

import (
	"fmt"
	"strings"
	"time"

	"github.com/breeze-rmm/rdpwatch/internal/collectors"
	"github.com/breeze-rmm/rdpwatch/internal/state"
)

// Status is the availability shown by a row's dot.
type Status string

const (
	StatusEngaged Status = "engaged" // active and in use
	StatusIdle    Status = "idle"    // active but idle past the threshold
	StatusFree    Status = "free"
)

var statusDots = map[Status]string{
	StatusEngaged: "🔴",
	StatusIdle:    "🟡",
	StatusFree:    "🟢",
}

// ViewConfig holds the settings that shape the panel text.
type ViewConfig struct {
	Hostname string
	// Location is used for absolute event times. Nil means time.Local.
	Location *time.Location
	// GeoEnabled hides the location part of the Connected line when false.
	GeoEnabled bool
}

// Row is the comparable content of one account's panel field.
type Row struct {
	Username    string   `json:"username"`
	DisplayName string   `json:"displayName"`
	Status      Status   `json:"status"`
	Lines       []string `json:"lines"`
}

// View is everything the panel shows except the "last checked" time. Two
// equal views render to the same message.
type View struct {
	Title string `json:"title"`
	Rows  []Row  `json:"rows"`
}

// Equal reports whether v and other would render identically.
func (v View) Equal(other View) bool {
	if v.Title != other.Title || len(v.Rows) != len(other.Rows) {
		return false
	}
	for i := range v.Rows {
		a, b := v.Rows[i], other.Rows[i]
		if a.Username != b.Username || a.DisplayName != b.DisplayName || a.Status != b.Status || len(a.Lines) != len(b.Lines) {
			return false
		}
		for j := range a.Lines {
			if a.Lines[j] != b.Lines[j] {
				return false
			}
		}
	}
	return true
}

// BuildView turns account states (in display order) into panel rows.
// Relative times are computed against now at minute resolution, so the view
// changes at most once a minute while nothing else happens.
func BuildView(states []state.AccountState, cfg ViewConfig, now time.Time) View {
	v := View{
		Title: fmt.Sprintf("RDP Session Monitor (%s)", cfg.Hostname),
		Rows:  make([]Row, 0, len(states)),
	}
	for _, st := range states {
		v.Rows = append(v.Rows, buildRow(st, cfg, now))
	}
	return v
}

func buildRow(st state.AccountState, cfg ViewConfig, now time.Time) Row {
	row := Row{
		Username:    st.Account.Username,
		DisplayName: st.Account.DisplayName,
		Status:      StatusFree,
	}
	if row.DisplayName == "" {
		row.DisplayName = row.Username
	}

	sess := st.Session
	if sess.State == collectors.StateActive {
		row.Status = StatusIdle
		engaged := "No"
		if sess.Engaged {
			row.Status = StatusEngaged
			engaged = "Yes"
		}
		row.Lines = append(row.Lines,
			fmt.Sprintf("State: `%s` | Engaged: `%s` | Idle: `%s`", stateLabel(sess), engaged, idleLabel(sess.Idle)),
			connectedLine(st, cfg, now),
		)
		return row
	}

	row.Lines = append(row.Lines, fmt.Sprintf("State: `%s`", stateLabel(sess)), lastConnectedLine(st, cfg, now))
	return row
}

func stateLabel(s collectors.SessionSnapshot) string {
	switch {
	case s.State == collectors.StateNotPresent:
		return "Not present"
	case strings.EqualFold(s.StateRaw, "disc"):
		return "Disconnected"
	case s.StateRaw != "":
		return s.StateRaw
	default:
		return string(s.State)
	}
}

func idleLabel(d collectors.IdleDuration) string {
	if d.Known {
		return FormatIdle(d.Minutes)
	}
	if d.Raw != "" {
		return d.Raw
	}
	return "unknown"
}

func connectedLine(st state.AccountState, cfg ViewConfig, now time.Time) string {
	var b strings.Builder
	enr := st.Enrichment
	if enr.LastIP == "" {
		b.WriteString("Connected: `(unknown)`")
	} else {
		fmt.Fprintf(&b, "Connected: `%s`", enr.LastIP)
		if cfg.GeoEnabled && st.Geo != nil {
			fmt.Fprintf(&b, " (%s)", st.Geo.Display())
		}
	}
	if !enr.LastLogonAt.IsZero() {
		fmt.Fprintf(&b, " | `%s`", FormatDuration(minutesBetween(enr.LastLogonAt, now)))
	}
	return b.String()
}

func lastConnectedLine(st state.AccountState, cfg ViewConfig, now time.Time) string {
	enr := st.Enrichment
	switch {
	case st.PendingDisconnectSince != nil:
		return "Last Connected: `...`"
	case !enr.LastDisconnectAt.IsZero():
		return fmt.Sprintf("Last Connected: `%s (%s)`", FormatEventTime(enr.LastDisconnectAt, cfg.Location), FormatSince(enr.LastDisconnectAt, now))
	case !enr.LastLogonAt.IsZero():
		return fmt.Sprintf("Last Connected: `%s (%s)`", FormatEventTime(enr.LastLogonAt, cfg.Location), FormatSince(enr.LastLogonAt, now))
	case st.Session.LogonTimeRaw != "":
		return fmt.Sprintf("Last Connected: `%s`", FormatLogonTime(st.Session.LogonTimeRaw))
	default:
		return "Last Connected: `-`"
	}
}
