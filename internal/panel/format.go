package panel

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// FormatIdle renders idle minutes as "Xm", "Xh Ym" or "Xd Yh Zm".
func FormatIdle(minutes int) string {
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	hours, mins := minutes/60, minutes%60
	if hours < 24 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dd %dh %dm", hours/24, hours%24, mins)
}

// FormatDuration renders a connection length as "Xm", "Xh Ym" or "Xd Yh".
func FormatDuration(minutes int) string {
	if minutes < 1 {
		return "0m"
	}
	hours, mins := minutes/60, minutes%60
	if hours == 0 {
		return fmt.Sprintf("%dm", mins)
	}
	if hours < 24 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dd %dh", hours/24, hours%24)
}

// FormatSince renders how long ago t was, e.g. "just now" or "2h 5m ago".
func FormatSince(t, now time.Time) string {
	minutes := minutesBetween(t, now)
	if minutes < 1 {
		return "just now"
	}
	return FormatDuration(minutes) + " ago"
}

func minutesBetween(from, to time.Time) int {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}

// FormatEventTime renders t in loc as dd/mm/yyyy hh:mm.
func FormatEventTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format("02/01/2006 15:04")
}

var clockPattern = regexp.MustCompile(`(?i)(\d{1,2}):(\d{2})(?::\d{2})?\s*([ap]\.?m\.?)?`)

// FormatLogonTime rewrites the first clock time in a raw logon string to
// 24-hour "HH:MM", leaving the rest untouched. The date part is never parsed.
func FormatLogonTime(raw string) string {
	loc := clockPattern.FindStringSubmatchIndex(raw)
	if loc == nil {
		return raw
	}
	var hour, minute int
	fmt.Sscanf(raw[loc[2]:loc[3]], "%d", &hour)
	fmt.Sscanf(raw[loc[4]:loc[5]], "%d", &minute)

	if loc[6] >= 0 {
		meridiem := strings.ReplaceAll(strings.ToLower(raw[loc[6]:loc[7]]), ".", "")
		switch {
		case meridiem == "pm" && hour < 12:
			hour += 12
		case meridiem == "am" && hour == 12:
			hour = 0
		}
	}
	return fmt.Sprintf("%s%02d:%02d%s", raw[:loc[0]], hour, minute, raw[loc[1]:])
}
