package collectors

import (
	"strconv"
	"strings"
)

// IdleDuration is the idle column of one session line. Known is false when
// the column was absent or did not match any idle format.
type IdleDuration struct {
	Minutes int    `json:"minutes"`
	Known   bool   `json:"known"`
	Raw     string `json:"raw,omitempty"`
}

// maxIdleUnit bounds the day and hour fields so the minute total cannot
// overflow.
const maxIdleUnit = 1_000_000

// ParseIdle converts the idle column to minutes. Accepted forms are "." and
// "none" (no idle time), plain minutes, "H:MM" and "D+HH:MM". Anything else
// yields an unknown duration; ParseIdle never fails.
func ParseIdle(raw string) IdleDuration {
	s := strings.TrimSpace(raw)
	d := IdleDuration{Raw: s}

	if s == "." || strings.EqualFold(s, "none") {
		d.Known = true
		return d
	}

	if n, ok := atoiDigits(s); ok {
		d.Minutes, d.Known = n, true
		return d
	}

	if days, clock, ok := strings.Cut(s, "+"); ok {
		dn, okDays := atoiDigits(days)
		h, m, okClock := parseClock(clock)
		if okDays && okClock && dn <= maxIdleUnit {
			d.Minutes, d.Known = dn*24*60+h*60+m, true
		}
		return d
	}

	if h, m, ok := parseClock(s); ok {
		d.Minutes, d.Known = h*60+m, true
	}
	return d
}

// isIdleToken reports whether tok is a valid idle column value.
func isIdleToken(tok string) bool {
	return ParseIdle(tok).Known
}

func parseClock(s string) (hours, minutes int, ok bool) {
	hs, ms, found := strings.Cut(s, ":")
	if !found {
		return 0, 0, false
	}
	h, okH := atoiDigits(hs)
	m, okM := atoiDigits(ms)
	if !okH || !okM || m > 59 || h > maxIdleUnit {
		return 0, 0, false
	}
	return h, m, true
}

// atoiDigits parses a non-empty run of ASCII digits. Signs and spaces are
// rejected, unlike strconv.Atoi on its own.
func atoiDigits(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
