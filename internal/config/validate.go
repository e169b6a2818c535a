package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

type clampRule struct {
	name     string
	value    *int
	min, max int
}

// Validate checks the config for invalid values and returns all errors found.
// Out-of-range numbers are clamped to safe values so the poll loops never run
// with a zero period. Errors are logged as warnings and do not prevent
// startup; missing required settings are reported by CheckRequired instead.
func (c *Config) Validate() []error {
	var errs []error

	for _, r := range []clampRule{
		{"idle_threshold_minutes", &c.IdleThresholdMinutes, 0, 24 * 60},
		{"poll_seconds", &c.PollSeconds, 5, 3600},
		{"security_poll_seconds", &c.SecurityPollSeconds, 15, 3600},
		{"geo_timeout_seconds", &c.GeoTimeoutSeconds, 1, 60},
		{"geo_requests_per_minute", &c.GeoRequestsPerMinute, 1, 1000},
		{"session_timeout_seconds", &c.SessionTimeoutSeconds, 1, 120},
		{"audit_max_events", &c.AuditMaxEvents, 10, 5000},
		{"audit_timeout_seconds", &c.AuditTimeoutSeconds, 1, 300},
		{"publish_timeout_seconds", &c.PublishTimeoutSeconds, 1, 120},
		{"refresh_timeout_seconds", &c.RefreshTimeoutSeconds, 1, 300},
	} {
		if *r.value < r.min {
			errs = append(errs, fmt.Errorf("%s %d is below minimum %d, clamping", r.name, *r.value, r.min))
			*r.value = r.min
		} else if *r.value > r.max {
			errs = append(errs, fmt.Errorf("%s %d exceeds maximum %d, clamping", r.name, *r.value, r.max))
			*r.value = r.max
		}
	}

	if c.ChannelID != "" && !isSnowflake(c.ChannelID) {
		errs = append(errs, fmt.Errorf("channel_id %q is not a numeric Discord id", c.ChannelID))
	}

	for _, r := range c.DiscordToken {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			errs = append(errs, fmt.Errorf("discord_token contains whitespace or control characters"))
			break
		}
	}

	for _, raw := range []struct{ name, value string }{
		{"discord_api_base", c.DiscordAPIBase},
		{"geolookup_url", c.GeoLookupURL},
	} {
		if raw.value == "" {
			continue
		}
		u, err := url.Parse(raw.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %q is not a valid URL: %w", raw.name, raw.value, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("%s scheme must be http or https, got %q", raw.name, u.Scheme))
		}
	}

	aliases := ParseAliases(c.UserAliases)
	if len(aliases) != len(c.UserAliases) {
		errs = append(errs, fmt.Errorf("user_aliases has malformed entries (want user=Display Name)"))
	}
	for user := range aliases {
		if !c.monitors(user) {
			errs = append(errs, fmt.Errorf("user_aliases entry %q is not in monitor_users", user))
		}
	}

	if c.StatusListen != "" {
		if _, _, err := net.SplitHostPort(c.StatusListen); err != nil {
			errs = append(errs, fmt.Errorf("status_listen %q is not host:port, disabling status API", c.StatusListen))
			c.StatusListen = ""
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}

func (c *Config) monitors(username string) bool {
	for _, acct := range c.Accounts() {
		if acct.Username == username {
			return true
		}
	}
	return false
}

func isSnowflake(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
