package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrMissingRequired is returned by CheckRequired when a setting without
// which monitoring cannot start is absent.
var ErrMissingRequired = errors.New("config: missing required setting")

type Config struct {
	DiscordToken          string   `mapstructure:"discord_token" yaml:"discord_token"`
	ChannelID             string   `mapstructure:"channel_id" yaml:"channel_id"`
	DiscordAPIBase        string   `mapstructure:"discord_api_base" yaml:"discord_api_base"`
	MonitorUsers          []string `mapstructure:"monitor_users" yaml:"monitor_users"`
	UserAliases           []string `mapstructure:"user_aliases" yaml:"user_aliases"`
	IdleThresholdMinutes  int      `mapstructure:"idle_threshold_minutes" yaml:"idle_threshold_minutes"`
	PollSeconds           int      `mapstructure:"poll_seconds" yaml:"poll_seconds"`
	SecurityPollSeconds   int      `mapstructure:"security_poll_seconds" yaml:"security_poll_seconds"`
	GeoLookupEnabled      bool     `mapstructure:"geolookup_enabled" yaml:"geolookup_enabled"`
	GeoLookupURL          string   `mapstructure:"geolookup_url" yaml:"geolookup_url"`
	GeoTimeoutSeconds     int      `mapstructure:"geo_timeout_seconds" yaml:"geo_timeout_seconds"`
	GeoRequestsPerMinute  int      `mapstructure:"geo_requests_per_minute" yaml:"geo_requests_per_minute"`
	SessionCommand        string   `mapstructure:"session_command" yaml:"session_command"`
	SessionTimeoutSeconds int      `mapstructure:"session_timeout_seconds" yaml:"session_timeout_seconds"`
	AuditMaxEvents        int      `mapstructure:"audit_max_events" yaml:"audit_max_events"`
	AuditTimeoutSeconds   int      `mapstructure:"audit_timeout_seconds" yaml:"audit_timeout_seconds"`
	PublishTimeoutSeconds int      `mapstructure:"publish_timeout_seconds" yaml:"publish_timeout_seconds"`
	RefreshTimeoutSeconds int      `mapstructure:"refresh_timeout_seconds" yaml:"refresh_timeout_seconds"`
	DeletePanelOnShutdown bool     `mapstructure:"delete_panel_on_shutdown" yaml:"delete_panel_on_shutdown"`
	StatusListen          string   `mapstructure:"status_listen" yaml:"status_listen"`
	DataDir               string   `mapstructure:"data_dir" yaml:"data_dir"`
	LogLevel              string   `mapstructure:"log_level" yaml:"log_level"`
	LogFormat             string   `mapstructure:"log_format" yaml:"log_format"`
	LogFile               string   `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB          int      `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups         int      `mapstructure:"log_max_backups" yaml:"log_max_backups"`
}

// Account is one monitored shared login.
type Account struct {
	DisplayName string `json:"displayName"`
	Username    string `json:"username"`
}

func Default() *Config {
	return &Config{
		DiscordAPIBase:        "https://discord.com/api/v10",
		MonitorUsers:          []string{"16aa", "cantina", "16aa_public", "16aa_testing"},
		IdleThresholdMinutes:  10,
		PollSeconds:           15,
		SecurityPollSeconds:   60,
		GeoLookupEnabled:      true,
		GeoLookupURL:          "https://ipapi.co",
		GeoTimeoutSeconds:     6,
		GeoRequestsPerMinute:  30,
		SessionCommand:        "quser",
		SessionTimeoutSeconds: 10,
		AuditMaxEvents:        250,
		AuditTimeoutSeconds:   20,
		PublishTimeoutSeconds: 15,
		RefreshTimeoutSeconds: 30,
		StatusListen:          "127.0.0.1:8787",
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// legacyEnv maps config keys to the bare environment variable names used by
// existing deployments' .env files.
var legacyEnv = map[string]string{
	"discord_token":          "DISCORD_TOKEN",
	"channel_id":             "CHANNEL_ID",
	"monitor_users":          "MONITOR_USERS",
	"user_aliases":           "USER_ALIASES",
	"idle_threshold_minutes": "IDLE_THRESHOLD_MINUTES",
	"poll_seconds":           "POLL_SECONDS",
	"security_poll_seconds":  "SECURITY_POLL_SECONDS",
	"geolookup_enabled":      "GEOLOOKUP_ENABLED",
}

// bindEnv registers every config key with viper so Unmarshal sees
// RDPWATCH_<KEY> even when the file never mentions the key. Legacy keys also
// accept their bare name.
func bindEnv(v *viper.Viper) error {
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		key := t.Field(i).Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		names := []string{key, "RDPWATCH_" + strings.ToUpper(key)}
		if legacy, ok := legacyEnv[key]; ok {
			names = append(names, legacy)
		}
		if err := v.BindEnv(names...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Load reads configuration from (in increasing priority) defaults, the YAML
// config file, a .env file in the working directory and the environment.
func Load(cfgFile string) (*Config, error) {
	return LoadWith(viper.New(), cfgFile, ".env")
}

// LoadWith is Load against an explicit viper instance and .env path.
func LoadWith(v *viper.Viper, cfgFile, envFile string) (*Config, error) {
	cfg := Default()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("rdpwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("RDPWATCH")
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// Comma-separated env values arrive as one element.
	cfg.MonitorUsers = splitList(cfg.MonitorUsers)
	cfg.UserAliases = splitList(cfg.UserAliases)

	return cfg, nil
}

// Accounts builds the monitored account list: usernames lower-cased and
// de-duplicated in configured order, display names taken from user_aliases
// ("user=Display Name") when present.
func (c *Config) Accounts() []Account {
	aliases := ParseAliases(c.UserAliases)

	seen := make(map[string]bool, len(c.MonitorUsers))
	accounts := make([]Account, 0, len(c.MonitorUsers))
	for _, raw := range c.MonitorUsers {
		username := strings.ToLower(strings.TrimSpace(raw))
		if username == "" || seen[username] {
			continue
		}
		seen[username] = true

		display := username
		if alias, ok := aliases[username]; ok {
			display = alias
		}
		accounts = append(accounts, Account{DisplayName: display, Username: username})
	}
	return accounts
}

// ParseAliases parses "user=Display Name" pairs. Malformed entries are ignored.
func ParseAliases(entries []string) map[string]string {
	aliases := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key != "" && value != "" {
			aliases[key] = value
		}
	}
	return aliases
}

// CheckRequired reports settings whose absence makes monitoring impossible.
func (c *Config) CheckRequired() error {
	var missing []string
	if strings.TrimSpace(c.DiscordToken) == "" {
		missing = append(missing, "discord_token (DISCORD_TOKEN)")
	}
	if strings.TrimSpace(c.ChannelID) == "" {
		missing = append(missing, "channel_id (CHANNEL_ID)")
	}
	if len(c.Accounts()) == 0 {
		missing = append(missing, "monitor_users (MONITOR_USERS)")
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.DiscordToken != "" {
		out.DiscordToken = "[REDACTED]"
	}
	out.MonitorUsers = append([]string(nil), c.MonitorUsers...)
	out.UserAliases = append([]string(nil), c.UserAliases...)
	return &out
}

// GetDataDir returns the directory for the sqlite store and log files.
func (c *Config) GetDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return filepath.Join(configDir(), "data")
}

func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "rdpwatch")
	case "darwin":
		return "/Library/Application Support/rdpwatch"
	default:
		return "/etc/rdpwatch"
	}
}
