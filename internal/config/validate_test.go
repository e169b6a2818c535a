package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("Default().Validate() = %v, want no errors", errs)
	}
	if cfg.DeletePanelOnShutdown {
		t.Fatal("panel must survive a restart by default")
	}
}

func TestValidateClampsPollPeriods(t *testing.T) {
	cfg := Default()
	cfg.PollSeconds = 0
	cfg.SecurityPollSeconds = 99999

	errs := cfg.Validate()
	if len(errs) != 2 {
		t.Fatalf("expected 2 clamp errors, got %v", errs)
	}
	if cfg.PollSeconds != 5 {
		t.Fatalf("PollSeconds = %d, want 5 (clamped)", cfg.PollSeconds)
	}
	if cfg.SecurityPollSeconds != 3600 {
		t.Fatalf("SecurityPollSeconds = %d, want 3600 (clamped)", cfg.SecurityPollSeconds)
	}
}

func TestValidateRejectsNonNumericChannel(t *testing.T) {
	cfg := Default()
	cfg.ChannelID = "general"
	errs := cfg.Validate()
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "channel_id") {
		t.Fatalf("expected channel_id error, got %v", errs)
	}
}

func TestValidateAliasForUnknownUser(t *testing.T) {
	cfg := Default()
	cfg.UserAliases = []string{"cantina=Cantina PC", "ghost=Nobody"}
	errs := cfg.Validate()
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), `"ghost"`) {
		t.Fatalf("expected alias error for ghost, got %v", errs)
	}
}

func TestValidateDisablesBadListenAddress(t *testing.T) {
	cfg := Default()
	cfg.StatusListen = "8787"
	cfg.Validate()
	if cfg.StatusListen != "" {
		t.Fatalf("StatusListen = %q, want disabled", cfg.StatusListen)
	}
}

func TestCheckRequired(t *testing.T) {
	cfg := Default()
	err := cfg.CheckRequired()
	if !errors.Is(err, ErrMissingRequired) {
		t.Fatalf("CheckRequired() = %v, want ErrMissingRequired", err)
	}
	if !strings.Contains(err.Error(), "DISCORD_TOKEN") || !strings.Contains(err.Error(), "CHANNEL_ID") {
		t.Fatalf("error should name the missing settings: %v", err)
	}

	cfg.DiscordToken = "tok"
	cfg.ChannelID = "123"
	if err := cfg.CheckRequired(); err != nil {
		t.Fatalf("CheckRequired() = %v, want nil", err)
	}

	cfg.MonitorUsers = []string{" ", ""}
	if err := cfg.CheckRequired(); !errors.Is(err, ErrMissingRequired) {
		t.Fatalf("empty account list should be required, got %v", err)
	}
}

func TestAccountsNormalizesAndAliases(t *testing.T) {
	cfg := Default()
	cfg.MonitorUsers = []string{"16AA", "cantina", "16aa", " 16aa_testing "}
	cfg.UserAliases = []string{"16aa=Main Desk", "broken", "cantina = Cantina"}

	got := cfg.Accounts()
	want := []Account{
		{DisplayName: "Main Desk", Username: "16aa"},
		{DisplayName: "Cantina", Username: "cantina"},
		{DisplayName: "16aa_testing", Username: "16aa_testing"},
	}
	if len(got) != len(want) {
		t.Fatalf("Accounts() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Accounts()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestLoadReadsLegacyEnvNames(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "DISCORD_TOKEN=abc\nCHANNEL_ID=42\nMONITOR_USERS=alpha,Beta\nIDLE_THRESHOLD_MINUTES=25\n"
	if err := os.WriteFile(envFile, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"DISCORD_TOKEN", "CHANNEL_ID", "MONITOR_USERS", "IDLE_THRESHOLD_MINUTES"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Cleanup(func() {
		for _, key := range []string{"DISCORD_TOKEN", "CHANNEL_ID", "MONITOR_USERS", "IDLE_THRESHOLD_MINUTES"} {
			os.Unsetenv(key)
		}
	})

	cfgFile := filepath.Join(dir, "rdpwatch.yaml")
	if err := os.WriteFile(cfgFile, []byte("poll_seconds: 20\nuser_aliases:\n  - alpha=Alpha Desk\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWith(viper.New(), cfgFile, envFile)
	if err != nil {
		t.Fatalf("LoadWith: %v", err)
	}
	if cfg.DiscordToken != "abc" || cfg.ChannelID != "42" {
		t.Fatalf("token/channel = %q/%q, want abc/42", cfg.DiscordToken, cfg.ChannelID)
	}
	if cfg.IdleThresholdMinutes != 25 {
		t.Fatalf("IdleThresholdMinutes = %d, want 25", cfg.IdleThresholdMinutes)
	}
	if cfg.PollSeconds != 20 {
		t.Fatalf("PollSeconds = %d, want 20 from file", cfg.PollSeconds)
	}
	accounts := cfg.Accounts()
	if len(accounts) != 2 || accounts[0].DisplayName != "Alpha Desk" || accounts[1].Username != "beta" {
		t.Fatalf("Accounts() = %+v", accounts)
	}
}

func TestLoadMissingEnvFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "rdpwatch.yaml")
	if err := os.WriteFile(cfgFile, []byte("log_level: debug\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadWith(viper.New(), cfgFile, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("LoadWith: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestRedactedHidesToken(t *testing.T) {
	cfg := Default()
	cfg.DiscordToken = "secret"
	if got := cfg.Redacted().DiscordToken; got != "[REDACTED]" {
		t.Fatalf("Redacted token = %q", got)
	}
	if cfg.DiscordToken != "secret" {
		t.Fatal("Redacted must not modify the original")
	}
}

func TestLoadBindsPrefixedEnvForEveryKey(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "rdpwatch.yaml")
	if err := os.WriteFile(cfgFile, []byte("poll_seconds: 20\n"), 0600); err != nil {
		t.Fatal(err)
	}
	dataDir := filepath.Join(dir, "state")
	t.Setenv("RDPWATCH_DATA_DIR", dataDir)
	t.Setenv("RDPWATCH_LOG_LEVEL", "debug")
	t.Setenv("RDPWATCH_AUDIT_MAX_EVENTS", "500")
	t.Setenv("RDPWATCH_DELETE_PANEL_ON_SHUTDOWN", "true")

	cfg, err := LoadWith(viper.New(), cfgFile, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("LoadWith: %v", err)
	}
	if cfg.DataDir != dataDir {
		t.Fatalf("DataDir = %q, want %q", cfg.DataDir, dataDir)
	}
	if cfg.LogLevel != "debug" || cfg.AuditMaxEvents != 500 || !cfg.DeletePanelOnShutdown {
		t.Fatalf("env overrides not applied: level=%q maxEvents=%d deletePanel=%v",
			cfg.LogLevel, cfg.AuditMaxEvents, cfg.DeletePanelOnShutdown)
	}
	if cfg.PollSeconds != 20 {
		t.Fatalf("PollSeconds = %d, want 20 from file", cfg.PollSeconds)
	}
	if cfg.GeoLookupURL != "https://ipapi.co" {
		t.Fatalf("unset env must keep the default, got GeoLookupURL=%q", cfg.GeoLookupURL)
	}
}
