package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("monitor")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("fast poll complete", "accounts", 4)

	out := buf.String()
	if !strings.Contains(out, `msg="fast poll complete"`) {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=monitor") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "accounts=4") {
		t.Fatalf("expected accounts field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("geo")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "debug", &buf)

	WithAccount(L("state"), "16aa").Debug("session replaced")

	out := buf.String()
	if !strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("expected JSON output, got: %s", out)
	}
	if !strings.Contains(out, `"account":"16aa"`) {
		t.Fatalf("expected account field, got: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for input, want := range tests {
		if got := parseLevel(input); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestRotatingWriterRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "rdpwatch.log")
	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 3; i++ {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected first backup to exist: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat current log: %v", err)
	}
	if info.Size() > 1024*1024 {
		t.Fatalf("current log size = %d, want <= 1MB after rotation", info.Size())
	}
}

func TestInitSwitchesBetweenFormats(t *testing.T) {
	logger := L("config")

	var jsonBuf, textBuf bytes.Buffer
	Init("json", "info", &jsonBuf)
	logger.Info("loaded")
	Init("text", "info", &textBuf)
	logger.Info("reloaded")

	if !strings.Contains(jsonBuf.String(), `"msg":"loaded"`) {
		t.Fatalf("expected JSON line, got: %s", jsonBuf.String())
	}
	if !strings.Contains(textBuf.String(), "msg=reloaded") {
		t.Fatalf("expected text line after switching back, got: %s", textBuf.String())
	}
}
