package collectors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/breeze-rmm/rdpwatch/internal/executor"
)

func logonXML(user, ip string, logonType int, at string) string {
	return fmt.Sprintf(`<Event xmlns='http://schemas.microsoft.com/win/2004/08/events/event'><System><Provider Name='Microsoft-Windows-Security-Auditing'/><EventID>4624</EventID><TimeCreated SystemTime='%s'/></System><EventData><Data Name='TargetUserName'>%s</Data><Data Name='LogonType'>%d</Data><Data Name='IpAddress'>%s</Data></EventData></Event>`,
		at, user, logonType, ip)
}

func disconnectXML(user, ip, at string) string {
	return fmt.Sprintf(`<Event xmlns='http://schemas.microsoft.com/win/2004/08/events/event'><System><EventID>4779</EventID><TimeCreated SystemTime='%s'/></System><EventData><Data Name='AccountName'>%s</Data><Data Name='ClientAddress'>%s</Data></EventData></Event>`,
		at, user, ip)
}

func TestDecodeSecurityEvents(t *testing.T) {
	out := strings.Join([]string{
		logonXML("16aa", "203.0.113.7", 10, "2026-10-16T09:02:11.1234567Z"),
		"<Event><System><EventID>4624</Event>",
		disconnectXML("CANTINA", "198.51.100.2", "2026-10-16T08:00:00.000Z"),
		logonXML("16aa", "-", 10, "not-a-time"),
	}, "\r\n")

	events, skipped := DecodeSecurityEvents(out)
	if skipped != 2 {
		t.Fatalf("skipped = %d, want 2", skipped)
	}
	if len(events) != 2 {
		t.Fatalf("decoded %d events, want 2: %+v", len(events), events)
	}

	logon := events[0]
	if logon.EventID != EventLogonSuccess || logon.TargetUser != "16aa" || logon.SourceIP != "203.0.113.7" || logon.LogonType != 10 {
		t.Fatalf("logon = %+v", logon)
	}
	want := time.Date(2026, 10, 16, 9, 2, 11, 123456700, time.UTC)
	if !logon.Time.Equal(want) {
		t.Fatalf("logon time = %v, want %v", logon.Time, want)
	}

	disc := events[1]
	if disc.EventID != EventSessionDisconnect || disc.TargetUser != "CANTINA" || disc.SourceIP != "198.51.100.2" {
		t.Fatalf("disconnect = %+v", disc)
	}
}

func TestSecurityLogReaderRead(t *testing.T) {
	runner := &fakeRunner{result: &executor.Result{Stdout: logonXML("16aa", "203.0.113.7", 10, "2026-10-16T09:02:11Z")}}
	r := NewSecurityLogReader(runner, 100, time.Second)

	events, err := r.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Read() returned %d events, want 1", len(events))
	}

	args := strings.Join(runner.calls[0], " ")
	for _, want := range []string{"wevtutil qe Security", "/f:xml", "/rd:true", "/c:100", "EventID=4624"} {
		if !strings.Contains(args, want) {
			t.Fatalf("command %q missing %q", args, want)
		}
	}
}

func TestSecurityLogQueryFiltersLogonTypes(t *testing.T) {
	runner := &fakeRunner{result: &executor.Result{}}
	if _, err := NewSecurityLogReader(runner, 250, time.Second).Read(context.Background()); err != nil {
		t.Fatalf("Read: %v", err)
	}

	var query string
	for _, arg := range runner.calls[0] {
		if strings.HasPrefix(arg, "/q:") {
			query = arg
		}
	}
	if query == "" {
		t.Fatalf("no /q: argument in %v", runner.calls[0])
	}
	for _, want := range []string{
		"EventID=4624",
		"Data[@Name='LogonType']='10'",
		"Data[@Name='LogonType']='7'",
		"EventID=4779",
	} {
		if !strings.Contains(query, want) {
			t.Fatalf("query %q missing %q", query, want)
		}
	}
	if strings.Contains(query, "EventID=4624 or") {
		t.Fatalf("query %q matches 4624 without a logon type filter", query)
	}
}

func TestSecurityLogReaderNoMatches(t *testing.T) {
	runner := &fakeRunner{result: &executor.Result{Stdout: " \r\n", ExitCode: 0}}
	events, err := NewSecurityLogReader(runner, 0, 0).Read(context.Background())
	if err != nil || len(events) != 0 {
		t.Fatalf("Read() = %v, %v; want no events and no error", events, err)
	}

	got, err := NewAuditLogEnricher(NewSecurityLogReader(runner, 0, 0), []string{"16aa"}).Collect(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if snap, ok := got["16aa"]; !ok || snap.LastIP != "" {
		t.Fatalf("Collect() = %+v, want an empty snapshot for 16aa", got)
	}
}

func TestSecurityLogReaderFailures(t *testing.T) {
	tests := []struct {
		name   string
		runner *fakeRunner
	}{
		{"timeout", &fakeRunner{err: executor.ErrTimeout}},
		{"access_denied", &fakeRunner{result: &executor.Result{ExitCode: 5, Stderr: "Access is denied."}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSecurityLogReader(tt.runner, 0, 0).Read(context.Background())
			if !errors.Is(err, ErrAuditUnavailable) {
				t.Fatalf("Read() error = %v, want ErrAuditUnavailable", err)
			}
		})
	}
}

func TestEnrich(t *testing.T) {
	base := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	now := base.Add(time.Hour)
	events := []AuditEvent{
		{EventID: EventLogonSuccess, LogonType: 10, TargetUser: "16AA", SourceIP: "203.0.113.7", Time: base.Add(5 * time.Minute)},
		{EventID: EventLogonSuccess, LogonType: 10, TargetUser: "16aa", SourceIP: "198.51.100.9", Time: base},
		{EventID: EventLogonSuccess, LogonType: 3, TargetUser: "16aa", SourceIP: "192.0.2.1", Time: base.Add(10 * time.Minute)},
		{EventID: EventLogonSuccess, LogonType: 7, TargetUser: "cantina", SourceIP: "-", Time: base.Add(2 * time.Minute)},
		{EventID: EventLogonSuccess, LogonType: 10, TargetUser: "cantina", SourceIP: "198.51.100.2", Time: base},
		{EventID: EventSessionDisconnect, TargetUser: "cantina", Time: base.Add(time.Minute)},
		{EventID: EventSessionDisconnect, TargetUser: "cantina", Time: base.Add(-time.Hour)},
		{EventID: EventLogonSuccess, LogonType: 10, TargetUser: "stranger", SourceIP: "192.0.2.50", Time: base},
	}

	got := Enrich(events, []string{"16aa", "cantina", "16aa_testing"}, now)
	if len(got) != 3 {
		t.Fatalf("Enrich() returned %d accounts, want 3", len(got))
	}

	if got["16aa"].LastIP != "203.0.113.7" || !got["16aa"].LastLogonAt.Equal(base.Add(5*time.Minute)) {
		t.Fatalf("16aa = %+v, want latest type 10 logon", got["16aa"])
	}

	c := got["cantina"]
	if c.LastIP != "" {
		t.Fatalf("cantina LastIP = %q, want none (latest logon had no usable address)", c.LastIP)
	}
	if !c.LastDisconnectAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("cantina LastDisconnectAt = %v", c.LastDisconnectAt)
	}

	empty := got["16aa_testing"]
	if empty.LastIP != "" || !empty.LastLogonAt.IsZero() || !empty.ObservedAt.Equal(now) {
		t.Fatalf("16aa_testing = %+v, want empty snapshot", empty)
	}
}

func TestUsableIP(t *testing.T) {
	for ip, want := range map[string]string{
		"-":            "",
		"":             "",
		"::1":          "",
		"127.0.0.1":    "",
		" 203.0.113.7": "203.0.113.7",
		"2001:db8::1":  "2001:db8::1",
	} {
		if got := UsableIP(ip); got != want {
			t.Fatalf("UsableIP(%q) = %q, want %q", ip, got, want)
		}
	}
}

type fakeAuditReader struct {
	events []AuditEvent
	err    error
}

func (f *fakeAuditReader) Read(ctx context.Context) ([]AuditEvent, error) {
	return f.events, f.err
}

func TestAuditLogEnricherPropagatesReadFailure(t *testing.T) {
	e := NewAuditLogEnricher(&fakeAuditReader{err: ErrAuditUnavailable}, []string{"16aa"})
	got, err := e.Collect(context.Background(), time.Now())
	if got != nil || !errors.Is(err, ErrAuditUnavailable) {
		t.Fatalf("Collect() = %v, %v; want nil, ErrAuditUnavailable", got, err)
	}
}
