package collectors

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/breeze-rmm/rdpwatch/internal/executor"
)

// ErrAuditUnavailable is returned when the Security log could not be read.
// The monitor keeps the previous enrichment when it sees it.
var ErrAuditUnavailable = errors.New("collectors: security log unavailable")

// Security event ids and logon types used for enrichment.
const (
	EventLogonSuccess       = 4624
	EventSessionDisconnect  = 4779
	LogonTypeUnlock         = 7
	LogonTypeRemoteInteract = 10
)

// securityQuery keeps only interactive-remote and unlock logons so network
// and service logons cannot crowd them out of the /c: window.
const securityQuery = "(*[System[EventID=4624] and EventData[Data[@Name='LogonType']='10' or Data[@Name='LogonType']='7']])" +
	" or *[System[EventID=4779]]"

// AuditEvent is one decoded Security log record.
type AuditEvent struct {
	EventID    int
	LogonType  int
	TargetUser string
	SourceIP   string
	Time       time.Time
}

// AuditReader returns recent logon and disconnect events, newest first.
type AuditReader interface {
	Read(ctx context.Context) ([]AuditEvent, error)
}

// SecurityLogReader queries the Windows Security log with wevtutil.
type SecurityLogReader struct {
	runner    executor.Runner
	maxEvents int
	timeout   time.Duration
}

func NewSecurityLogReader(runner executor.Runner, maxEvents int, timeout time.Duration) *SecurityLogReader {
	if maxEvents <= 0 {
		maxEvents = 250
	}
	return &SecurityLogReader{runner: runner, maxEvents: maxEvents, timeout: timeout}
}

func (r *SecurityLogReader) Read(ctx context.Context) ([]AuditEvent, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	res, err := r.runner.Run(ctx, "wevtutil", "qe", "Security",
		"/q:"+securityQuery,
		"/f:xml",
		"/rd:true",
		"/c:"+strconv.Itoa(r.maxEvents),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: wevtutil exited %d: %s", ErrAuditUnavailable,
			res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	if strings.TrimSpace(res.Stdout) == "" {
		// Nothing matched; every account simply has no enrichment.
		return nil, nil
	}

	events, skipped := DecodeSecurityEvents(res.Stdout)
	if skipped > 0 {
		log.Debug("skipped undecodable security events", "count", skipped)
	}
	return events, nil
}

type xmlEvent struct {
	System struct {
		EventID     int `xml:"EventID"`
		TimeCreated struct {
			SystemTime string `xml:"SystemTime,attr"`
		} `xml:"TimeCreated"`
	} `xml:"System"`
	Data []struct {
		Name  string `xml:"Name,attr"`
		Value string `xml:",chardata"`
	} `xml:"EventData>Data"`
}

func (e *xmlEvent) field(name string) string {
	for _, d := range e.Data {
		if d.Name == name {
			return strings.TrimSpace(d.Value)
		}
	}
	return ""
}

// DecodeSecurityEvents decodes wevtutil's root-less stream of <Event>
// elements. Each element is decoded on its own so one malformed record does
// not lose the rest; the number of skipped records is returned.
func DecodeSecurityEvents(out string) ([]AuditEvent, int) {
	var events []AuditEvent
	skipped := 0

	for _, chunk := range strings.SplitAfter(out, "</Event>") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" || !strings.Contains(chunk, "<Event") {
			continue
		}

		var xe xmlEvent
		if err := xml.Unmarshal([]byte(chunk), &xe); err != nil {
			skipped++
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, xe.System.TimeCreated.SystemTime)
		if err != nil {
			skipped++
			continue
		}

		ev := AuditEvent{EventID: xe.System.EventID, Time: ts.UTC()}
		switch ev.EventID {
		case EventLogonSuccess:
			ev.TargetUser = xe.field("TargetUserName")
			ev.SourceIP = xe.field("IpAddress")
			ev.LogonType, _ = strconv.Atoi(xe.field("LogonType"))
		case EventSessionDisconnect:
			ev.TargetUser = xe.field("AccountName")
			ev.SourceIP = xe.field("ClientAddress")
		default:
			skipped++
			continue
		}
		if ev.TargetUser == "" {
			skipped++
			continue
		}
		events = append(events, ev)
	}
	return events, skipped
}
