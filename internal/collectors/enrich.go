package collectors

import (
	"context"
	"strings"
	"time"
)

// EnrichmentSnapshot is what the Security log says about one account.
type EnrichmentSnapshot struct {
	LastIP           string    `json:"lastIp,omitempty"`
	LastLogonAt      time.Time `json:"lastLogonAt,omitempty"`
	LastDisconnectAt time.Time `json:"lastDisconnectAt,omitempty"`
	ObservedAt       time.Time `json:"observedAt"`
}

var unusableIPs = map[string]bool{
	"":          true,
	"-":         true,
	"::1":       true,
	"127.0.0.1": true,
}

// UsableIP returns ip when it identifies a remote client, or "".
func UsableIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if unusableIPs[ip] {
		return ""
	}
	return ip
}

// Enrich picks, for each monitored account, the latest remote-interactive or
// unlock logon and the latest disconnect. Every account gets a snapshot; an
// account with no qualifying event gets an empty one. The latest logon wins
// even when its address is unusable, so a console unlock after an RDP logon
// clears the stale address.
func Enrich(events []AuditEvent, usernames []string, now time.Time) map[string]EnrichmentSnapshot {
	out := make(map[string]EnrichmentSnapshot, len(usernames))
	for _, u := range usernames {
		out[strings.ToLower(u)] = EnrichmentSnapshot{ObservedAt: now}
	}

	for _, ev := range events {
		user := strings.ToLower(ev.TargetUser)
		snap, ok := out[user]
		if !ok {
			continue
		}

		switch ev.EventID {
		case EventLogonSuccess:
			if ev.LogonType != LogonTypeRemoteInteract && ev.LogonType != LogonTypeUnlock {
				continue
			}
			if ev.Time.After(snap.LastLogonAt) {
				snap.LastLogonAt = ev.Time
				snap.LastIP = UsableIP(ev.SourceIP)
			}
		case EventSessionDisconnect:
			if ev.Time.After(snap.LastDisconnectAt) {
				snap.LastDisconnectAt = ev.Time
			}
		}
		out[user] = snap
	}
	return out
}

// AuditLogEnricher reads the Security log and reduces it to per-account
// enrichment.
type AuditLogEnricher struct {
	reader    AuditReader
	usernames []string
}

func NewAuditLogEnricher(reader AuditReader, usernames []string) *AuditLogEnricher {
	return &AuditLogEnricher{reader: reader, usernames: usernames}
}

// Collect returns fresh enrichment. On a read failure it returns nil and the
// error; callers treat that as "no enrichment this cycle".
func (e *AuditLogEnricher) Collect(ctx context.Context, now time.Time) (map[string]EnrichmentSnapshot, error) {
	events, err := e.reader.Read(ctx)
	if err != nil {
		return nil, err
	}
	return Enrich(events, e.usernames, now), nil
}
