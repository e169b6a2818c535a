package panel

import (
	"strings"
	"time"
)

const (
	embedColor  = 0x464646
	footerText  = "Last checked"
	maxFields   = 25
	maxFieldLen = 1024
)

type EmbedFooter struct {
	Text string `json:"text"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type Embed struct {
	Title     string       `json:"title"`
	Color     int          `json:"color"`
	Timestamp string       `json:"timestamp,omitempty"`
	Footer    *EmbedFooter `json:"footer,omitempty"`
	Fields    []EmbedField `json:"fields"`
}

// Payload is the Discord message body for the panel.
type Payload struct {
	Embeds []Embed `json:"embeds"`
}

// Render builds the panel message for view, stamped with now as the last
// check time.
func Render(view View, now time.Time) Payload {
	embed := Embed{
		Title:     view.Title,
		Color:     embedColor,
		Timestamp: now.UTC().Format(time.RFC3339),
		Footer:    &EmbedFooter{Text: footerText},
		Fields:    make([]EmbedField, 0, len(view.Rows)),
	}
	for i, row := range view.Rows {
		if i == maxFields {
			break
		}
		embed.Fields = append(embed.Fields, EmbedField{
			Name:  statusDots[row.Status] + " " + row.DisplayName,
			Value: truncate(strings.Join(row.Lines, "\n"), maxFieldLen),
		})
	}
	return Payload{Embeds: []Embed{embed}}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
