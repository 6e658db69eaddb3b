package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelsec/watchtower"
)

// rawAlert mirrors the fields we read from one Wazuh alerts.json line.
// Everything else in the record is preserved verbatim in Event.RawJSON.
type rawAlert struct {
	Timestamp string `json:"timestamp"`
	Rule      struct {
		ID          json.RawMessage `json:"id"`
		Level       json.RawMessage `json:"level"`
		Description string          `json:"description"`
		Mitre       struct {
			ID        []string `json:"id"`
			Tactic    []string `json:"tactic"`
			Technique []string `json:"technique"`
		} `json:"mitre"`
	} `json:"rule"`
	Agent struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"agent"`
	Decoder struct {
		Name string `json:"name"`
	} `json:"decoder"`
	Location string `json:"location"`
	FullLog  string `json:"full_log"`
}

// timestampLayouts are the accepted input forms, tried in order. Wazuh
// renders "2025-01-01T00:00:00.123+0000"; RFC3339 variants also appear.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05.000Z07:00",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
}

// ParseLine parses one alerts.json line into a normalized Event.
// Field coercion is forgiving: rule id and level accept either JSON numbers
// or numeric strings and fall back to 0 on anything else. The timestamp must
// parse; it is rendered in canonical UTC form so that string comparison
// against the watermark is chronological.
func ParseLine(line string) (watchtower.Event, error) {
	var raw rawAlert
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return watchtower.Event{}, fmt.Errorf("parse alert: %w", err)
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return watchtower.Event{}, err
	}
	canonical := watchtower.CanonicalTimestamp(ts)

	ruleID := coerceInt(raw.Rule.ID)
	e := watchtower.Event{
		Timestamp:       canonical,
		AgentID:         raw.Agent.ID,
		AgentName:       raw.Agent.Name,
		Location:        raw.Location,
		Decoder:         raw.Decoder.Name,
		RuleID:          ruleID,
		RuleLevel:       coerceInt(raw.Rule.Level),
		RuleDescription: raw.Rule.Description,
		MitreID:         strings.Join(raw.Rule.Mitre.ID, ","),
		MitreTactic:     strings.Join(raw.Rule.Mitre.Tactic, ","),
		MitreTechnique:  strings.Join(raw.Rule.Mitre.Technique, ","),
		FullLog:         raw.FullLog,
		RawJSON:         line,
		ContentHash:     watchtower.EventContentHash(canonical, raw.FullLog, ruleID),
	}
	return e, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("parse alert: missing timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse alert: unrecognized timestamp %q", s)
}

// coerceInt accepts a JSON number or a numeric string; anything else is 0.
func coerceInt(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return v
		}
	}
	return 0
}
