package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultMaxLineBytes rejects single event lines above 10 MB.
	DefaultMaxLineBytes = 10 << 20

	// DefaultMaxFieldRunes caps sanitized text fields; longer values get an
	// ellipsis so oversized terminal captures cannot bloat the row store.
	DefaultMaxFieldRunes = 16384

	nulEscape = `\x00`
)

// riskByEvent assigns a coarse per-event risk weight. Unlisted event types
// score the default 1.
var riskByEvent = map[string]float64{
	"cowrie.login.success":          8,
	"cowrie.login.failed":           3,
	"cowrie.command.input":          2,
	"cowrie.command.failed":         2,
	"cowrie.session.file_download":  6,
	"cowrie.session.file_upload":    6,
	"cowrie.client.ssh_key_inject":  7,
	"cowrie.direct-tcpip.request":   4,
	"cowrie.log.closed":             1,
	"cowrie.client.version":         1,
	"cowrie.client.kex":             1,
	"cowrie.session.connect":        1,
	"cowrie.session.closed":         1,
	"cowrie.virustotal.scanfile":    5,
	"cowrie.dshield.submission":     1,
}

// Validator checks raw event lines against the ingest contract: JSON object,
// required eventid/session/timestamp fields, maximum line length, and text
// sanitization for the row store.
type Validator struct {
	MaxLineBytes  int
	MaxFieldRunes int
}

func NewValidator() *Validator {
	return &Validator{
		MaxLineBytes:  DefaultMaxLineBytes,
		MaxFieldRunes: DefaultMaxFieldRunes,
	}
}

// Validate parses and checks one raw line. Exactly one of the returns is
// non-nil.
func (v *Validator) Validate(line []byte) (*Event, *Invalid) {
	maxLine := v.MaxLineBytes
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	if len(line) > maxLine {
		return nil, &Invalid{
			Reason: ReasonSizeLimit,
			Detail: fmt.Sprintf("line is %d bytes, limit %d", len(line), maxLine),
			Raw:    line,
		}
	}

	if !utf8.Valid(line) {
		return nil, &Invalid{
			Reason: ReasonEncodingError,
			Detail: "line is not valid UTF-8",
			Raw:    line,
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(line, &payload); err != nil {
		return nil, &Invalid{
			Reason: ReasonJSONError,
			Detail: err.Error(),
			Raw:    line,
		}
	}

	eventID, _ := payload["eventid"].(string)
	sessionID, _ := payload["session"].(string)
	tsRaw, _ := payload["timestamp"].(string)
	if eventID == "" || sessionID == "" || tsRaw == "" {
		return nil, &Invalid{
			Reason: ReasonSchemaViolation,
			Detail: "missing required field eventid, session or timestamp",
			Raw:    line,
		}
	}

	ts, err := parseTimestamp(tsRaw)
	if err != nil {
		return nil, &Invalid{
			Reason: ReasonSchemaViolation,
			Detail: fmt.Sprintf("bad timestamp %q: %v", tsRaw, err),
			Raw:    line,
		}
	}

	sanitized := v.sanitize(payload)
	encoded, err := json.Marshal(sanitized)
	if err != nil {
		return nil, &Invalid{
			Reason: ReasonOther,
			Detail: fmt.Sprintf("failed to re-encode payload: %v", err),
			Raw:    line,
		}
	}

	ev := &Event{
		EventID:   eventID,
		SessionID: sessionID,
		Timestamp: ts,
		Payload:   sanitized,
		Sanitized: encoded,
		RiskScore: riskScore(eventID),
	}
	if ip, ok := sanitized["src_ip"].(string); ok && ip != "" {
		ev.SrcIP = ip
	} else if ip, ok := sanitized["peer_ip"].(string); ok && ip != "" {
		ev.SrcIP = ip
	}
	if sensor, ok := sanitized["sensor"].(string); ok {
		ev.Sensor = sensor
	}
	return ev, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func riskScore(eventID string) float64 {
	if score, ok := riskByEvent[eventID]; ok {
		return score
	}
	return 1
}

// sanitize rewrites string values: the NUL byte becomes the literal escape
// token `\x00` (honeypot terminal captures embed NULs that the text store
// rejects), and values longer than MaxFieldRunes are capped with an
// ellipsis. Nested objects and arrays are walked recursively.
func (v *Validator) sanitize(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, val := range payload {
		out[k] = v.sanitizeValue(val)
	}
	return out
}

func (v *Validator) sanitizeValue(val any) any {
	switch tv := val.(type) {
	case string:
		return v.SanitizeText(tv)
	case map[string]any:
		return v.sanitize(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = v.sanitizeValue(item)
		}
		return out
	default:
		return val
	}
}

// SanitizeText applies the NUL escape and the length cap to a single string.
func (v *Validator) SanitizeText(s string) string {
	if strings.ContainsRune(s, 0) {
		s = strings.ReplaceAll(s, "\x00", nulEscape)
	}
	max := v.MaxFieldRunes
	if max <= 0 {
		max = DefaultMaxFieldRunes
	}
	if utf8.RuneCountInString(s) > max {
		runes := []rune(s)
		s = string(runes[:max]) + "…"
	}
	return s
}
