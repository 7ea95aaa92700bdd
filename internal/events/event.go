// Package events streams honeypot event lines from sensor log files and
// validates them into typed events or quarantine candidates.
package events

import "time"

// Record is one raw line read from a source file. Offset is the byte offset
// of the start of the line within the uncompressed stream, which makes it a
// stable resume point.
type Record struct {
	Payload    []byte
	SourcePath string
	Offset     int64
	Inode      string
	Err        error
}

// Reason classifies why an event was quarantined.
type Reason string

const (
	ReasonSchemaViolation Reason = "schema_violation"
	ReasonEncodingError   Reason = "encoding_error"
	ReasonSizeLimit       Reason = "size_limit"
	ReasonJSONError       Reason = "json_error"
	ReasonReadError       Reason = "read_error"
	ReasonOther           Reason = "other"
)

// Event is a validated honeypot event. Payload holds the full decoded
// object; Sanitized is the re-marshaled payload with NUL bytes escaped and
// long text fields capped, safe for the row store.
type Event struct {
	EventID   string
	SessionID string
	Timestamp time.Time
	SrcIP     string
	Sensor    string
	Payload   map[string]any
	Sanitized []byte
	RiskScore float64
}

// Invalid is a validation failure destined for the dead letter table.
type Invalid struct {
	Reason Reason
	Detail string
	Raw    []byte
}
