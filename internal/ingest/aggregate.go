// Package ingest drives the load pipeline: source files stream through the
// reader and validator into a per-session aggregator, and accumulated state
// is committed in atomic batches with a resume cursor.
package ingest

import (
	"sort"
	"time"

	"github.com/meridianlabs/trapline/internal/events"
	"github.com/meridianlabs/trapline/internal/store"
)

// SessionAggregate is the rolling in-batch state for one honeypot session.
// It accumulates deltas only; merging with prior batches happens in the
// store's upsert.
type SessionAggregate struct {
	SessionID         string
	Sensor            string
	EventCount        int64
	CommandCount      int64
	FileDownloads     int64
	LoginAttempts     int64
	SSHKeyInjections  int64
	HighestRisk       float64
	VTFlagged         bool
	DShieldFlagged    bool
	FirstEventAt      time.Time
	LastEventAt       time.Time
	CanonicalSourceIP string

	sourceIPs  map[string]struct{}
	sshKeys    map[string]struct{}
	sourcePath map[string]struct{}
}

// Aggregator folds validated events into per-session aggregates. It is
// single-writer: one aggregator per ingest run, fed in stream order, which
// is what makes the canonical IP tie-break chronological.
type Aggregator struct {
	sessions map[string]*SessionAggregate
}

func NewAggregator() *Aggregator {
	return &Aggregator{sessions: make(map[string]*SessionAggregate)}
}

func (a *Aggregator) Len() int { return len(a.sessions) }

// Add folds one event. sourcePath is recorded in the session's source file
// set for provenance.
func (a *Aggregator) Add(ev *events.Event, sourcePath string) {
	agg, ok := a.sessions[ev.SessionID]
	if !ok {
		agg = &SessionAggregate{
			SessionID:    ev.SessionID,
			FirstEventAt: ev.Timestamp,
			LastEventAt:  ev.Timestamp,
			sourceIPs:    make(map[string]struct{}),
			sshKeys:      make(map[string]struct{}),
			sourcePath:   make(map[string]struct{}),
		}
		a.sessions[ev.SessionID] = agg
	}

	agg.EventCount++
	if agg.Sensor == "" {
		agg.Sensor = ev.Sensor
	}
	if ev.Timestamp.Before(agg.FirstEventAt) {
		agg.FirstEventAt = ev.Timestamp
	}
	if ev.Timestamp.After(agg.LastEventAt) {
		agg.LastEventAt = ev.Timestamp
	}
	if ev.RiskScore > agg.HighestRisk {
		agg.HighestRisk = ev.RiskScore
	}
	if sourcePath != "" {
		agg.sourcePath[sourcePath] = struct{}{}
	}

	// The canonical IP pins to the chronologically first usable address
	// and never moves, even if later events in the session carry another.
	if ev.SrcIP != "" {
		agg.sourceIPs[ev.SrcIP] = struct{}{}
		if agg.CanonicalSourceIP == "" {
			agg.CanonicalSourceIP = ev.SrcIP
		}
	}

	switch ev.EventID {
	case "cowrie.command.input", "cowrie.command.failed":
		agg.CommandCount++
	case "cowrie.session.file_download", "cowrie.session.file_upload":
		agg.FileDownloads++
	case "cowrie.login.success", "cowrie.login.failed":
		agg.LoginAttempts++
	case "cowrie.client.ssh_key_inject":
		agg.SSHKeyInjections++
		if key, ok := ev.Payload["fingerprint"].(string); ok && key != "" {
			agg.sshKeys[key] = struct{}{}
		}
	case "cowrie.virustotal.scanfile":
		agg.VTFlagged = true
	case "cowrie.dshield.submission":
		agg.DShieldFlagged = true
	}
}

// Drain converts the accumulated aggregates into session upserts and resets
// the aggregator for the next batch. Output order is deterministic.
func (a *Aggregator) Drain() []store.SessionUpsert {
	out := make([]store.SessionUpsert, 0, len(a.sessions))
	for _, agg := range a.sessions {
		out = append(out, store.SessionUpsert{
			SessionID:         agg.SessionID,
			Sensor:            agg.Sensor,
			EventCount:        agg.EventCount,
			CommandCount:      agg.CommandCount,
			FileDownloads:     agg.FileDownloads,
			LoginAttempts:     agg.LoginAttempts,
			SSHKeyInjections:  agg.SSHKeyInjections,
			UniqueSSHKeys:     sortedKeys(agg.sshKeys),
			SourceFiles:       sortedKeys(agg.sourcePath),
			SourceIPs:         sortedKeys(agg.sourceIPs),
			CanonicalSourceIP: agg.CanonicalSourceIP,
			FirstEventAt:      agg.FirstEventAt,
			LastEventAt:       agg.LastEventAt,
			HighestRisk:       agg.HighestRisk,
			VTFlagged:         agg.VTFlagged,
			DShieldFlagged:    agg.DShieldFlagged,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	a.sessions = make(map[string]*SessionAggregate)
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
