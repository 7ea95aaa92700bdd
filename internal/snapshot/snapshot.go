// Package snapshot derives the write-once enrichment snapshot columns for
// session summaries. Snapshots capture what the inventory knew about an
// attacker at ingest time; later inventory refreshes never rewrite them.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meridianlabs/trapline/internal/store"
)

// unknownCountry is the sentinel the inventory's coverage merge emits when
// no source knew a country. Snapshots store null instead.
const unknownCountry = "XX"

// ipTypePriority orders the inventory tag list for the single-valued
// snapshot column. Earlier wins.
var ipTypePriority = []string{"VPN", "TOR", "PROXY", "DATACENTER", "RESIDENTIAL", "MOBILE"}

// Inventory is the read side the writer needs.
type Inventory interface {
	LookupIPs(ctx context.Context, ips []string) (map[string]store.IPRecord, error)
}

type Writer struct {
	log       *slog.Logger
	inventory Inventory
}

func NewWriter(log *slog.Logger, inventory Inventory) (*Writer, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if inventory == nil {
		return nil, fmt.Errorf("inventory is required")
	}
	return &Writer{log: log, inventory: inventory}, nil
}

// Annotate fills the snapshot columns of a batch of session upserts from
// current inventory state, one lookup for the whole batch. Sessions whose
// canonical IP has no inventory row are left untouched: their foreign key
// and snapshots stay null and a later batch may fill them.
func (w *Writer) Annotate(ctx context.Context, sessions []store.SessionUpsert) error {
	ipSet := map[string]struct{}{}
	for i := range sessions {
		if ip := sessions[i].CanonicalSourceIP; ip != "" {
			ipSet[ip] = struct{}{}
		}
	}
	if len(ipSet) == 0 {
		return nil
	}
	ips := make([]string, 0, len(ipSet))
	for ip := range ipSet {
		ips = append(ips, ip)
	}

	records, err := w.inventory.LookupIPs(ctx, ips)
	if err != nil {
		return fmt.Errorf("failed to read inventory for snapshot: %w", err)
	}

	var annotated int
	for i := range sessions {
		rec, ok := records[sessions[i].CanonicalSourceIP]
		if !ok {
			continue
		}
		applySnapshot(&sessions[i], rec)
		annotated++
	}
	w.log.Debug("snapshot: annotated sessions",
		"sessions", len(sessions), "annotated", annotated, "ips", len(ips))
	return nil
}

func applySnapshot(s *store.SessionUpsert, rec store.IPRecord) {
	ip := rec.IPAddress
	s.SourceIPFK = &ip
	s.SnapshotASN = rec.CurrentASN
	if rec.GeoCountry != "" && rec.GeoCountry != unknownCountry {
		country := rec.GeoCountry
		s.SnapshotCountry = &country
	}
	if t := primaryIPType(rec.IPTypes); t != "" {
		s.SnapshotIPType = &t
	}
	s.EnrichmentAt = rec.EnrichmentUpdatedAt
}

// primaryIPType picks the single snapshot type from a tag list under the
// fixed priority order. Provider sub-tags ("CLOUD:AWS") and tags outside
// the priority list are ignored; CLOUD collapses into DATACENTER.
func primaryIPType(tags []string) string {
	have := map[string]bool{}
	for _, tag := range tags {
		if tag == "CLOUD" {
			tag = "DATACENTER"
		}
		have[tag] = true
	}
	for _, t := range ipTypePriority {
		if have[t] {
			return t
		}
	}
	return ""
}
