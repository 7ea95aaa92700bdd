package store

import (
	"context"
	"fmt"
	"time"
)

// CursorStatus is one ingest cursor row for the status command.
type CursorStatus struct {
	Source     string
	Inode      string
	LastOffset int64
	BatchIndex int64
	UpdatedAt  time.Time
}

func (s *Store) CursorStatuses(ctx context.Context) ([]CursorStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source, inode, last_offset, batch_index, updated_at
		FROM ingest_cursors ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("failed to read ingest cursors: %w", err)
	}
	defer rows.Close()

	var out []CursorStatus
	for rows.Next() {
		var cs CursorStatus
		if err := rows.Scan(&cs.Source, &cs.Inode, &cs.LastOffset, &cs.BatchIndex, &cs.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cursor status: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// EnrichmentCoverage reports what share of sessions carry snapshot columns
// and what share of inventory IPs have been enriched.
type EnrichmentCoverage struct {
	Sessions            int64
	SessionsSnapshotted int64
	InventoryIPs        int64
	EnrichedIPs         int64
}

func (s *Store) Coverage(ctx context.Context) (EnrichmentCoverage, error) {
	var cov EnrichmentCoverage
	err := s.pool.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE snapshot_asn IS NOT NULL)
		FROM session_summaries`).Scan(&cov.Sessions, &cov.SessionsSnapshotted)
	if err != nil {
		return cov, fmt.Errorf("failed to read session coverage: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE enrichment_updated_at IS NOT NULL)
		FROM ip_inventory`).Scan(&cov.InventoryIPs, &cov.EnrichedIPs)
	if err != nil {
		return cov, fmt.Errorf("failed to read inventory coverage: %w", err)
	}
	return cov, nil
}
