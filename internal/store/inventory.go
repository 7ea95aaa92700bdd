package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// IPRecord is the current-state inventory row for one source IP.
type IPRecord struct {
	IPAddress           string
	CurrentASN          *int64
	ASName              *string
	Enrichment          []byte
	EnrichmentUpdatedAt *time.Time
	IPTypes             []string
	GeoCountry          string
	PrimaryIPType       string
	FirstSeen           time.Time
	LastSeen            time.Time
}

// LookupIPs reads current inventory state for a set of IPs in one query.
// IPs with no inventory row are simply absent from the result.
func (s *Store) LookupIPs(ctx context.Context, ips []string) (map[string]IPRecord, error) {
	out := make(map[string]IPRecord, len(ips))
	if len(ips) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT ip_address, current_asn, as_name, enrichment, enrichment_updated_at,
		       ip_types, geo_country, primary_ip_type, first_seen, last_seen
		FROM ip_inventory
		WHERE ip_address = ANY($1)`, ips)
	if err != nil {
		return nil, fmt.Errorf("failed to look up ip inventory: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec IPRecord
		err := rows.Scan(&rec.IPAddress, &rec.CurrentASN, &rec.ASName,
			&rec.Enrichment, &rec.EnrichmentUpdatedAt, &rec.IPTypes,
			&rec.GeoCountry, &rec.PrimaryIPType, &rec.FirstSeen, &rec.LastSeen)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ip inventory row: %w", err)
		}
		out[rec.IPAddress] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ip inventory rows: %w", err)
	}
	return out, nil
}

// IPUpsert is the enricher's write to the inventory.
type IPUpsert struct {
	IPAddress  string
	ASN        *int64
	ASName     *string
	Enrichment []byte
	IPTypes    []string
	ObservedAt time.Time
}

// UpsertEnrichment writes one enriched IP: the inventory row itself, an ASN
// transition in ip_asn_history when the ASN changed, and the ASN inventory
// first/last-seen bump. History intervals are non-overlapping per IP: the
// open interval is closed at the transition timestamp before a new one opens.
func (s *Store) UpsertEnrichment(ctx context.Context, up IPUpsert) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin enrichment upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prevASN *int64
	err = tx.QueryRow(ctx,
		`SELECT current_asn FROM ip_inventory WHERE ip_address = $1 FOR UPDATE`,
		up.IPAddress).Scan(&prevASN)
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("failed to read previous inventory row: %w", err)
	}

	var enrichment any
	if up.Enrichment != nil {
		enrichment = string(up.Enrichment)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ip_inventory (
			ip_address, current_asn, as_name, enrichment, enrichment_updated_at,
			ip_types, first_seen, last_seen
		) VALUES ($1, $2, $3, $4, $5, $6, $5, $5)
		ON CONFLICT (ip_address) DO UPDATE SET
			current_asn           = EXCLUDED.current_asn,
			as_name               = EXCLUDED.as_name,
			enrichment            = EXCLUDED.enrichment,
			enrichment_updated_at = EXCLUDED.enrichment_updated_at,
			ip_types              = EXCLUDED.ip_types,
			last_seen             = EXCLUDED.last_seen`,
		up.IPAddress, up.ASN, up.ASName, enrichment, up.ObservedAt,
		jsonStringArray(up.IPTypes))
	if err != nil {
		return fmt.Errorf("failed to upsert ip inventory: %w", err)
	}

	asnChanged := up.ASN != nil && (prevASN == nil || *prevASN != *up.ASN)
	if asnChanged {
		_, err = tx.Exec(ctx, `
			UPDATE ip_asn_history SET observed_to = $2
			WHERE ip_address = $1 AND observed_to IS NULL`,
			up.IPAddress, up.ObservedAt)
		if err != nil {
			return fmt.Errorf("failed to close asn history interval: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO ip_asn_history (ip_address, asn, observed_from)
			VALUES ($1, $2, $3)`,
			up.IPAddress, *up.ASN, up.ObservedAt)
		if err != nil {
			return fmt.Errorf("failed to open asn history interval: %w", err)
		}
	}

	if up.ASN != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO asn_inventory (asn, as_name, first_seen, last_seen)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (asn) DO UPDATE SET
				as_name   = COALESCE(EXCLUDED.as_name, asn_inventory.as_name),
				last_seen = EXCLUDED.last_seen`,
			*up.ASN, up.ASName, up.ObservedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert asn inventory: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit enrichment upsert: %w", err)
	}
	return nil
}

// RollupASNCounts recomputes asn_inventory.ip_count from the inventory. ASN
// aggregates are derived, never maintained incrementally, so the rollup is a
// single idempotent statement run periodically.
func (s *Store) RollupASNCounts(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO asn_inventory (asn, as_name, first_seen, last_seen, ip_count)
		SELECT current_asn, max(as_name), min(first_seen), max(last_seen), count(*)
		FROM ip_inventory
		WHERE current_asn IS NOT NULL
		GROUP BY current_asn
		ON CONFLICT (asn) DO UPDATE SET
			as_name    = COALESCE(EXCLUDED.as_name, asn_inventory.as_name),
			first_seen = LEAST(asn_inventory.first_seen, EXCLUDED.first_seen),
			last_seen  = GREATEST(asn_inventory.last_seen, EXCLUDED.last_seen),
			ip_count   = EXCLUDED.ip_count`)
	if err != nil {
		return fmt.Errorf("failed to roll up asn counts: %w", err)
	}
	return nil
}

// IPActivity aggregates session behavior per canonical source IP. The
// enricher uses it to decide which addresses are worth scanner budget.
type IPActivity struct {
	CommandCount    int64
	FileDownloads   int64
	VTFlagged       bool
	DurationSeconds float64
}

func (s *Store) ActivityByIP(ctx context.Context, ips []string) (map[string]IPActivity, error) {
	out := make(map[string]IPActivity, len(ips))
	if len(ips) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT canonical_source_ip,
		       COALESCE(SUM(command_count), 0),
		       COALESCE(SUM(file_downloads), 0),
		       bool_or(vt_flagged),
		       COALESCE(MAX(EXTRACT(EPOCH FROM (last_event_at - first_event_at))), 0)
		FROM session_summaries
		WHERE canonical_source_ip = ANY($1)
		GROUP BY canonical_source_ip`, ips)
	if err != nil {
		return nil, fmt.Errorf("failed to read ip activity: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ip string
		var act IPActivity
		err := rows.Scan(&ip, &act.CommandCount, &act.FileDownloads,
			&act.VTFlagged, &act.DurationSeconds)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ip activity: %w", err)
		}
		out[ip] = act
	}
	return out, rows.Err()
}

// StaleIPs returns inventory IPs whose enrichment needs refreshing under the
// staleness policy, plus IPs that have never been enriched but appear as a
// canonical source IP on some session.
func (s *Store) StaleIPs(ctx context.Context, scannerMaxAge, networkMaxAge time.Duration, limit int) ([]string, error) {
	now := s.clock.Now().UTC()
	rows, err := s.pool.Query(ctx, `
		SELECT ip_address FROM ip_inventory
		WHERE enrichment_updated_at IS NULL
		   OR (enrichment ? 'scanner' AND enrichment_updated_at < $1)
		   OR (enrichment ? 'bulk_asn' AND enrichment_updated_at < $2)
		UNION
		SELECT DISTINCT canonical_source_ip FROM session_summaries
		WHERE canonical_source_ip IS NOT NULL
		  AND canonical_source_ip NOT IN (SELECT ip_address FROM ip_inventory)
		LIMIT $3`,
		now.Add(-scannerMaxAge), now.Add(-networkMaxAge), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select stale ips: %w", err)
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("failed to scan stale ip: %w", err)
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}
