package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CacheGet reads one L2 cache row. Expired rows are treated as absent and
// reaped lazily.
func (s *Store) CacheGet(ctx context.Context, service, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT value, expires_at FROM enrichment_cache
		WHERE service = $1 AND key = $2`, service, key).Scan(&value, &expiresAt)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache row %s/%s: %w", service, key, err)
	}
	if !expiresAt.After(s.clock.Now()) {
		_, _ = s.pool.Exec(ctx,
			`DELETE FROM enrichment_cache WHERE service = $1 AND key = $2 AND expires_at <= now()`,
			service, key)
		return nil, false, nil
	}
	return value, true, nil
}

// CachePut writes one L2 cache row with the given TTL.
func (s *Store) CachePut(ctx context.Context, service, key string, value []byte, ttl time.Duration) error {
	expiresAt := s.clock.Now().Add(ttl)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrichment_cache (service, key, value, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (service, key) DO UPDATE SET
			value      = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()`,
		service, key, string(value), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to write cache row %s/%s: %w", service, key, err)
	}
	return nil
}

// CachePurgeExpired removes all expired rows and returns how many went away.
func (s *Store) CachePurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM enrichment_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired cache rows: %w", err)
	}
	return tag.RowsAffected(), nil
}
