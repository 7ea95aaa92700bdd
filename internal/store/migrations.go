package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const schemaVersionKey = "schema_version"

// runMigrations executes all embedded SQL migration files in filename order
// (0001_*.sql, 0002_*.sql, ...) and records the resulting schema version.
// Statements are idempotent (IF NOT EXISTS) so reruns are safe.
func (s *Store) runMigrations(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		s.log.Warn("store: no migration files found")
		return nil
	}

	for _, name := range names {
		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", name, err)
		}
		s.log.Info("store: executing migration", "file", name)
		if _, err := s.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}
	}

	version := migrationVersion(names[len(names)-1])
	_, err = s.pool.Exec(ctx, `
		INSERT INTO schema_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		schemaVersionKey, version)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	s.log.Info("store: migrations complete", "version", version)
	return nil
}

// migrationVersion extracts the numeric prefix of a migration filename.
func migrationVersion(name string) string {
	if i := strings.IndexByte(name, '_'); i > 0 {
		return strings.TrimLeft(name[:i], "0")
	}
	return name
}

// SchemaVersion reads the recorded schema version.
func (s *Store) SchemaVersion(ctx context.Context) (string, error) {
	var version string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM schema_state WHERE key = $1`, schemaVersionKey).Scan(&version)
	if err != nil {
		return "", fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
