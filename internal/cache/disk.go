package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
)

// DiskCache is the L3 tier: one JSON file per entry in a two-level sharded
// directory keyed by a stable hash of the key, capping files per directory.
// Disk failures fail open; a missing or unreadable entry is a miss.
type DiskCache struct {
	root  string
	clock clockwork.Clock
}

type diskEntry struct {
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Service   string          `json:"service"`
	Key       string          `json:"key"`
}

func NewDiskCache(root string, clock clockwork.Clock) (*DiskCache, error) {
	if root == "" {
		return nil, fmt.Errorf("disk cache root is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create disk cache root %s: %w", root, err)
	}
	return &DiskCache{root: root, clock: clock}, nil
}

// Path returns the sharded location for a key. Keys are IPs or hex digests,
// so the key itself is filename-safe; the shard comes from its hash.
func (d *DiskCache) Path(service, key string) string {
	sum := sha256.Sum256([]byte(key))
	shard := hex.EncodeToString(sum[:2])
	return filepath.Join(d.root, service, shard[0:2], shard[2:4], key+".json")
}

func (d *DiskCache) Get(service, key string) ([]byte, bool, error) {
	raw, err := os.ReadFile(d.Path(service, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read disk cache entry %s/%s: %w", service, key, err)
	}

	var entry diskEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// Corrupt entries are misses; drop them so they do not linger.
		_ = os.Remove(d.Path(service, key))
		return nil, false, nil
	}
	if !entry.ExpiresAt.After(d.clock.Now()) {
		_ = os.Remove(d.Path(service, key))
		return nil, false, nil
	}
	return entry.Value, true, nil
}

func (d *DiskCache) Put(service, key string, value []byte, ttl time.Duration) error {
	now := d.clock.Now().UTC()
	entry := diskEntry{
		Value:     json.RawMessage(value),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Service:   service,
		Key:       key,
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode disk cache entry %s/%s: %w", service, key, err)
	}

	path := d.Path(service, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create disk cache shard for %s/%s: %w", service, key, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return fmt.Errorf("failed to write disk cache entry %s/%s: %w", service, key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to publish disk cache entry %s/%s: %w", service, key, err)
	}
	return nil
}
