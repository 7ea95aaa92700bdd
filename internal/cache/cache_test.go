package cache

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakeRowStore struct {
	entries map[string][]byte
	ttls    map[string]time.Duration
	fail    bool
	gets    int
	puts    int
}

func newFakeRowStore() *fakeRowStore {
	return &fakeRowStore{
		entries: map[string][]byte{},
		ttls:    map[string]time.Duration{},
	}
}

func (f *fakeRowStore) CacheGet(_ context.Context, service, key string) ([]byte, bool, error) {
	f.gets++
	if f.fail {
		return nil, false, errors.New("row store unavailable")
	}
	value, ok := f.entries[service+"/"+key]
	return value, ok, nil
}

func (f *fakeRowStore) CachePut(_ context.Context, service, key string, value []byte, ttl time.Duration) error {
	f.puts++
	if f.fail {
		return errors.New("row store unavailable")
	}
	f.entries[service+"/"+key] = value
	f.ttls[service+"/"+key] = ttl
	return nil
}

func newTestHierarchy(t *testing.T, row RowStore, diskRoot string) *Hierarchy {
	t.Helper()

	h, err := New(Config{
		Logger:   slog.New(slog.DiscardHandler),
		Clock:    clockwork.NewFakeClock(),
		RowStore: row,
		DiskRoot: diskRoot,
	})
	require.NoError(t, err)
	return h
}

func TestHierarchy_PutThenGetHitsMemory(t *testing.T) {
	t.Parallel()

	row := newFakeRowStore()
	h := newTestHierarchy(t, row, t.TempDir())

	value := []byte(`{"asn":13335}`)
	require.NoError(t, h.Put(context.Background(), ServiceBulkASN, "1.1.1.1", value, 0))

	got, tier, err := h.Get(context.Background(), ServiceBulkASN, "1.1.1.1")
	require.NoError(t, err)
	require.Equal(t, TierL1, tier)
	require.JSONEq(t, string(value), string(got))

	// The write went through to the durable tiers too.
	require.Equal(t, 1, row.puts)
	require.Equal(t, 90*day, row.ttls["bulk_asn/1.1.1.1"])
}

func TestHierarchy_RowStoreHitBackfillsMemory(t *testing.T) {
	t.Parallel()

	row := newFakeRowStore()
	row.entries["geoip/8.8.8.8"] = []byte(`{"country":"US"}`)
	h := newTestHierarchy(t, row, "")

	_, tier, err := h.Get(context.Background(), ServiceGeoIP, "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, TierL2, tier)

	_, tier, err = h.Get(context.Background(), ServiceGeoIP, "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, TierL1, tier)
	require.Equal(t, 1, row.gets)
}

func TestHierarchy_DiskHitBackfillsUpperTiers(t *testing.T) {
	t.Parallel()

	row := newFakeRowStore()
	dir := t.TempDir()

	// Seed only the disk tier, as a prior process would have left it.
	seed := newTestHierarchy(t, nil, dir)
	require.NoError(t, seed.Put(context.Background(), ServiceScanner, "203.0.113.9", []byte(`{"ports":[22]}`), 0))

	h := newTestHierarchy(t, row, dir)
	value, tier, err := h.Get(context.Background(), ServiceScanner, "203.0.113.9")
	require.NoError(t, err)
	require.Equal(t, TierL3, tier)
	require.JSONEq(t, `{"ports":[22]}`, string(value))

	// Backfilled into the row store and memory.
	require.Equal(t, []byte(`{"ports":[22]}`), row.entries["scanner/203.0.113.9"])
	_, tier, err = h.Get(context.Background(), ServiceScanner, "203.0.113.9")
	require.NoError(t, err)
	require.Equal(t, TierL1, tier)
}

func TestHierarchy_MissReturnsErrNotCached(t *testing.T) {
	t.Parallel()

	h := newTestHierarchy(t, newFakeRowStore(), t.TempDir())

	_, _, err := h.Get(context.Background(), ServiceGeoIP, "198.51.100.1")
	require.ErrorIs(t, err, ErrNotCached)
}

func TestHierarchy_RowStoreFailureFallsThroughToDisk(t *testing.T) {
	t.Parallel()

	row := newFakeRowStore()
	dir := t.TempDir()
	h := newTestHierarchy(t, row, dir)

	require.NoError(t, h.Put(context.Background(), ServiceBulkASN, "1.1.1.1", []byte(`{"asn":13335}`), 0))
	row.fail = true

	// Fresh hierarchy so the memory tier is cold; the read must survive the
	// broken row store and land on disk.
	cold := newTestHierarchy(t, row, dir)
	value, tier, err := cold.Get(context.Background(), ServiceBulkASN, "1.1.1.1")
	require.NoError(t, err)
	require.Equal(t, TierL3, tier)
	require.JSONEq(t, `{"asn":13335}`, string(value))
}

func TestHierarchy_PutSurvivesTierFailure(t *testing.T) {
	t.Parallel()

	row := newFakeRowStore()
	row.fail = true
	h := newTestHierarchy(t, row, t.TempDir())

	err := h.Put(context.Background(), ServiceGeoIP, "8.8.8.8", []byte(`{"country":"US"}`), 0)
	require.Error(t, err)

	// Memory and disk still took the write.
	_, tier, getErr := h.Get(context.Background(), ServiceGeoIP, "8.8.8.8")
	require.NoError(t, getErr)
	require.Equal(t, TierL1, tier)
}

func TestHierarchy_TTLHintOnlyShortens(t *testing.T) {
	t.Parallel()

	row := newFakeRowStore()
	h := newTestHierarchy(t, row, "")

	require.NoError(t, h.Put(context.Background(), ServiceGeoIP, "a", []byte(`1`), time.Minute))
	require.Equal(t, time.Minute, row.ttls["geoip/a"])

	require.NoError(t, h.Put(context.Background(), ServiceGeoIP, "b", []byte(`1`), 365*day))
	require.Equal(t, 30*day, row.ttls["geoip/b"])
}

func TestDiskCache_ExpiredEntryIsAMiss(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	disk, err := NewDiskCache(t.TempDir(), clock)
	require.NoError(t, err)

	require.NoError(t, disk.Put(ServiceScanner, "203.0.113.9", []byte(`{}`), time.Hour))

	_, ok, err := disk.Get(ServiceScanner, "203.0.113.9")
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(2 * time.Hour)
	_, ok, err = disk.Get(ServiceScanner, "203.0.113.9")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDiskCache_CorruptEntryIsAMiss(t *testing.T) {
	t.Parallel()

	disk, err := NewDiskCache(t.TempDir(), clockwork.NewFakeClock())
	require.NoError(t, err)

	require.NoError(t, disk.Put(ServiceGeoIP, "8.8.8.8", []byte(`{}`), time.Hour))
	require.NoError(t, os.WriteFile(disk.Path(ServiceGeoIP, "8.8.8.8"), []byte("not json"), 0o644))

	_, ok, err := disk.Get(ServiceGeoIP, "8.8.8.8")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPolicyFor_UnknownServiceGetsDefault(t *testing.T) {
	t.Parallel()

	p := PolicyFor("something_new")
	require.Equal(t, defaultPolicy, p)
}
