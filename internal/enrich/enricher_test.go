package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/trapline/internal/cache"
	"github.com/meridianlabs/trapline/internal/classify"
	"github.com/meridianlabs/trapline/internal/enrich/bulkasn"
	"github.com/meridianlabs/trapline/internal/enrich/geoip"
	"github.com/meridianlabs/trapline/internal/enrich/scanner"
	"github.com/meridianlabs/trapline/internal/store"
)

type fakeGeo struct {
	records map[string]*geoip.Record
	calls   int
}

func (f *fakeGeo) Resolve(ip net.IP) *geoip.Record {
	f.calls++
	return f.records[ip.String()]
}

type fakeBulk struct {
	records map[string]bulkasn.Record
	calls   int
	batches [][]string
	err     error
}

func (f *fakeBulk) Lookup(_ context.Context, ips []string) (map[string]bulkasn.Record, error) {
	f.calls++
	f.batches = append(f.batches, ips)
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]bulkasn.Record{}
	for _, ip := range ips {
		if rec, ok := f.records[ip]; ok {
			out[ip] = rec
		}
	}
	return out, nil
}

type fakeScanner struct {
	hosts     map[string]*scanner.Host
	calls     int
	remaining int
}

func (f *fakeScanner) LookupHost(_ context.Context, ip string) (*scanner.Host, error) {
	if f.remaining <= 0 {
		return nil, scanner.ErrBudgetExhausted
	}
	f.calls++
	f.remaining--
	return f.hosts[ip], nil
}

func (f *fakeScanner) Remaining() int { return f.remaining }

type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemCache() *memCache { return &memCache{entries: map[string][]byte{}} }

func (m *memCache) Get(_ context.Context, service, key string) ([]byte, cache.Tier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.entries[service+"/"+key]; ok {
		return v, cache.TierL1, nil
	}
	return nil, "", cache.ErrNotCached
}

func (m *memCache) Put(_ context.Context, service, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[service+"/"+key] = value
	return nil
}

type fakeInventory struct {
	mu      sync.Mutex
	upserts []store.IPUpsert
}

func (f *fakeInventory) UpsertEnrichment(_ context.Context, up store.IPUpsert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, up)
	return nil
}

func passiveClassifier(t *testing.T) *classify.Classifier {
	t.Helper()
	c, err := classify.New(classify.Config{
		Logger: slog.New(slog.DiscardHandler),
		Clock:  clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return c
}

type deps struct {
	geo       *fakeGeo
	bulk      *fakeBulk
	scanner   *fakeScanner
	cache     *memCache
	inventory *fakeInventory
}

func newTestEnricher(t *testing.T) (*Enricher, *deps) {
	t.Helper()

	d := &deps{
		geo:       &fakeGeo{records: map[string]*geoip.Record{}},
		bulk:      &fakeBulk{records: map[string]bulkasn.Record{}},
		scanner:   &fakeScanner{hosts: map[string]*scanner.Host{}, remaining: 100},
		cache:     newMemCache(),
		inventory: &fakeInventory{},
	}
	e, err := New(Config{
		Logger:     slog.New(slog.DiscardHandler),
		Clock:      clockwork.NewFakeClock(),
		Geo:        d.geo,
		Bulk:       d.bulk,
		Scanner:    d.scanner,
		Classifier: passiveClassifier(t),
		Cache:      d.cache,
		Inventory:  d.inventory,
	})
	require.NoError(t, err)
	return e, d
}

func asn(v int64) *int64 { return &v }

func TestEnrichIP_BogonShortCircuit(t *testing.T) {
	t.Parallel()

	e, d := newTestEnricher(t)

	enr, err := e.EnrichIP(context.Background(), "10.0.0.5", nil)
	require.NoError(t, err)
	require.True(t, enr.Validation.IsBogon)

	// Lists are present and empty, and nothing external was touched.
	require.NotNil(t, enr.Meta.SourcesAttempted)
	require.Empty(t, enr.Meta.SourcesAttempted)
	require.Empty(t, enr.Meta.SourcesSucceeded)
	require.Empty(t, enr.Meta.SourcesFailed)
	require.Empty(t, enr.Meta.SourcesSkipped)
	require.Zero(t, d.geo.calls)
	require.Zero(t, d.bulk.calls)
	require.Zero(t, d.scanner.calls)

	doc, err := json.Marshal(enr)
	require.NoError(t, err)
	require.Contains(t, string(doc), `"sources_attempted":[]`)
}

func TestEnrichIP_FallsBackToBulkASN(t *testing.T) {
	t.Parallel()

	e, d := newTestEnricher(t)
	d.geo.records["192.0.2.1"] = &geoip.Record{CountryCode: "US", Country: "United States"}
	d.bulk.records["192.0.2.1"] = bulkasn.Record{IP: "192.0.2.1", ASN: 64500, ASName: "EXAMPLE"}

	enr, err := e.EnrichIP(context.Background(), "192.0.2.1", nil)
	require.NoError(t, err)

	require.Equal(t, asn(64500), enr.ASN())
	require.Equal(t, "EXAMPLE", enr.ASName())
	require.Equal(t, "US", enr.Country())
	require.Equal(t, []string{SourceOffline, SourceBulkASN}, enr.Meta.SourcesSucceeded)
}

func TestEnrichIP_BulkSkippedWhenOfflineHasASN(t *testing.T) {
	t.Parallel()

	e, d := newTestEnricher(t)
	d.geo.records["192.0.2.1"] = &geoip.Record{CountryCode: "US", ASN: 13335, ASNOrg: "CLOUDFLARENET"}

	enr, err := e.EnrichIP(context.Background(), "192.0.2.1", nil)
	require.NoError(t, err)

	require.Zero(t, d.bulk.calls)
	require.Contains(t, enr.Meta.SourcesSkipped, SourceBulkASN)
	require.Equal(t, ReasonOfflineASN, enr.Meta.SkipReasons[SourceBulkASN])
	require.Equal(t, asn(13335), enr.ASN())
}

func TestEnrichIP_ScannerQuotaExhausted(t *testing.T) {
	t.Parallel()

	e, d := newTestEnricher(t)
	d.geo.records["192.0.2.1"] = &geoip.Record{CountryCode: "US", ASN: 64500}
	d.scanner.remaining = 0

	active := &SessionContext{CommandCount: 25}
	enr, err := e.EnrichIP(context.Background(), "192.0.2.1", active)
	require.NoError(t, err)

	require.Nil(t, enr.Scanner)
	require.Contains(t, enr.Meta.SourcesSkipped, SourceScanner)
	require.Equal(t, ReasonQuotaExhausted, enr.Meta.SkipReasons[SourceScanner])
	require.Zero(t, d.scanner.calls)
}

func TestEnrichIP_ActivityFilterGatesScanner(t *testing.T) {
	t.Parallel()

	e, d := newTestEnricher(t)
	d.geo.records["192.0.2.1"] = &geoip.Record{CountryCode: "US", ASN: 64500}
	d.scanner.hosts["192.0.2.1"] = &scanner.Host{IP: "192.0.2.1", Ports: []int{22}}

	// Quiet session: scanner skipped.
	quiet := &SessionContext{CommandCount: 2, DurationSeconds: 12}
	enr, err := e.EnrichIP(context.Background(), "192.0.2.1", quiet)
	require.NoError(t, err)
	require.Nil(t, enr.Scanner)
	require.Equal(t, ReasonActivityFilter, enr.Meta.SkipReasons[SourceScanner])
	require.Zero(t, d.scanner.calls)

	// No session at all: scanner not even considered.
	enr, err = e.EnrichIP(context.Background(), "192.0.2.1", nil)
	require.NoError(t, err)
	require.NotContains(t, enr.Meta.SourcesAttempted, SourceScanner)

	// Long interactive session: scanner consulted.
	active := &SessionContext{CommandCount: 40, DurationSeconds: 900}
	enr, err = e.EnrichIP(context.Background(), "192.0.2.1", active)
	require.NoError(t, err)
	require.NotNil(t, enr.Scanner)
	require.Equal(t, []int{22}, enr.Scanner.Ports)
	require.Equal(t, 1, d.scanner.calls)
}

func TestEnrichIP_CacheHitSkipsOrigin(t *testing.T) {
	t.Parallel()

	e, d := newTestEnricher(t)
	d.geo.records["192.0.2.1"] = &geoip.Record{CountryCode: "US", ASN: 64500}

	_, err := e.EnrichIP(context.Background(), "192.0.2.1", nil)
	require.NoError(t, err)
	require.Equal(t, 1, d.geo.calls)

	enr, err := e.EnrichIP(context.Background(), "192.0.2.1", nil)
	require.NoError(t, err)
	require.Equal(t, 1, d.geo.calls)
	require.Equal(t, "L1", enr.Meta.CacheHits[SourceOffline])
	require.Equal(t, "US", enr.Country())
}

func TestEnrichIP_AllSourcesFailed(t *testing.T) {
	t.Parallel()

	e, d := newTestEnricher(t)
	d.bulk.err = errors.New("connection refused")

	enr, err := e.EnrichIP(context.Background(), "198.51.100.77", nil)
	require.ErrorIs(t, err, ErrNoSourceSucceeded)
	require.NotNil(t, enr)
	require.Contains(t, enr.Meta.SourcesFailed, SourceOffline)
	require.Contains(t, enr.Meta.SourcesFailed, SourceBulkASN)
}

func TestEnrichIP_ProvenancePartition(t *testing.T) {
	t.Parallel()

	e, d := newTestEnricher(t)
	d.geo.records["192.0.2.1"] = &geoip.Record{CountryCode: "US"}
	d.bulk.err = errors.New("timeout")

	enr, err := e.EnrichIP(context.Background(), "192.0.2.1", &SessionContext{VTFlagged: true})
	require.NoError(t, err)

	attempted := map[string]bool{}
	for _, s := range enr.Meta.SourcesAttempted {
		attempted[s] = true
	}
	for _, s := range enr.Meta.SourcesSucceeded {
		require.True(t, attempted[s], "succeeded source %s not in attempted", s)
	}
	for _, s := range enr.Meta.SourcesFailed {
		require.True(t, attempted[s], "failed source %s not in attempted", s)
	}
	for _, s := range enr.Meta.SourcesSkipped {
		require.True(t, attempted[s], "skipped source %s not in attempted", s)
	}
}

func TestPersist_WritesInventory(t *testing.T) {
	t.Parallel()

	e, d := newTestEnricher(t)
	d.geo.records["192.0.2.1"] = &geoip.Record{CountryCode: "US", ASN: 64500, ASNOrg: "EXAMPLE"}

	enr, err := e.EnrichIP(context.Background(), "192.0.2.1", nil)
	require.NoError(t, err)
	require.NoError(t, e.Persist(context.Background(), enr))

	require.Len(t, d.inventory.upserts, 1)
	up := d.inventory.upserts[0]
	require.Equal(t, "192.0.2.1", up.IPAddress)
	require.Equal(t, asn(64500), up.ASN)
	require.Equal(t, "EXAMPLE", *up.ASName)

	var doc Enrichment
	require.NoError(t, json.Unmarshal(up.Enrichment, &doc))
	require.Equal(t, "US", doc.Offline.Country)
	require.NotNil(t, doc.Meta)
}

func TestSessionContext_ActivityFilter(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ctx  *SessionContext
		want bool
	}{
		{"nil", nil, false},
		{"quiet scan", &SessionContext{CommandCount: 1, DurationSeconds: 3}, false},
		{"many commands", &SessionContext{CommandCount: 10}, true},
		{"downloads", &SessionContext{FileDownloads: 5}, true},
		{"vt flagged", &SessionContext{VTFlagged: true}, true},
		{"long session", &SessionContext{DurationSeconds: 300}, true},
		{"just under", &SessionContext{CommandCount: 9, FileDownloads: 4, DurationSeconds: 299}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, tc.ctx.PassesActivityFilter())
		})
	}
}
