package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/meridianlabs/trapline/internal/cache"
	"github.com/meridianlabs/trapline/internal/classify"
	"github.com/meridianlabs/trapline/internal/enrich/bulkasn"
	"github.com/meridianlabs/trapline/internal/enrich/geoip"
	"github.com/meridianlabs/trapline/internal/enrich/scanner"
	"github.com/meridianlabs/trapline/internal/metrics"
	"github.com/meridianlabs/trapline/internal/store"
)

// ErrNoSourceSucceeded means every configured source failed for a
// non-bogon address. The partial document is still returned so the caller
// can keep the provenance.
var ErrNoSourceSucceeded = errors.New("no enrichment source succeeded")

// Narrow views of the source clients. The enricher only needs these.
type (
	GeoResolver interface {
		Resolve(ip net.IP) *geoip.Record
	}
	BulkResolver interface {
		Lookup(ctx context.Context, ips []string) (map[string]bulkasn.Record, error)
	}
	ScannerClient interface {
		LookupHost(ctx context.Context, ip string) (*scanner.Host, error)
		Remaining() int
	}
	IPClassifier interface {
		Classify(addr netip.Addr, asnOrg string) classify.Classification
	}
	Cache interface {
		Get(ctx context.Context, service, key string) ([]byte, cache.Tier, error)
		Put(ctx context.Context, service, key string, value []byte, ttlHint time.Duration) error
	}
	InventoryWriter interface {
		UpsertEnrichment(ctx context.Context, up store.IPUpsert) error
	}
)

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Metrics *metrics.EnricherMetrics

	// Sources. Offline and classifier are expected in every deployment;
	// bulk and scanner degrade to skips when absent.
	Geo        GeoResolver
	Bulk       BulkResolver
	Scanner    ScannerClient
	Classifier IPClassifier

	Cache     Cache
	Inventory InventoryWriter
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Classifier == nil {
		return fmt.Errorf("classifier is required")
	}
	if c.Cache == nil {
		return fmt.Errorf("cache is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Enricher struct {
	log     *slog.Logger
	clock   clockwork.Clock
	metrics *metrics.EnricherMetrics
	cfg     Config
}

func New(cfg Config) (*Enricher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate enricher config: %w", err)
	}
	return &Enricher{log: cfg.Logger, clock: cfg.Clock, metrics: cfg.Metrics, cfg: cfg}, nil
}

// bogonPrefixes are address ranges that can never be a routable attacker:
// RFC1918, loopback, link-local, CGNAT, multicast and broadcast.
var bogonPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("255.255.255.255/32"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("ff00::/8"),
}

func isBogon(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range bogonPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// EnrichIP runs the full cascade for one address. sessCtx may be nil; the
// scanner tier is then not considered. The returned document is non-nil
// even on error so provenance survives total source failure.
func (e *Enricher) EnrichIP(ctx context.Context, ip string, sessCtx *SessionContext) (*Enrichment, error) {
	start := e.clock.Now()
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("invalid ip %q: %w", ip, err)
	}
	addr = addr.Unmap()

	enr := &Enrichment{IP: addr.String(), Meta: newMeta()}
	defer func() {
		enr.Meta.TotalDurationMS = e.clock.Since(start).Milliseconds()
		enr.Meta.Timestamp = e.clock.Now().UTC()
		if e.metrics != nil {
			e.metrics.IPsEnriched.Inc()
			e.metrics.EnrichmentDuration.Observe(e.clock.Since(start).Seconds())
		}
	}()

	if isBogon(addr) {
		enr.Validation.IsBogon = true
		return enr, nil
	}

	e.runOffline(ctx, enr, addr)
	e.runBulkASN(ctx, enr, addr)
	e.runClassification(enr, addr)
	e.runScanner(ctx, enr, addr, sessCtx)

	if len(enr.Meta.SourcesSucceeded) == 0 {
		return enr, fmt.Errorf("%w for %s", ErrNoSourceSucceeded, addr)
	}
	return enr, nil
}

func (e *Enricher) runOffline(ctx context.Context, enr *Enrichment, addr netip.Addr) {
	if e.cfg.Geo == nil {
		enr.Meta.attempted(SourceOffline)
		enr.Meta.skipped(SourceOffline, ReasonNotConfigured)
		e.skip(SourceOffline)
		return
	}
	enr.Meta.attempted(SourceOffline)

	var data OfflineData
	if e.fromCache(ctx, cache.ServiceGeoIP, SourceOffline, addr.String(), enr, &data) {
		enr.Offline = &data
		enr.Meta.succeeded(SourceOffline)
		e.success(SourceOffline)
		return
	}

	rec := e.cfg.Geo.Resolve(net.IP(addr.AsSlice()))
	if rec == nil {
		enr.Meta.failed(SourceOffline, ReasonNoData)
		e.fail(SourceOffline)
		e.log.Warn("enrich: offline lookup returned nothing", "ip", addr.String())
		return
	}

	data = OfflineData{
		Country:     rec.CountryCode,
		CountryName: rec.Country,
		Region:      rec.Region,
		City:        rec.City,
		Latitude:    rec.Latitude,
		Longitude:   rec.Longitude,
		TimeZone:    rec.TimeZone,
		ASName:      rec.ASNOrg,
		IsAnonProxy: rec.IsAnonymousProxy,
	}
	if rec.ASN != 0 {
		asn := int64(rec.ASN)
		data.ASN = &asn
	}
	enr.Offline = &data
	enr.Meta.succeeded(SourceOffline)
	enr.Meta.cacheHit(SourceOffline, string(cache.TierOrigin))
	e.success(SourceOffline)
	e.toCache(ctx, cache.ServiceGeoIP, addr.String(), data)
}

// runBulkASN consults the network bulk service only when the offline tier
// produced no ASN for the address.
func (e *Enricher) runBulkASN(ctx context.Context, enr *Enrichment, addr netip.Addr) {
	if enr.Offline != nil && enr.Offline.ASN != nil {
		enr.Meta.attempted(SourceBulkASN)
		enr.Meta.skipped(SourceBulkASN, ReasonOfflineASN)
		e.skip(SourceBulkASN)
		return
	}
	if e.cfg.Bulk == nil {
		enr.Meta.attempted(SourceBulkASN)
		enr.Meta.skipped(SourceBulkASN, ReasonNotConfigured)
		e.skip(SourceBulkASN)
		return
	}
	enr.Meta.attempted(SourceBulkASN)

	var data BulkASNData
	if e.fromCache(ctx, cache.ServiceBulkASN, SourceBulkASN, addr.String(), enr, &data) {
		enr.BulkASN = &data
		enr.Meta.succeeded(SourceBulkASN)
		e.success(SourceBulkASN)
		return
	}

	results, err := e.cfg.Bulk.Lookup(ctx, []string{addr.String()})
	if err != nil {
		enr.Meta.failed(SourceBulkASN, err.Error())
		e.fail(SourceBulkASN)
		return
	}
	rec, ok := results[addr.String()]
	if !ok {
		enr.Meta.failed(SourceBulkASN, ReasonNoData)
		e.fail(SourceBulkASN)
		return
	}

	data = BulkASNData{
		ASN:       int64(rec.ASN),
		ASName:    rec.ASName,
		BGPPrefix: rec.BGPPrefix,
		Country:   rec.CountryCode,
		Registry:  rec.Registry,
		Allocated: rec.Allocated,
	}
	enr.BulkASN = &data
	enr.Meta.succeeded(SourceBulkASN)
	enr.Meta.cacheHit(SourceBulkASN, string(cache.TierOrigin))
	e.success(SourceBulkASN)
	e.toCache(ctx, cache.ServiceBulkASN, addr.String(), data)
}

// runClassification folds the classifier verdict in. It consumes reference
// data already in memory, so it is not tracked as an external source.
func (e *Enricher) runClassification(enr *Enrichment, addr netip.Addr) {
	verdict := e.cfg.Classifier.Classify(addr, enr.ASName())
	enr.Classification = &IPClassification{
		Type:       string(verdict.IPType),
		Provider:   verdict.Provider,
		Confidence: verdict.Confidence,
		Source:     verdict.Source,
		Tags:       verdict.Tags,
	}
}

func (e *Enricher) runScanner(ctx context.Context, enr *Enrichment, addr netip.Addr, sessCtx *SessionContext) {
	if e.cfg.Scanner == nil {
		return
	}
	if !sessCtx.PassesActivityFilter() {
		if sessCtx != nil {
			enr.Meta.attempted(SourceScanner)
			enr.Meta.skipped(SourceScanner, ReasonActivityFilter)
			e.skip(SourceScanner)
		}
		return
	}
	enr.Meta.attempted(SourceScanner)

	var data ScannerData
	if e.fromCache(ctx, cache.ServiceScanner, SourceScanner, addr.String(), enr, &data) {
		enr.Scanner = &data
		enr.Meta.succeeded(SourceScanner)
		e.success(SourceScanner)
		return
	}

	host, err := e.cfg.Scanner.LookupHost(ctx, addr.String())
	if e.metrics != nil {
		e.metrics.ScannerBudget.Set(float64(e.cfg.Scanner.Remaining()))
	}
	switch {
	case errors.Is(err, scanner.ErrBudgetExhausted):
		enr.Meta.skipped(SourceScanner, ReasonQuotaExhausted)
		e.skip(SourceScanner)
		return
	case err != nil:
		enr.Meta.failed(SourceScanner, err.Error())
		e.fail(SourceScanner)
		return
	case host == nil:
		enr.Meta.failed(SourceScanner, ReasonNoData)
		e.fail(SourceScanner)
		return
	}

	data = ScannerData{
		Ports:     host.Ports,
		Tags:      host.Tags,
		CPEs:      host.CPEs,
		Hostnames: host.Hostnames,
		OS:        host.OS,
		Org:       host.Org,
		ISP:       host.ISP,
		LastSeen:  host.LastSeen,
	}
	enr.Scanner = &data
	enr.Meta.succeeded(SourceScanner)
	enr.Meta.cacheHit(SourceScanner, string(cache.TierOrigin))
	e.success(SourceScanner)
	e.toCache(ctx, cache.ServiceScanner, addr.String(), data)
}

// fromCache tries the cache hierarchy for one source, recording the tier in
// provenance on a hit. Decode failures count as misses.
func (e *Enricher) fromCache(ctx context.Context, service, source, key string, enr *Enrichment, out any) bool {
	value, tier, err := e.cfg.Cache.Get(ctx, service, key)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(value, out); err != nil {
		e.log.Debug("enrich: discarding undecodable cache entry",
			"service", service, "key", key, "error", err)
		return false
	}
	enr.Meta.cacheHit(source, string(tier))
	if e.metrics != nil {
		e.metrics.CacheHits.WithLabelValues(source, string(tier)).Inc()
	}
	return true
}

func (e *Enricher) toCache(ctx context.Context, service, key string, value any) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := e.cfg.Cache.Put(ctx, service, key, encoded, 0); err != nil {
		e.log.Debug("enrich: cache write failed", "service", service, "key", key, "error", err)
	}
}

// Persist writes an enrichment document to the IP inventory.
func (e *Enricher) Persist(ctx context.Context, enr *Enrichment) error {
	if e.cfg.Inventory == nil {
		return nil
	}
	doc, err := json.Marshal(enr)
	if err != nil {
		return fmt.Errorf("failed to encode enrichment for %s: %w", enr.IP, err)
	}
	var asName *string
	if name := enr.ASName(); name != "" {
		asName = &name
	}
	return e.cfg.Inventory.UpsertEnrichment(ctx, store.IPUpsert{
		IPAddress:  enr.IP,
		ASN:        enr.ASN(),
		ASName:     asName,
		Enrichment: doc,
		IPTypes:    enr.Tags(),
		ObservedAt: enr.Meta.Timestamp,
	})
}

func (e *Enricher) success(source string) {
	if e.metrics != nil {
		e.metrics.SourceSuccess.WithLabelValues(source).Inc()
	}
}

func (e *Enricher) fail(source string) {
	if e.metrics != nil {
		e.metrics.SourceFailure.WithLabelValues(source).Inc()
	}
}

func (e *Enricher) skip(source string) {
	if e.metrics != nil {
		e.metrics.SourceSkipped.WithLabelValues(source).Inc()
	}
}
