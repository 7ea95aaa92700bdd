package enrich

import (
	"context"
	"net"
	"net/netip"
	"runtime"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/meridianlabs/trapline/internal/cache"
)

// Result pairs one address with its cascade outcome.
type Result struct {
	IP         string
	Enrichment *Enrichment
	Err        error
}

// workerCap bounds batch concurrency. The scanner budget term keeps a large
// backfill from draining the day's quota in one burst.
func workerCap(configured, scannerRemaining int) int {
	limit := 1 + runtime.NumCPU()
	if configured > 0 && configured < limit {
		limit = configured
	}
	if budgetCap := scannerRemaining / 100; budgetCap >= 1 && budgetCap < limit {
		limit = budgetCap
	}
	return max(limit, 1)
}

// EnrichBatch runs the cascade over a set of addresses with bounded
// concurrency and persists each result to the inventory. Addresses needing
// a network ASN are resolved through the bulk service in chunks up front,
// from a single goroutine, so workers then answer from cache and the port-43
// peer sees one well-formed bulk conversation instead of a fan-out.
func (e *Enricher) EnrichBatch(ctx context.Context, ips []string, contexts map[string]*SessionContext, configuredCap int) []Result {
	e.prefetchBulkASN(ctx, ips)

	remaining := 0
	if e.cfg.Scanner != nil {
		remaining = e.cfg.Scanner.Remaining()
	}
	pool := pond.NewResultPool[Result](workerCap(configuredCap, remaining))
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	for _, ip := range ips {
		group.SubmitErr(func() (Result, error) {
			enr, err := e.EnrichIP(ctx, ip, contexts[ip])
			if err == nil {
				err = e.Persist(ctx, enr)
			}
			return Result{IP: ip, Enrichment: enr, Err: err}, nil
		})
	}

	results, err := group.Wait()
	if err != nil {
		e.log.Error("enrich: batch group failed", "error", err)
	}
	return results
}

// prefetchBulkASN warms the bulk ASN cache for every address the cascade
// would otherwise look up one at a time.
func (e *Enricher) prefetchBulkASN(ctx context.Context, ips []string) {
	if e.cfg.Bulk == nil {
		return
	}

	var need []string
	for _, ip := range ips {
		addr, err := netip.ParseAddr(ip)
		if err != nil || isBogon(addr.Unmap()) {
			continue
		}
		key := addr.Unmap().String()
		if e.offlineHasASN(key) {
			continue
		}
		if _, _, err := e.cfg.Cache.Get(ctx, cache.ServiceBulkASN, key); err == nil {
			continue
		}
		need = append(need, key)
	}
	if len(need) == 0 {
		return
	}

	results, err := e.cfg.Bulk.Lookup(ctx, need)
	if err != nil {
		e.log.Warn("enrich: bulk asn prefetch failed", "ips", len(need), "error", err)
		return
	}
	for ip, rec := range results {
		e.toCache(ctx, cache.ServiceBulkASN, ip, BulkASNData{
			ASN:       int64(rec.ASN),
			ASName:    rec.ASName,
			BGPPrefix: rec.BGPPrefix,
			Country:   rec.CountryCode,
			Registry:  rec.Registry,
			Allocated: rec.Allocated,
		})
	}
}

func (e *Enricher) offlineHasASN(ip string) bool {
	if e.cfg.Geo == nil {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	rec := e.cfg.Geo.Resolve(net.IP(addr.Unmap().AsSlice()))
	return rec != nil && rec.ASN != 0
}

// StaleSource selects addresses whose enrichment is due for a refresh.
type StaleSource interface {
	StaleIPs(ctx context.Context, scannerMaxAge, networkMaxAge time.Duration, limit int) ([]string, error)
}

const (
	// Scanner data goes stale after a week, any network-sourced data
	// after ninety days. Offline data is governed by database file age,
	// not per address.
	ScannerMaxAge = 7 * 24 * time.Hour
	NetworkMaxAge = 90 * 24 * time.Hour
)

// RefreshStale re-enriches up to limit stale addresses. Stale passes carry
// no session context, so the scanner tier is not consulted and the pass
// spends no scanner budget.
func (e *Enricher) RefreshStale(ctx context.Context, src StaleSource, limit, configuredCap int) ([]Result, error) {
	ips, err := src.StaleIPs(ctx, ScannerMaxAge, NetworkMaxAge, limit)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, nil
	}
	e.log.Info("enrich: refreshing stale addresses", "count", len(ips))
	return e.EnrichBatch(ctx, ips, nil, configuredCap), nil
}
