package classify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/meridianlabs/trapline/internal/metrics"
)

const (
	DefaultTorInterval         = time.Hour
	DefaultCloudInterval       = 24 * time.Hour
	DefaultDCInterval          = 7 * 24 * time.Hour
	DefaultResidentialInterval = 7 * 24 * time.Hour

	refreshTick     = time.Minute
	fetchMaxRetries = 3
	maxFeedBytes    = 32 << 20
)

// FeedConfig names one upstream reference feed.
type FeedConfig struct {
	URL      string
	Interval time.Duration
}

type RefresherConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Metrics *metrics.ClassifierMetrics

	// CacheDir keeps the last good copy of each feed so restarts and
	// upstream outages reuse known data instead of classifying blind.
	CacheDir string

	TorExits    FeedConfig
	CloudRanges FeedConfig
	DCRanges    FeedConfig
	Residential FeedConfig

	HTTPClient *http.Client
}

func (c *RefresherConfig) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache dir is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TorExits.Interval == 0 {
		c.TorExits.Interval = DefaultTorInterval
	}
	if c.CloudRanges.Interval == 0 {
		c.CloudRanges.Interval = DefaultCloudInterval
	}
	if c.DCRanges.Interval == 0 {
		c.DCRanges.Interval = DefaultDCInterval
	}
	if c.Residential.Interval == 0 {
		c.Residential.Interval = DefaultResidentialInterval
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return nil
}

type feed struct {
	name     string
	cfg      FeedConfig
	apply    func(set *ReferenceSet, data []byte) error
	lastGood time.Time
}

// Refresher keeps a Classifier's reference snapshot current. Each feed has
// its own refresh interval; any feed refresh rebuilds and swaps the full
// snapshot from the newest data of every feed.
type Refresher struct {
	log        *slog.Logger
	clock      clockwork.Clock
	metrics    *metrics.ClassifierMetrics
	cacheDir   string
	httpClient *http.Client

	classifier *Classifier
	feeds      []*feed
}

func NewRefresher(cfg RefresherConfig, classifier *Classifier) (*Refresher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate refresher config: %w", err)
	}
	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create reference cache dir: %w", err)
	}

	return &Refresher{
		log:        cfg.Logger,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		cacheDir:   cfg.CacheDir,
		httpClient: cfg.HTTPClient,
		classifier: classifier,
		feeds: []*feed{
			{name: "tor_exits", cfg: cfg.TorExits, apply: func(set *ReferenceSet, data []byte) error {
				exits, err := ParseTorExitList(data)
				if err != nil {
					return err
				}
				set.TorExits = exits
				return nil
			}},
			{name: "cloud_ranges", cfg: cfg.CloudRanges, apply: func(set *ReferenceSet, data []byte) error {
				ranges, err := ParseProviderRanges(data, "")
				if err != nil {
					return err
				}
				set.CloudRanges = ranges
				return nil
			}},
			{name: "datacenter_ranges", cfg: cfg.DCRanges, apply: func(set *ReferenceSet, data []byte) error {
				ranges, err := ParseProviderRanges(data, "")
				if err != nil {
					return err
				}
				set.DCRanges = ranges
				return nil
			}},
			{name: "residential_patterns", cfg: cfg.Residential, apply: func(set *ReferenceSet, data []byte) error {
				include, exclude, err := CompileResidentialPatterns(data)
				if err != nil {
					return err
				}
				set.Residential = include
				set.ResidentialExclude = exclude
				return nil
			}},
		},
	}, nil
}

// Run refreshes everything once, then keeps each feed on its schedule until
// ctx is done. The initial refresh tolerates partial failure as long as the
// cache can cover the missing feeds.
func (r *Refresher) Run(ctx context.Context) error {
	if err := r.RefreshAll(ctx); err != nil {
		return err
	}

	ticker := r.clock.NewTicker(refreshTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			r.refreshDue(ctx)
		}
	}
}

// RefreshAll loads every feed, network first with the disk cache as
// fallback, and publishes the resulting snapshot.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	now := r.clock.Now()
	for _, f := range r.feeds {
		if err := r.refreshFeed(ctx, f); err != nil {
			return fmt.Errorf("failed to load reference feed %s: %w", f.name, err)
		}
		f.lastGood = now
	}
	return r.rebuild()
}

func (r *Refresher) refreshDue(ctx context.Context) {
	now := r.clock.Now()
	var changed bool
	for _, f := range r.feeds {
		if now.Sub(f.lastGood) < f.cfg.Interval {
			continue
		}
		if err := r.refreshFeed(ctx, f); err != nil {
			r.log.Warn("classify: feed refresh failed, keeping previous data",
				"feed", f.name, "error", err)
			if r.metrics != nil {
				r.metrics.RefreshFailures.WithLabelValues(f.name).Inc()
			}
			continue
		}
		f.lastGood = now
		changed = true
	}
	if changed {
		if err := r.rebuild(); err != nil {
			r.log.Error("classify: failed to rebuild reference snapshot", "error", err)
		}
	}
	if r.metrics != nil {
		for _, f := range r.feeds {
			r.metrics.ReferenceAge.WithLabelValues(f.name).Set(now.Sub(f.lastGood).Seconds())
		}
	}
}

// refreshFeed fetches a feed into the disk cache. A feed with no URL is
// file-only and served straight from the cache dir, which is how operators
// ship hand-maintained range lists.
func (r *Refresher) refreshFeed(ctx context.Context, f *feed) error {
	if f.cfg.URL == "" {
		return nil
	}

	data, err := backoff.Retry(ctx, func() ([]byte, error) {
		return r.fetch(ctx, f.cfg.URL)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(fetchMaxRetries))
	if err != nil {
		if _, statErr := os.Stat(r.cachePath(f.name)); statErr == nil {
			r.log.Warn("classify: feed fetch failed, using cached copy", "feed", f.name, "error", err)
			return nil
		}
		return err
	}

	tmp := r.cachePath(f.name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to cache feed %s: %w", f.name, err)
	}
	return os.Rename(tmp, r.cachePath(f.name))
}

func (r *Refresher) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
}

// rebuild assembles a fresh snapshot from the cached copy of every feed and
// swaps it into the classifier.
func (r *Refresher) rebuild() error {
	set := &ReferenceSet{LoadedAt: r.clock.Now().UTC()}
	for _, f := range r.feeds {
		data, err := os.ReadFile(r.cachePath(f.name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to read cached feed %s: %w", f.name, err)
		}
		if err := f.apply(set, data); err != nil {
			return fmt.Errorf("failed to parse feed %s: %w", f.name, err)
		}
	}
	r.classifier.Swap(set)
	return nil
}

func (r *Refresher) cachePath(name string) string {
	return filepath.Join(r.cacheDir, name+".txt")
}
