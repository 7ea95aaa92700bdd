package classify

import (
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/meridianlabs/trapline/internal/metrics"
)

// Classification is the verdict for one address against one reference
// snapshot. Tags carries the full tag list for inventory; cloud matches are
// also datacenters and get a provider sub-tag.
type Classification struct {
	IPType       IPType
	Provider     string
	Confidence   float64
	Source       string
	Tags         []string
	ClassifiedAt time.Time
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Metrics *metrics.ClassifierMetrics
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Classifier struct {
	log     *slog.Logger
	clock   clockwork.Clock
	metrics *metrics.ClassifierMetrics

	current atomic.Pointer[ReferenceSet]
}

func New(cfg Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate classifier config: %w", err)
	}
	c := &Classifier{log: cfg.Logger, clock: cfg.Clock, metrics: cfg.Metrics}
	c.current.Store(&ReferenceSet{})
	return c, nil
}

// Swap publishes a new reference snapshot. Readers pick it up on their next
// classification; there is no partially-visible state.
func (c *Classifier) Swap(set *ReferenceSet) {
	c.current.Store(set)
}

// Reference returns the snapshot currently in use.
func (c *Classifier) Reference() *ReferenceSet {
	return c.current.Load()
}

// Classify runs the matchers in fixed precedence order: TOR exits beat
// cloud ranges, cloud beats plain datacenter ranges, and the residential
// ISP-name patterns apply only to addresses outside every known range.
// asnOrg is the ASN organization name from enrichment, used by the
// residential matcher; it may be empty.
func (c *Classifier) Classify(addr netip.Addr, asnOrg string) Classification {
	set := c.current.Load()
	now := c.clock.Now().UTC()
	addr = addr.Unmap()

	if _, ok := set.TorExits[addr]; ok {
		return c.verdict(Classification{
			IPType:     TypeTOR,
			Confidence: 0.95,
			Source:     "tor_exit_list",
			Tags:       []string{string(TypeTOR)},
		}, now)
	}

	if r, ok := matchRange(set.CloudRanges, addr); ok {
		return c.verdict(Classification{
			IPType:     TypeCloud,
			Provider:   r.Provider,
			Confidence: 0.99,
			Source:     "cloud_ranges",
			Tags:       []string{string(TypeCloud), string(TypeDatacenter), "CLOUD:" + r.Provider},
		}, now)
	}

	if r, ok := matchRange(set.DCRanges, addr); ok {
		tags := []string{string(TypeDatacenter)}
		if r.Provider != "" {
			tags = append(tags, "DC:"+r.Provider)
		}
		return c.verdict(Classification{
			IPType:     TypeDatacenter,
			Provider:   r.Provider,
			Confidence: 0.75,
			Source:     "datacenter_ranges",
			Tags:       tags,
		}, now)
	}

	if asnOrg != "" && !matchAny(set.ResidentialExclude, asnOrg) {
		if matchAny(set.Residential, asnOrg) {
			return c.verdict(Classification{
				IPType:     TypeResidential,
				Confidence: 0.70,
				Source:     "residential_patterns",
				Tags:       []string{string(TypeResidential)},
			}, now)
		}
	}

	return c.verdict(Classification{
		IPType:     TypeUnknown,
		Confidence: 0,
		Source:     "none",
	}, now)
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func (c *Classifier) verdict(v Classification, now time.Time) Classification {
	v.ClassifiedAt = now
	if c.metrics != nil {
		c.metrics.Classifications.WithLabelValues(v.Source).Inc()
	}
	return v
}
