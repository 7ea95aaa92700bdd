// Package scanner is the selective HTTP tier of the enrichment cascade. It
// queries an internet-scanner API for per-host detail and enforces a hard
// daily request budget so a burst of sessions cannot exhaust the plan quota.
package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	DefaultDailyBudget    = 1000
	DefaultRequestTimeout = 10 * time.Second
	DefaultRatePerSecond  = 1
)

// ErrBudgetExhausted is returned once the UTC-day budget is spent. Callers
// treat it as a skip, not a failure.
var ErrBudgetExhausted = errors.New("scanner daily budget exhausted")

// Host is the subset of the scanner response the cascade keeps.
type Host struct {
	IP        string    `json:"ip"`
	Ports     []int     `json:"ports"`
	Tags      []string  `json:"tags"`
	CPEs      []string  `json:"cpes"`
	Hostnames []string  `json:"hostnames"`
	OS        string    `json:"os"`
	ASN       string    `json:"asn"`
	Org       string    `json:"org"`
	ISP       string    `json:"isp"`
	Country   string    `json:"country_code"`
	LastSeen  time.Time `json:"last_update"`
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	BaseURL string
	APIKey  string

	DailyBudget    int
	RatePerSecond  float64
	RequestTimeout time.Duration

	HTTPClient *http.Client
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base url is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api key is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.DailyBudget <= 0 {
		c.DailyBudget = DefaultDailyBudget
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = DefaultRatePerSecond
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return nil
}

type Client struct {
	log     *slog.Logger
	clock   clockwork.Clock
	cfg     Config
	limiter *rate.Limiter

	mu        sync.Mutex
	budgetDay time.Time
	spent     int
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate scanner config: %w", err)
	}
	return &Client{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
	}, nil
}

// Remaining reports how many lookups are left in the current UTC day.
func (c *Client) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if day := c.clock.Now().UTC().Truncate(24 * time.Hour); !day.Equal(c.budgetDay) {
		return c.cfg.DailyBudget
	}
	return c.cfg.DailyBudget - c.spent
}

// reserve takes one unit of budget, resetting the counter when the UTC day
// rolls over. The unit is taken before the request goes out; a failed
// request still counts, matching how the upstream meters quota.
func (c *Client) reserve() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	day := c.clock.Now().UTC().Truncate(24 * time.Hour)
	if !day.Equal(c.budgetDay) {
		c.budgetDay = day
		c.spent = 0
	}
	if c.spent >= c.cfg.DailyBudget {
		return ErrBudgetExhausted
	}
	c.spent++
	return nil
}

// LookupHost fetches scanner detail for one address. It returns
// ErrBudgetExhausted without touching the network once the day's budget is
// spent, and (nil, nil) when the scanner has never seen the address.
func (c *Client) LookupHost(ctx context.Context, ip string) (*Host, error) {
	if err := c.reserve(); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/hosts/%s", c.cfg.BaseURL, url.PathEscape(ip))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build scanner request: %w", err)
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scanner request failed for %s: %w", ip, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("scanner rate limited request for %s", ip)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("scanner returned %d for %s: %s", resp.StatusCode, ip, string(body))
	}

	var host Host
	if err := json.NewDecoder(resp.Body).Decode(&host); err != nil {
		return nil, fmt.Errorf("failed to decode scanner response for %s: %w", ip, err)
	}
	if host.IP == "" {
		host.IP = ip
	}
	return &host, nil
}
