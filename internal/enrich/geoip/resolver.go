// Package geoip is the offline tier of the enrichment cascade. It answers
// from local MaxMind database files and never touches the network.
package geoip

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oschwald/geoip2-golang"
)

// DefaultMaxDBAge is how old a database file can be before lookups start
// logging staleness warnings. Lookups still succeed on a stale file.
const DefaultMaxDBAge = 14 * 24 * time.Hour

type Record struct {
	IP               net.IP
	CountryCode      string
	Country          string
	Region           string
	City             string
	Latitude         float64
	Longitude        float64
	TimeZone         string
	AccuracyRadius   int
	ASN              uint
	ASNOrg           string
	IsAnonymousProxy bool
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Paths to GeoLite2 City and ASN databases. Either may be empty; the
	// resolver answers from whichever databases are present.
	CityDBPath string
	ASNDBPath  string

	MaxDBAge time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.CityDBPath == "" && c.ASNDBPath == "" {
		return fmt.Errorf("at least one of city and asn database paths is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxDBAge == 0 {
		c.MaxDBAge = DefaultMaxDBAge
	}
	return nil
}

type Resolver struct {
	log   *slog.Logger
	clock clockwork.Clock

	cityDB *geoip2.Reader
	asnDB  *geoip2.Reader
}

func NewResolver(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate geoip config: %w", err)
	}

	r := &Resolver{log: cfg.Logger, clock: cfg.Clock}

	if cfg.CityDBPath != "" {
		db, err := openChecked(cfg, cfg.CityDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open city database: %w", err)
		}
		r.cityDB = db
	}
	if cfg.ASNDBPath != "" {
		db, err := openChecked(cfg, cfg.ASNDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open asn database: %w", err)
		}
		r.asnDB = db
	}
	return r, nil
}

func openChecked(cfg Config, path string) (*geoip2.Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if age := cfg.Clock.Since(info.ModTime()); age > cfg.MaxDBAge {
		cfg.Logger.Warn("geoip: database file is stale", "path", path, "age", age.Round(time.Hour))
	}
	return geoip2.Open(path)
}

func (r *Resolver) Close() {
	if r.cityDB != nil {
		_ = r.cityDB.Close()
	}
	if r.asnDB != nil {
		_ = r.asnDB.Close()
	}
}

// Resolve looks ip up in the local databases. It returns nil when neither
// database knows the address.
func (r *Resolver) Resolve(ip net.IP) *Record {
	if ip == nil {
		return nil
	}
	if r.cityDB == nil && r.asnDB == nil {
		return nil
	}

	rec := &Record{IP: ip}

	if r.cityDB != nil {
		city, err := r.cityDB.City(ip)
		if err != nil {
			r.log.Debug("geoip: city lookup failed", "ip", ip.String(), "error", err)
		} else {
			rec.CountryCode = city.Country.IsoCode
			rec.Country = city.Country.Names["en"]
			if len(city.Subdivisions) > 0 {
				rec.Region = city.Subdivisions[0].Names["en"]
			}
			rec.City = city.City.Names["en"]
			rec.Latitude = city.Location.Latitude
			rec.Longitude = city.Location.Longitude
			rec.TimeZone = city.Location.TimeZone
			rec.AccuracyRadius = int(city.Location.AccuracyRadius)
			rec.IsAnonymousProxy = city.Traits.IsAnonymousProxy
		}
	}

	if r.asnDB != nil {
		asn, err := r.asnDB.ASN(ip)
		if err != nil {
			r.log.Debug("geoip: asn lookup failed", "ip", ip.String(), "error", err)
		} else {
			rec.ASN = asn.AutonomousSystemNumber
			rec.ASNOrg = asn.AutonomousSystemOrganization
		}
	}

	if rec.CountryCode == "" && rec.ASN == 0 {
		return nil
	}
	return rec
}
