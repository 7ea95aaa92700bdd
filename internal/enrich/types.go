// Package enrich orchestrates the enrichment cascade: offline geo/ASN
// lookup, bulk network ASN resolution, infrastructure classification and a
// budgeted scanner lookup, merged into one enrichment document with full
// per-source provenance.
package enrich

import (
	"time"

	"github.com/meridianlabs/trapline/internal/classify"
)

// Source names as they appear in provenance. Classification is folded into
// the document but is not an external source, so it never appears here.
const (
	SourceOffline = "offline"
	SourceBulkASN = "bulk_asn"
	SourceScanner = "scanner"
)

// Skip and failure reasons recorded in provenance.
const (
	ReasonNotConfigured  = "not_configured"
	ReasonNoData         = "no_data"
	ReasonOfflineASN     = "offline_asn_present"
	ReasonActivityFilter = "activity_filter_not_met"
	ReasonQuotaExhausted = "quota_exhausted"
)

// Meta is the provenance block attached to every enrichment. The four
// source lists are always present, empty rather than null, so readers can
// iterate without nil checks.
type Meta struct {
	SourcesAttempted []string          `json:"sources_attempted"`
	SourcesSucceeded []string          `json:"sources_succeeded"`
	SourcesFailed    []string          `json:"sources_failed"`
	SourcesSkipped   []string          `json:"sources_skipped"`
	SkipReasons      map[string]string `json:"skip_reasons,omitempty"`
	FailureReasons   map[string]string `json:"failure_reasons,omitempty"`
	CacheHits        map[string]string `json:"cache_hits,omitempty"`
	TotalDurationMS  int64             `json:"total_duration_ms"`
	Timestamp        time.Time         `json:"enrichment_timestamp"`
}

func newMeta() *Meta {
	return &Meta{
		SourcesAttempted: []string{},
		SourcesSucceeded: []string{},
		SourcesFailed:    []string{},
		SourcesSkipped:   []string{},
	}
}

func (m *Meta) attempted(source string) {
	m.SourcesAttempted = append(m.SourcesAttempted, source)
}

func (m *Meta) succeeded(source string) {
	m.SourcesSucceeded = append(m.SourcesSucceeded, source)
}

func (m *Meta) failed(source, reason string) {
	m.SourcesFailed = append(m.SourcesFailed, source)
	if m.FailureReasons == nil {
		m.FailureReasons = map[string]string{}
	}
	m.FailureReasons[source] = reason
}

func (m *Meta) skipped(source, reason string) {
	m.SourcesSkipped = append(m.SourcesSkipped, source)
	if m.SkipReasons == nil {
		m.SkipReasons = map[string]string{}
	}
	m.SkipReasons[source] = reason
}

func (m *Meta) cacheHit(source, tier string) {
	if m.CacheHits == nil {
		m.CacheHits = map[string]string{}
	}
	m.CacheHits[source] = tier
}

// Validation covers the local pre-checks that run before any source.
type Validation struct {
	IsBogon bool `json:"is_bogon"`
}

// OfflineData is what the local MaxMind databases contribute.
type OfflineData struct {
	Country     string  `json:"country,omitempty"`
	CountryName string  `json:"country_name,omitempty"`
	Region      string  `json:"region,omitempty"`
	City        string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	TimeZone    string  `json:"time_zone,omitempty"`
	ASN         *int64  `json:"asn"`
	ASName      string  `json:"as_name,omitempty"`
	IsAnonProxy bool    `json:"is_anonymous_proxy,omitempty"`
}

// BulkASNData is what the port-43 bulk service contributes.
type BulkASNData struct {
	ASN       int64  `json:"asn"`
	ASName    string `json:"as_name"`
	BGPPrefix string `json:"bgp_prefix,omitempty"`
	Country   string `json:"country,omitempty"`
	Registry  string `json:"registry,omitempty"`
	Allocated string `json:"allocated,omitempty"`
}

// ScannerData is what the HTTP scanner contributes.
type ScannerData struct {
	Ports     []int     `json:"ports,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CPEs      []string  `json:"cpes,omitempty"`
	Hostnames []string  `json:"hostnames,omitempty"`
	OS        string    `json:"os,omitempty"`
	Org       string    `json:"org,omitempty"`
	ISP       string    `json:"isp,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
}

// IPClassification is the classifier verdict folded into the document.
type IPClassification struct {
	Type       string   `json:"type"`
	Provider   string   `json:"provider,omitempty"`
	Confidence float64  `json:"confidence"`
	Source     string   `json:"source"`
	Tags       []string `json:"tags,omitempty"`
}

// Enrichment is the full document stored in ip_inventory.enrichment.
type Enrichment struct {
	IP             string            `json:"ip"`
	Validation     Validation        `json:"validation"`
	Offline        *OfflineData      `json:"offline,omitempty"`
	BulkASN        *BulkASNData      `json:"bulk_asn,omitempty"`
	Scanner        *ScannerData      `json:"scanner,omitempty"`
	Classification *IPClassification `json:"ip_classification,omitempty"`
	Meta           *Meta             `json:"_meta"`
}

// ASN resolves the merged ASN, offline data first.
func (e *Enrichment) ASN() *int64 {
	if e.Offline != nil && e.Offline.ASN != nil {
		return e.Offline.ASN
	}
	if e.BulkASN != nil {
		return &e.BulkASN.ASN
	}
	return nil
}

// ASName resolves the merged AS name with the same priority as ASN.
func (e *Enrichment) ASName() string {
	if e.Offline != nil && e.Offline.ASN != nil {
		return e.Offline.ASName
	}
	if e.BulkASN != nil {
		return e.BulkASN.ASName
	}
	return ""
}

// Country resolves the merged country code: offline wins, then the bulk
// service's registry view. Empty means no source knew.
func (e *Enrichment) Country() string {
	if e.Offline != nil && e.Offline.Country != "" {
		return e.Offline.Country
	}
	if e.BulkASN != nil && e.BulkASN.Country != "" {
		return e.BulkASN.Country
	}
	return ""
}

// Tags returns the classifier tag list for the inventory ip_types column.
func (e *Enrichment) Tags() []string {
	if e.Classification == nil || e.Classification.Type == string(classify.TypeUnknown) {
		return nil
	}
	return e.Classification.Tags
}

// SessionContext carries the session-level signals the activity filter
// needs. A nil context means enrichment is running without a triggering
// session (a backfill pass) and the scanner tier is not considered.
type SessionContext struct {
	CommandCount    int
	FileDownloads   int
	VTFlagged       bool
	DurationSeconds float64
}

// PassesActivityFilter reports whether the session looks like a manual
// attacker worth spending scanner budget on, rather than a broad scanner.
func (s *SessionContext) PassesActivityFilter() bool {
	if s == nil {
		return false
	}
	return s.CommandCount >= 10 ||
		s.FileDownloads >= 5 ||
		s.VTFlagged ||
		s.DurationSeconds >= 300
}
