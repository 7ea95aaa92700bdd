package cache

import "time"

// Tier identifies where a cache hit came from. Origin is used by callers to
// record a fresh lookup in provenance metadata.
type Tier string

const (
	TierL1     Tier = "L1"
	TierL2     Tier = "L2"
	TierL3     Tier = "L3"
	TierOrigin Tier = "origin"
)

// Policy is the per-service TTL set. TTLs are service-specific; each tier
// clamps the service TTL to its own ceiling, which is how the in-memory tier
// ends up at an hour while the durable tiers keep months.
type Policy struct {
	L1 time.Duration
	L2 time.Duration
	L3 time.Duration
}

const day = 24 * time.Hour

var policies = map[string]Policy{
	ServiceGeoIP:   {L1: time.Hour, L2: 30 * day, L3: 30 * day},
	ServiceBulkASN: {L1: time.Hour, L2: 90 * day, L3: 90 * day},
	ServiceScanner: {L1: time.Hour, L2: 7 * day, L3: 7 * day},
	ServiceBreach:  {L1: time.Hour, L2: 30 * day, L3: 60 * day},
}

var defaultPolicy = Policy{L1: time.Hour, L2: 7 * day, L3: 7 * day}

// Well-known service families. The hierarchy itself is service-name
// agnostic; unknown services get the default policy.
const (
	ServiceGeoIP   = "geoip"
	ServiceBulkASN = "bulk_asn"
	ServiceScanner = "scanner"
	ServiceBreach  = "breach"
)

// PolicyFor returns the TTL policy for a service family.
func PolicyFor(service string) Policy {
	if p, ok := policies[service]; ok {
		return p
	}
	return defaultPolicy
}

// clamp applies an optional caller hint to a tier's policy TTL. The hint can
// only shorten a tier's TTL, never extend past the policy ceiling.
func clamp(policyTTL, hint time.Duration) time.Duration {
	if hint > 0 && hint < policyTTL {
		return hint
	}
	return policyTTL
}
