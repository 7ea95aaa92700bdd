// Package classify assigns an infrastructure type to source addresses using
// externally published reference data: TOR exit lists, cloud provider
// ranges, datacenter ranges and residential ISP naming patterns. Matching is
// pure and deterministic against a loaded reference snapshot; refresh swaps
// snapshots atomically so in-flight classification never sees a partial set.
package classify

import (
	"bufio"
	"fmt"
	"net/netip"
	"regexp"
	"slices"
	"strings"
	"time"
)

// IPType is the classifier verdict.
type IPType string

const (
	TypeTOR         IPType = "TOR"
	TypeCloud       IPType = "CLOUD"
	TypeDatacenter  IPType = "DATACENTER"
	TypeResidential IPType = "RESIDENTIAL"
	TypeUnknown     IPType = "UNKNOWN"
)

// ProviderRange is one CIDR attributed to a named provider.
type ProviderRange struct {
	Prefix   netip.Prefix
	Provider string
}

// ReferenceSet is one immutable snapshot of all reference data. Prefix
// slices are sorted longest-prefix-first so the first containing prefix is
// the most specific match.
type ReferenceSet struct {
	TorExits    map[netip.Addr]struct{}
	CloudRanges []ProviderRange
	DCRanges    []ProviderRange

	// Residential matching is two-phase: an organization name matching any
	// exclusion pattern (hosting vocabulary) is never residential, then the
	// inclusion patterns (broadband vocabulary) decide.
	Residential        []*regexp.Regexp
	ResidentialExclude []*regexp.Regexp

	LoadedAt time.Time
}

// sortByPrefixLength orders ranges so that lookups can stop at the first
// containing prefix.
func sortByPrefixLength(ranges []ProviderRange) {
	slices.SortFunc(ranges, func(a, b ProviderRange) int {
		return b.Prefix.Bits() - a.Prefix.Bits()
	})
}

func matchRange(ranges []ProviderRange, addr netip.Addr) (ProviderRange, bool) {
	for _, r := range ranges {
		if r.Prefix.Contains(addr) {
			return r, true
		}
	}
	return ProviderRange{}, false
}

// ParseTorExitList parses the published exit list format, one address per
// line, with # comments.
func ParseTorExitList(data []byte) (map[netip.Addr]struct{}, error) {
	exits := make(map[netip.Addr]struct{})
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addr, err := netip.ParseAddr(line)
		if err != nil {
			return nil, fmt.Errorf("bad exit address %q: %w", line, err)
		}
		exits[addr.Unmap()] = struct{}{}
	}
	return exits, scanner.Err()
}

// ParseProviderRanges parses provider range CSV: "prefix,provider" per line,
// with # comments. Lines without a provider column take defaultProvider.
func ParseProviderRanges(data []byte, defaultProvider string) ([]ProviderRange, error) {
	var ranges []ProviderRange
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cidr, provider, found := strings.Cut(line, ",")
		if !found {
			provider = defaultProvider
		}
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("bad range %q: %w", cidr, err)
		}
		ranges = append(ranges, ProviderRange{
			Prefix:   prefix.Masked(),
			Provider: strings.ToUpper(strings.TrimSpace(provider)),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sortByPrefixLength(ranges)
	return ranges, nil
}

// CompileResidentialPatterns compiles ISP-name patterns, one per line,
// matched case-insensitively against ASN organization names. Lines prefixed
// with "!" are exclusion patterns: hosting vocabulary that disqualifies an
// organization from the residential verdict regardless of inclusion matches.
func CompileResidentialPatterns(data []byte) (include, exclude []*regexp.Regexp, err error) {
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		excluded := strings.HasPrefix(line, "!")
		if excluded {
			line = strings.TrimSpace(strings.TrimPrefix(line, "!"))
		}
		re, err := regexp.Compile("(?i)" + line)
		if err != nil {
			return nil, nil, fmt.Errorf("bad residential pattern %q: %w", line, err)
		}
		if excluded {
			exclude = append(exclude, re)
		} else {
			include = append(include, re)
		}
	}
	return include, exclude, scanner.Err()
}
