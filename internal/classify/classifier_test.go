package classify

import (
	"log/slog"
	"net/netip"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()

	c, err := New(Config{
		Logger: slog.New(slog.DiscardHandler),
		Clock:  clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return c
}

func loadedSet(t *testing.T) *ReferenceSet {
	t.Helper()

	exits, err := ParseTorExitList([]byte("# exits\n185.220.101.5\n199.87.154.255\n"))
	require.NoError(t, err)

	cloud, err := ParseProviderRanges([]byte(
		"3.0.0.0/9,AWS\n185.220.101.0/24,AWS\n34.64.0.0/10,GCP\n",
	), "")
	require.NoError(t, err)

	dc, err := ParseProviderRanges([]byte("45.148.10.0/24,HOSTKEY\n179.43.128.0/18\n"), "")
	require.NoError(t, err)

	include, exclude, err := CompileResidentialPatterns([]byte(
		"!hosting\n!server\ncomcast\ntelekom\nvodafone.*broadband\n"))
	require.NoError(t, err)

	return &ReferenceSet{
		TorExits:           exits,
		CloudRanges:        cloud,
		DCRanges:           dc,
		Residential:        include,
		ResidentialExclude: exclude,
	}
}

func TestClassifier_TorBeatsCloud(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t)
	c.Swap(loadedSet(t))

	// 185.220.101.5 is both a TOR exit and inside a cloud range; TOR wins.
	got := c.Classify(netip.MustParseAddr("185.220.101.5"), "")
	require.Equal(t, TypeTOR, got.IPType)
	require.Equal(t, 0.95, got.Confidence)
	require.Equal(t, []string{"TOR"}, got.Tags)
}

func TestClassifier_CloudCarriesDatacenterTags(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t)
	c.Swap(loadedSet(t))

	got := c.Classify(netip.MustParseAddr("3.120.4.4"), "")
	require.Equal(t, TypeCloud, got.IPType)
	require.Equal(t, "AWS", got.Provider)
	require.Equal(t, []string{"CLOUD", "DATACENTER", "CLOUD:AWS"}, got.Tags)
}

func TestClassifier_Datacenter(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t)
	c.Swap(loadedSet(t))

	got := c.Classify(netip.MustParseAddr("45.148.10.77"), "")
	require.Equal(t, TypeDatacenter, got.IPType)
	require.Equal(t, "HOSTKEY", got.Provider)
	require.Equal(t, []string{"DATACENTER", "DC:HOSTKEY"}, got.Tags)
}

func TestClassifier_ResidentialNeedsOrgAndNoRangeMatch(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t)
	c.Swap(loadedSet(t))

	got := c.Classify(netip.MustParseAddr("96.120.0.1"), "COMCAST-7922")
	require.Equal(t, TypeResidential, got.IPType)

	// Same org but the address sits in a datacenter range.
	got = c.Classify(netip.MustParseAddr("45.148.10.1"), "COMCAST-7922")
	require.Equal(t, TypeDatacenter, got.IPType)

	// No org, no match.
	got = c.Classify(netip.MustParseAddr("96.120.0.1"), "")
	require.Equal(t, TypeUnknown, got.IPType)

	// Hosting vocabulary excludes the org even when an inclusion pattern
	// also matches.
	got = c.Classify(netip.MustParseAddr("96.120.0.1"), "COMCAST HOSTING LLC")
	require.Equal(t, TypeUnknown, got.IPType)
}

func TestClassifier_UnknownFallback(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t)
	c.Swap(loadedSet(t))

	got := c.Classify(netip.MustParseAddr("192.0.2.1"), "SOME-TRANSIT-AS")
	require.Equal(t, TypeUnknown, got.IPType)
	require.Zero(t, got.Confidence)
	require.Empty(t, got.Tags)
}

func TestClassifier_Deterministic(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t)
	c.Swap(loadedSet(t))

	addr := netip.MustParseAddr("34.64.1.1")
	first := c.Classify(addr, "")
	for range 10 {
		again := c.Classify(addr, "")
		require.Equal(t, first.IPType, again.IPType)
		require.Equal(t, first.Provider, again.Provider)
		require.Equal(t, first.Tags, again.Tags)
	}
}

func TestClassifier_MostSpecificRangeWins(t *testing.T) {
	t.Parallel()

	cloud, err := ParseProviderRanges([]byte("10.0.0.0/8,BIG\n10.1.0.0/16,SMALL\n"), "")
	require.NoError(t, err)

	c := newTestClassifier(t)
	c.Swap(&ReferenceSet{CloudRanges: cloud})

	got := c.Classify(netip.MustParseAddr("10.1.2.3"), "")
	require.Equal(t, "SMALL", got.Provider)

	got = c.Classify(netip.MustParseAddr("10.2.2.3"), "")
	require.Equal(t, "BIG", got.Provider)
}

func TestClassifier_EmptyReferenceSet(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t)
	got := c.Classify(netip.MustParseAddr("1.1.1.1"), "CLOUDFLARENET")
	require.Equal(t, TypeUnknown, got.IPType)
}

func TestParseTorExitList_RejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := ParseTorExitList([]byte("not-an-ip\n"))
	require.Error(t, err)
}

func TestParseProviderRanges_DefaultProviderAndMasking(t *testing.T) {
	t.Parallel()

	ranges, err := ParseProviderRanges([]byte("192.0.2.55/24\n"), "fallback")
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	require.Equal(t, "FALLBACK", ranges[0].Provider)
	require.Equal(t, netip.MustParsePrefix("192.0.2.0/24"), ranges[0].Prefix)
}
