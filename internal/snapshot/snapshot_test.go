package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/trapline/internal/store"
)

type fakeInventory struct {
	records map[string]store.IPRecord
	lookups [][]string
	err     error
}

func (f *fakeInventory) LookupIPs(_ context.Context, ips []string) (map[string]store.IPRecord, error) {
	f.lookups = append(f.lookups, ips)
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]store.IPRecord{}
	for _, ip := range ips {
		if rec, ok := f.records[ip]; ok {
			out[ip] = rec
		}
	}
	return out, nil
}

func newWriter(t *testing.T, inv *fakeInventory) *Writer {
	t.Helper()
	w, err := NewWriter(slog.New(slog.DiscardHandler), inv)
	require.NoError(t, err)
	return w
}

func asn(v int64) *int64 { return &v }

func TestAnnotate_SingleLookupPerBatch(t *testing.T) {
	t.Parallel()

	enrichedAt := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	inv := &fakeInventory{records: map[string]store.IPRecord{
		"203.0.113.9": {
			IPAddress:           "203.0.113.9",
			CurrentASN:          asn(64500),
			GeoCountry:          "NL",
			IPTypes:             []string{"CLOUD", "DATACENTER", "CLOUD:AWS"},
			EnrichmentUpdatedAt: &enrichedAt,
		},
	}}
	w := newWriter(t, inv)

	sessions := []store.SessionUpsert{
		{SessionID: "s1", CanonicalSourceIP: "203.0.113.9"},
		{SessionID: "s2", CanonicalSourceIP: "203.0.113.9"},
		{SessionID: "s3", CanonicalSourceIP: "198.51.100.1"},
	}
	require.NoError(t, w.Annotate(context.Background(), sessions))

	// One inventory query covered the whole batch.
	require.Len(t, inv.lookups, 1)
	require.ElementsMatch(t, []string{"203.0.113.9", "198.51.100.1"}, inv.lookups[0])

	for _, s := range sessions[:2] {
		require.Equal(t, "203.0.113.9", *s.SourceIPFK)
		require.Equal(t, asn(64500), s.SnapshotASN)
		require.Equal(t, "NL", *s.SnapshotCountry)
		require.Equal(t, "DATACENTER", *s.SnapshotIPType)
		require.Equal(t, enrichedAt, *s.EnrichmentAt)
	}

	// No inventory row: FK and snapshots stay null.
	require.Nil(t, sessions[2].SourceIPFK)
	require.Nil(t, sessions[2].SnapshotASN)
	require.Nil(t, sessions[2].SnapshotCountry)
	require.Nil(t, sessions[2].SnapshotIPType)
}

func TestAnnotate_UnknownCountrySentinelBecomesNull(t *testing.T) {
	t.Parallel()

	inv := &fakeInventory{records: map[string]store.IPRecord{
		"198.51.100.1": {IPAddress: "198.51.100.1", GeoCountry: "XX"},
	}}
	w := newWriter(t, inv)

	sessions := []store.SessionUpsert{{SessionID: "s1", CanonicalSourceIP: "198.51.100.1"}}
	require.NoError(t, w.Annotate(context.Background(), sessions))

	require.NotNil(t, sessions[0].SourceIPFK)
	require.Nil(t, sessions[0].SnapshotCountry)
}

func TestAnnotate_NoCanonicalIPsIsANoop(t *testing.T) {
	t.Parallel()

	inv := &fakeInventory{}
	w := newWriter(t, inv)

	require.NoError(t, w.Annotate(context.Background(), []store.SessionUpsert{{SessionID: "s1"}}))
	require.Empty(t, inv.lookups)
}

func TestAnnotate_PropagatesLookupError(t *testing.T) {
	t.Parallel()

	inv := &fakeInventory{err: errors.New("connection reset")}
	w := newWriter(t, inv)

	err := w.Annotate(context.Background(), []store.SessionUpsert{
		{SessionID: "s1", CanonicalSourceIP: "203.0.113.9"},
	})
	require.Error(t, err)
}

func TestPrimaryIPType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		tags []string
		want string
	}{
		{"empty", nil, ""},
		{"tor beats datacenter", []string{"DATACENTER", "TOR"}, "TOR"},
		{"vpn beats tor", []string{"TOR", "VPN"}, "VPN"},
		{"cloud collapses to datacenter", []string{"CLOUD", "CLOUD:GCP"}, "DATACENTER"},
		{"residential", []string{"RESIDENTIAL"}, "RESIDENTIAL"},
		{"unrecognized only", []string{"SOMETHING_ELSE"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, primaryIPType(tc.tags))
		})
	}
}
