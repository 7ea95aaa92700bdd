package bulkasn

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeWhois serves the bulk port 43 protocol on a loopback listener. Each
// connection reads the begin/end framed request and answers one verbose line
// per known address.
func fakeWhois(t *testing.T, answers map[string]string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()

				fmt.Fprintln(conn, "Bulk mode; one IP per line.")
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					line := strings.TrimSpace(scanner.Text())
					switch line {
					case "begin", "verbose", "":
						continue
					case "end":
						return
					}
					if answer, ok := answers[line]; ok {
						fmt.Fprintln(conn, answer)
					} else {
						fmt.Fprintf(conn, "NA      | %s | NA | NA | NA | NA | NA\n", line)
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestClient_Lookup(t *testing.T) {
	t.Parallel()

	addr := fakeWhois(t, map[string]string{
		"1.1.1.1": "13335   | 1.1.1.1          | 1.1.1.0/24          | US | arin     | 2010-07-14 | CLOUDFLARENET, US",
		"9.9.9.9": "19281   | 9.9.9.9          | 9.9.9.0/24          | US | arin     | 2017-09-01 | QUAD9-AS-1, US",
	})

	client, err := NewClient(Config{Logger: slog.New(slog.DiscardHandler), Addr: addr})
	require.NoError(t, err)

	got, err := client.Lookup(context.Background(), []string{"1.1.1.1", "9.9.9.9", "203.0.113.99"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	cf := got["1.1.1.1"]
	require.Equal(t, uint32(13335), cf.ASN)
	require.Equal(t, "1.1.1.0/24", cf.BGPPrefix)
	require.Equal(t, "US", cf.CountryCode)
	require.Equal(t, "arin", cf.Registry)
	require.Equal(t, "2010-07-14", cf.Allocated)
	require.Equal(t, "CLOUDFLARENET, US", cf.ASName)

	// The unannounced address is simply absent.
	_, ok := got["203.0.113.99"]
	require.False(t, ok)
}

func TestClient_LookupChunksLargeInput(t *testing.T) {
	t.Parallel()

	answers := make(map[string]string, 7)
	var ips []string
	for i := range 7 {
		ip := fmt.Sprintf("203.0.113.%d", i+1)
		ips = append(ips, ip)
		answers[ip] = fmt.Sprintf("64500   | %s | 203.0.113.0/24 | NL | ripencc | 2015-01-01 | EXAMPLE-AS, NL", ip)
	}
	addr := fakeWhois(t, answers)

	client, err := NewClient(Config{
		Logger:    slog.New(slog.DiscardHandler),
		Addr:      addr,
		ChunkSize: 3,
	})
	require.NoError(t, err)

	got, err := client.Lookup(context.Background(), ips)
	require.NoError(t, err)
	require.Len(t, got, 7)
}

func TestClient_LookupAllChunksFailing(t *testing.T) {
	t.Parallel()

	// A listener that is closed immediately gives connection refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client, err := NewClient(Config{
		Logger:      slog.New(slog.DiscardHandler),
		Addr:        addr,
		DialTimeout: time.Second,
	})
	require.NoError(t, err)

	_, err = client.Lookup(context.Background(), []string{"1.1.1.1"})
	require.Error(t, err)
}

func TestParseLine(t *testing.T) {
	t.Parallel()

	rec, err := parseLine("13335   | 1.1.1.1 | 1.1.1.0/24 | US | arin | 2010-07-14 | CLOUDFLARENET, US")
	require.NoError(t, err)
	require.Equal(t, uint32(13335), rec.ASN)
	require.Equal(t, "1.1.1.1", rec.IP)

	_, err = parseLine("NA | 203.0.113.1 | NA | NA | NA | NA | NA")
	require.Error(t, err)

	_, err = parseLine("garbage")
	require.Error(t, err)
}
