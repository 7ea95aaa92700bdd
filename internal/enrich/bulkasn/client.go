// Package bulkasn is the network bulk tier of the enrichment cascade. It
// speaks the whois-style bulk interface on TCP port 43: one request opens a
// connection, streams "begin/verbose/.../end", and reads back one
// pipe-delimited line per address.
package bulkasn

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultChunkSize caps how many addresses go into one connection. The
	// upstream service truncates larger requests silently.
	DefaultChunkSize = 500

	DefaultDialTimeout  = 10 * time.Second
	DefaultChunkTimeout = 30 * time.Second
)

// Record is one parsed response line.
type Record struct {
	IP          string
	ASN         uint32
	BGPPrefix   string
	CountryCode string
	Registry    string
	Allocated   string
	ASName      string
}

type Config struct {
	Logger *slog.Logger

	// Addr is the host:port of the bulk whois service.
	Addr string

	ChunkSize    int
	DialTimeout  time.Duration
	ChunkTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.ChunkSize <= 0 || c.ChunkSize > DefaultChunkSize {
		c.ChunkSize = DefaultChunkSize
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ChunkTimeout == 0 {
		c.ChunkTimeout = DefaultChunkTimeout
	}
	return nil
}

type Client struct {
	log *slog.Logger
	cfg Config
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate bulkasn config: %w", err)
	}
	return &Client{log: cfg.Logger, cfg: cfg}, nil
}

// Lookup resolves a set of addresses, chunking as needed. A failed chunk is
// logged and skipped; its addresses are simply absent from the result, so a
// flaky upstream degrades coverage instead of failing the run.
func (c *Client) Lookup(ctx context.Context, ips []string) (map[string]Record, error) {
	results := make(map[string]Record, len(ips))

	var failed int
	for start := 0; start < len(ips); start += c.cfg.ChunkSize {
		end := min(start+c.cfg.ChunkSize, len(ips))
		chunk := ips[start:end]

		if err := c.lookupChunk(ctx, chunk, results); err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			failed++
			c.log.Warn("bulkasn: chunk lookup failed, continuing",
				"addr", c.cfg.Addr, "chunk_size", len(chunk), "error", err)
		}
	}

	if failed > 0 && len(results) == 0 {
		return nil, fmt.Errorf("all %d chunks failed against %s", failed, c.cfg.Addr)
	}
	return results, nil
}

func (c *Client) lookupChunk(ctx context.Context, ips []string, out map[string]Record) error {
	chunkCtx, cancel := context.WithTimeout(ctx, c.cfg.ChunkTimeout)
	defer cancel()

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(chunkCtx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	if deadline, ok := chunkCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var req strings.Builder
	req.WriteString("begin\nverbose\n")
	for _, ip := range ips {
		req.WriteString(ip)
		req.WriteByte('\n')
	}
	req.WriteString("end\n")

	if _, err := conn.Write([]byte(req.String())); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	// Half-close signals end of request to servers that read to EOF.
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "Bulk mode;") {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			c.log.Debug("bulkasn: skipping unparseable line", "line", line, "error", err)
			continue
		}
		out[rec.IP] = rec
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	return nil
}

// parseLine splits a verbose response line:
//
//	13335   | 1.1.1.1          | 1.1.1.0/24          | US | arin     | 2010-07-14 | CLOUDFLARENET, US
func parseLine(line string) (Record, error) {
	fields := strings.Split(line, "|")
	if len(fields) < 7 {
		return Record{}, fmt.Errorf("expected 7 fields, got %d", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	if strings.EqualFold(fields[0], "NA") {
		return Record{}, fmt.Errorf("no announcement for %s", fields[1])
	}
	asn, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return Record{}, fmt.Errorf("bad asn %q: %w", fields[0], err)
	}

	return Record{
		ASN:         uint32(asn),
		IP:          fields[1],
		BGPPrefix:   fields[2],
		CountryCode: fields[3],
		Registry:    fields[4],
		Allocated:   fields[5],
		ASName:      fields[6],
	}, nil
}
