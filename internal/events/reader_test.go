package events

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func writeLines(t *testing.T, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	for _, line := range lines {
		_, err := f.WriteString(line + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
	return path
}

func writeGzipLines(t *testing.T, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	for _, line := range lines {
		_, err := gz.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func readAll(t *testing.T, s *FileSource) []Record {
	t.Helper()
	var records []Record
	for {
		rec, err := s.Next()
		if err == io.EOF {
			return records
		}
		require.NoError(t, err)
		records = append(records, rec)
	}
}

func TestFileSource_PlainOffsets(t *testing.T) {
	t.Parallel()

	path := writeLines(t, "events.json", `{"a":1}`, `{"b":22}`, `{"c":333}`)

	s, err := OpenSource(testLogger(), path, 0)
	require.NoError(t, err)
	defer s.Close()

	records := readAll(t, s)
	require.Len(t, records, 3)

	require.Equal(t, `{"a":1}`, string(records[0].Payload))
	require.Equal(t, int64(0), records[0].Offset)
	// Offsets are starts of line including the newline of the previous one.
	require.Equal(t, int64(8), records[1].Offset)
	require.Equal(t, int64(17), records[2].Offset)
	require.NotEmpty(t, records[0].Inode)
	require.Equal(t, path, records[0].SourcePath)
}

func TestFileSource_GzipOffsetsMatchUncompressedStream(t *testing.T) {
	t.Parallel()

	path := writeGzipLines(t, "events.json.gz", `{"a":1}`, `{"b":22}`)

	s, err := OpenSource(testLogger(), path, 0)
	require.NoError(t, err)
	defer s.Close()

	records := readAll(t, s)
	require.Len(t, records, 2)
	require.Equal(t, int64(0), records[0].Offset)
	require.Equal(t, int64(8), records[1].Offset)
}

func TestFileSource_ResumeFromOffset(t *testing.T) {
	t.Parallel()

	path := writeLines(t, "events.json", `{"a":1}`, `{"b":22}`, `{"c":333}`)

	s, err := OpenSource(testLogger(), path, 8)
	require.NoError(t, err)
	defer s.Close()

	records := readAll(t, s)
	require.Len(t, records, 2)
	require.Equal(t, `{"b":22}`, string(records[0].Payload))
	require.Equal(t, int64(8), records[0].Offset)
}

func TestFileSource_ResumeFromOffsetGzip(t *testing.T) {
	t.Parallel()

	path := writeGzipLines(t, "events.json.gz", `{"a":1}`, `{"b":22}`)

	s, err := OpenSource(testLogger(), path, 8)
	require.NoError(t, err)
	defer s.Close()

	records := readAll(t, s)
	require.Len(t, records, 1)
	require.Equal(t, `{"b":22}`, string(records[0].Payload))
}

func TestFileSource_MissingTrailingNewline(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, os.WriteFile(path, []byte("{\"a\":1}\n{\"b\":22}"), 0o644))

	s, err := OpenSource(testLogger(), path, 0)
	require.NoError(t, err)
	defer s.Close()

	records := readAll(t, s)
	require.Len(t, records, 2)
	require.Equal(t, `{"b":22}`, string(records[1].Payload))
}
