package ingest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// statusFile is the progress record dropped next to a running load so
// operators can watch a long bulk ingest without querying the database.
type statusFile struct {
	Phase             string  `json:"phase"`
	IngestID          string  `json:"ingest_id"`
	Source            string  `json:"source"`
	Offset            int64   `json:"offset"`
	BatchIndex        int64   `json:"batch_index"`
	EventsInserted    int64   `json:"events_inserted"`
	EventsQuarantined int64   `json:"events_quarantined"`
	PercentComplete   float64 `json:"percent_complete"`
}

func (r *sourceRun) writeStatus(phase string, _ *LoadResult) {
	l := r.loader
	if l.cfg.StatusDir == "" {
		return
	}

	status := statusFile{
		Phase:             phase,
		IngestID:          r.ingestID,
		Source:            r.source,
		Offset:            r.src.Offset(),
		BatchIndex:        r.batchIndex,
		EventsInserted:    r.totalInserted,
		EventsQuarantined: r.totalQuarantined,
		PercentComplete:   r.percentComplete(phase),
	}

	encoded, err := json.Marshal(status)
	if err != nil {
		return
	}

	path := filepath.Join(l.cfg.StatusDir, statusFileName(r.source))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		l.log.Debug("loader: failed to write status file", "path", path, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		l.log.Debug("loader: failed to publish status file", "path", path, "error", err)
		_ = os.Remove(tmp)
	}
}

// percentComplete estimates progress from bytes consumed against file size.
// For compressed sources the stream offset is uncompressed, so the estimate
// is clamped rather than exact; the done phase always reports 100.
func (r *sourceRun) percentComplete(phase string) float64 {
	if phase == "done" {
		return 100
	}
	info, err := os.Stat(r.source)
	if err != nil || info.Size() == 0 {
		return 0
	}
	pct := float64(r.src.Offset()) / float64(info.Size()) * 100
	return min(pct, 100)
}

func statusFileName(source string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(source)
	return strings.TrimPrefix(name, "_") + ".status.json"
}
