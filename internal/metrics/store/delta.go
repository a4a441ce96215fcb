package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codemie/internal/config"
	codemieerr "codemie/internal/errors"
	"codemie/internal/logging"
	"codemie/internal/metrics"
)

// DeltaLog is the append-only JSONL log of metric deltas for the sessions in
// a directory, one file per session. Appends are O_APPEND writes; status
// updates rewrite the whole file atomically.
type DeltaLog struct {
	dir string
	mu  sync.Mutex
	log *logging.Logger
}

// NewDeltaLog creates a log rooted at the default sessions directory.
func NewDeltaLog() *DeltaLog {
	return NewDeltaLogAt(config.SessionsDir())
}

// NewDeltaLogAt creates a log rooted at dir.
func NewDeltaLogAt(dir string) *DeltaLog {
	return &DeltaLog{dir: dir, log: logging.NewComponentLogger("DeltaLog")}
}

func (l *DeltaLog) path(sessionID string) string {
	return filepath.Join(l.dir, sessionID+"_metrics.jsonl")
}

// Exists reports whether the session has a delta log on disk.
func (l *DeltaLog) Exists(sessionID string) bool {
	_, err := os.Stat(l.path(sessionID))
	return err == nil
}

// Append stamps the owning session id onto each delta and appends them as
// JSON lines.
func (l *DeltaLog) Append(sessionID string, deltas ...*metrics.MetricDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return codemieerr.Wrap(codemieerr.KindPersistence, err, "create sessions directory")
	}
	f, err := os.OpenFile(l.path(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return codemieerr.Wrap(codemieerr.KindPersistence, err, "open delta log")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, delta := range deltas {
		delta.SessionID = sessionID
		if delta.SyncStatus == "" {
			delta.SyncStatus = metrics.SyncPending
		}
		line, err := json.Marshal(delta)
		if err != nil {
			return codemieerr.Wrap(codemieerr.KindPersistence, err, "encode delta")
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return codemieerr.Wrap(codemieerr.KindPersistence, err, "append delta")
		}
	}
	if err := w.Flush(); err != nil {
		return codemieerr.Wrap(codemieerr.KindPersistence, err, "flush delta log")
	}
	return nil
}

// Read returns every delta of the session in append order. A missing log is
// an empty session, not an error. Malformed lines are skipped.
func (l *DeltaLog) Read(sessionID string) ([]*metrics.MetricDelta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked(sessionID)
}

func (l *DeltaLog) readLocked(sessionID string) ([]*metrics.MetricDelta, error) {
	f, err := os.Open(l.path(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, codemieerr.Wrap(codemieerr.KindPersistence, err, "open delta log")
	}
	defer f.Close()

	var deltas []*metrics.MetricDelta
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var delta metrics.MetricDelta
		if err := json.Unmarshal(line, &delta); err != nil {
			l.log.Debug("skipping malformed delta line in %s: %v", sessionID, err)
			continue
		}
		deltas = append(deltas, &delta)
	}
	if err := scanner.Err(); err != nil {
		return nil, codemieerr.Wrap(codemieerr.KindPersistence, err, "scan delta log")
	}
	return deltas, nil
}

// ByStatus returns the session's deltas whose sync status matches one of the
// given statuses.
func (l *DeltaLog) ByStatus(sessionID string, statuses ...metrics.SyncStatus) ([]*metrics.MetricDelta, error) {
	deltas, err := l.Read(sessionID)
	if err != nil {
		return nil, err
	}
	want := make(map[metrics.SyncStatus]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	var out []*metrics.MetricDelta
	for _, d := range deltas {
		if _, ok := want[d.SyncStatus]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// Update rewrites the log applying mutate to each delta; mutate reports
// whether it changed the record. The rewrite happens only if something
// changed, and it returns the number of changed records.
func (l *DeltaLog) Update(sessionID string, mutate func(*metrics.MetricDelta) bool) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	deltas, err := l.readLocked(sessionID)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, d := range deltas {
		if mutate(d) {
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}

	var buf []byte
	for _, d := range deltas {
		line, err := json.Marshal(d)
		if err != nil {
			return 0, codemieerr.Wrap(codemieerr.KindPersistence, err, "encode delta")
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if err := atomicWrite(l.path(sessionID), buf); err != nil {
		return 0, err
	}
	return changed, nil
}

// MarkSynced flips the given record ids to synced with the given timestamp.
func (l *DeltaLog) MarkSynced(sessionID string, recordIDs []string, at time.Time) (int, error) {
	ids := make(map[string]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		ids[id] = struct{}{}
	}
	return l.Update(sessionID, func(d *metrics.MetricDelta) bool {
		if _, ok := ids[d.RecordID]; !ok || d.SyncStatus == metrics.SyncSynced {
			return false
		}
		d.SyncStatus = metrics.SyncSynced
		d.SyncedAt = &at
		d.SyncError = ""
		return true
	})
}

// MarkFailed flips the given record ids to failed, recording the error and
// bumping the attempt counter.
func (l *DeltaLog) MarkFailed(sessionID string, recordIDs []string, syncErr string) (int, error) {
	ids := make(map[string]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		ids[id] = struct{}{}
	}
	return l.Update(sessionID, func(d *metrics.MetricDelta) bool {
		if _, ok := ids[d.RecordID]; !ok {
			return false
		}
		d.SyncStatus = metrics.SyncFailed
		d.SyncAttempts++
		d.SyncError = syncErr
		return true
	})
}

// Stats summarizes a session's delta log by sync status.
type Stats struct {
	Total   int                `json:"total"`
	Pending int                `json:"pending"`
	Syncing int                `json:"syncing"`
	Synced  int                `json:"synced"`
	Failed  int                `json:"failed"`
	Tokens  metrics.TokenUsage `json:"tokens"`
}

// Stats computes the per-status counts and the token sum for the session.
func (l *DeltaLog) Stats(sessionID string) (Stats, error) {
	deltas, err := l.Read(sessionID)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, d := range deltas {
		stats.Total++
		stats.Tokens.Add(d.Tokens)
		switch d.SyncStatus {
		case metrics.SyncPending:
			stats.Pending++
		case metrics.SyncSyncing:
			stats.Syncing++
		case metrics.SyncSynced:
			stats.Synced++
		case metrics.SyncFailed:
			stats.Failed++
		}
	}
	return stats, nil
}
