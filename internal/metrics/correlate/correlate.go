// Package correlate matches a spawned assistant process to the session file
// it creates. The lifecycle controller snapshots the assistant's sessions
// directory before the spawn; the correlator polls for new or freshly
// modified files afterwards and narrows them down to the one owned by this
// invocation.
package correlate

import (
	"context"
	"time"

	codemieerr "codemie/internal/errors"
	"codemie/internal/logging"
	"codemie/internal/metrics"
	"codemie/internal/metrics/parser"
	"codemie/internal/metrics/snapshot"
	"codemie/internal/metrics/store"
)

const (
	baseDelay   = 500 * time.Millisecond
	maxDelay    = 32 * time.Second
	maxAttempts = 8
)

// Result identifies the matched assistant session.
type Result struct {
	AgentSessionID   string
	AgentSessionFile string
	Attempts         int
}

// Correlator runs the pre/post-spawn snapshot match for one assistant dialect.
type Correlator struct {
	parser   parser.SessionParser
	sessions *store.SessionStore
	schedule []time.Duration
	log      *logging.Logger
}

// New creates a correlator for the given parser, persisting progress through
// the session store.
func New(p parser.SessionParser, sessions *store.SessionStore) *Correlator {
	return &Correlator{
		parser:   p,
		sessions: sessions,
		schedule: codemieerr.BackoffSchedule(baseDelay, maxDelay, maxAttempts),
		log:      logging.NewComponentLogger("Correlator"),
	}
}

// PreSpawnSnapshot captures the sessions directory before the assistant
// starts.
func (c *Correlator) PreSpawnSnapshot() (*metrics.FileSnapshot, error) {
	dp := c.parser.DataPaths()
	return snapshot.Capture(dp.SessionsDir, dp.SessionTemplate)
}

// Correlate polls the sessions directory until it can attribute a session
// file to the spawn, then persists the outcome on the session document. The
// first poll waits out the dialect's init delay; subsequent polls back off
// geometrically. Exhausting all attempts marks the correlation failed.
func (c *Correlator) Correlate(ctx context.Context, sessionID, workingDir string, pre *metrics.FileSnapshot, spawnedAt time.Time) (*Result, error) {
	if err := sleepCtx(ctx, c.parser.InitDelay()); err != nil {
		return nil, err
	}

	dp := c.parser.DataPaths()
	for attempt := 1; attempt <= len(c.schedule); attempt++ {
		post, err := snapshot.Capture(dp.SessionsDir, dp.SessionTemplate)
		if err != nil {
			c.log.Debug("snapshot capture failed on attempt %d: %v", attempt, err)
		}
		if file, ok := c.pickCandidate(pre, post, workingDir, spawnedAt); ok {
			result := &Result{
				AgentSessionID:   c.parser.ExtractSessionID(file),
				AgentSessionFile: file,
				Attempts:         attempt,
			}
			c.log.Info("correlated session %s to %s after %d attempt(s)", sessionID, file, attempt)
			if err := c.persist(sessionID, result, metrics.CorrelationMatched); err != nil {
				return nil, err
			}
			return result, nil
		}
		if attempt < len(c.schedule) {
			if err := sleepCtx(ctx, c.schedule[attempt-1]); err != nil {
				return nil, err
			}
		}
	}

	c.log.Warn("correlation for session %s exhausted %d attempts", sessionID, len(c.schedule))
	if err := c.persist(sessionID, &Result{Attempts: len(c.schedule)}, metrics.CorrelationFailed); err != nil {
		return nil, err
	}
	return nil, codemieerr.New(codemieerr.KindCorrelation, "no session file appeared").
		WithContext("sessionId", sessionID).
		WithContext("agent", c.parser.AgentName())
}

// pickCandidate prefers files created since the pre-spawn snapshot; when the
// assistant resumed an existing file instead, it falls back to files modified
// after the spawn. Ties go to the most recently modified file.
func (c *Correlator) pickCandidate(pre, post *metrics.FileSnapshot, workingDir string, spawnedAt time.Time) (string, bool) {
	if file, ok := c.newest(snapshot.Diff(pre, post), workingDir, spawnedAt); ok {
		return file, true
	}
	if post == nil {
		return "", false
	}
	var modified []metrics.FileInfo
	for _, f := range post.Files {
		if !f.ModTime.Before(spawnedAt) {
			modified = append(modified, f)
		}
	}
	return c.newest(modified, workingDir, spawnedAt)
}

func (c *Correlator) newest(files []metrics.FileInfo, workingDir string, spawnedAt time.Time) (string, bool) {
	var best *metrics.FileInfo
	for i := range files {
		f := &files[i]
		if !c.parser.MatchesSessionPattern(f.Path, time.Time{}) {
			continue
		}
		if !c.parser.OwnsSession(f.Path, workingDir, spawnedAt) {
			continue
		}
		if best == nil || f.ModTime.After(best.ModTime) {
			best = f
		}
	}
	if best == nil {
		return "", false
	}
	return best.Path, true
}

func (c *Correlator) persist(sessionID string, result *Result, status metrics.CorrelationStatus) error {
	_, err := c.sessions.Update(sessionID, func(doc *store.SessionDocument) {
		doc.Session.Correlation = metrics.Correlation{
			Status:           status,
			AgentSessionID:   result.AgentSessionID,
			AgentSessionFile: result.AgentSessionFile,
			RetryCount:       result.Attempts,
		}
		if status == metrics.CorrelationMatched {
			doc.Sync.AgentSessionID = result.AgentSessionID
		}
	})
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
