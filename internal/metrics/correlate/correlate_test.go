package correlate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	codemieerr "codemie/internal/errors"
	"codemie/internal/metrics"
	"codemie/internal/metrics/parser"
	"codemie/internal/metrics/store"
)

// fakeParser recognizes *.jsonl files and attributes ownership by a marker
// prefix in the file content.
type fakeParser struct {
	dir string
}

func (f *fakeParser) AgentName() string { return "fake" }

func (f *fakeParser) MatchesSessionPattern(path string, _ time.Time) bool {
	return strings.HasSuffix(path, ".jsonl")
}

func (f *fakeParser) ExtractSessionID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".jsonl")
}

func (f *fakeParser) OwnsSession(path, workingDir string, _ time.Time) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(data), workingDir)
}

func (f *fakeParser) ParseFull(string) (*metrics.UsageSnapshot, error) { return nil, nil }

func (f *fakeParser) ParseIncremental(string, map[string]struct{}, map[string]struct{}) (*parser.Incremental, error) {
	return &parser.Incremental{}, nil
}

func (f *fakeParser) UserPrompts(string, *time.Time, *time.Time) ([]string, error) { return nil, nil }

func (f *fakeParser) WatermarkStrategy() metrics.WatermarkStrategy { return metrics.WatermarkObject }

func (f *fakeParser) InitDelay() time.Duration { return 0 }

func (f *fakeParser) DataPaths() parser.DataPaths {
	return parser.DataPaths{SessionsDir: f.dir, SessionTemplate: "*.jsonl"}
}

func newFixture(t *testing.T) (*Correlator, *fakeParser, *store.SessionStore) {
	t.Helper()
	p := &fakeParser{dir: t.TempDir()}
	sessions := store.NewSessionStoreAt(t.TempDir())
	_, err := sessions.Create(&metrics.MetricsSession{
		SessionID:   "s1",
		AgentName:   "fake",
		StartTime:   time.Now(),
		Status:      metrics.SessionActive,
		Correlation: metrics.Correlation{Status: metrics.CorrelationPending},
	})
	require.NoError(t, err)

	c := New(p, sessions)
	c.schedule = []time.Duration{
		10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond,
		10 * time.Millisecond, 10 * time.Millisecond,
	}
	return c, p, sessions
}

func writeSessionFile(t *testing.T, p *fakeParser, name, workingDir string) string {
	t.Helper()
	path := filepath.Join(p.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(workingDir+"\n"), 0o644))
	return path
}

func TestCorrelateMatchesNewFile(t *testing.T) {
	c, p, sessions := newFixture(t)
	pre, err := c.PreSpawnSnapshot()
	require.NoError(t, err)

	spawnedAt := time.Now()
	path := writeSessionFile(t, p, "agent-42.jsonl", "/tmp/work")

	result, err := c.Correlate(context.Background(), "s1", "/tmp/work", pre, spawnedAt)
	require.NoError(t, err)
	assert.Equal(t, "agent-42", result.AgentSessionID)
	assert.Equal(t, path, result.AgentSessionFile)
	assert.Equal(t, 1, result.Attempts)

	doc, err := sessions.Load("s1")
	require.NoError(t, err)
	assert.Equal(t, metrics.CorrelationMatched, doc.Session.Correlation.Status)
	assert.Equal(t, "agent-42", doc.Session.Correlation.AgentSessionID)
	assert.Equal(t, 1, doc.Session.Correlation.RetryCount)
	assert.Equal(t, "agent-42", doc.Sync.AgentSessionID)
}

func TestCorrelateRetriesUntilFileAppears(t *testing.T) {
	c, p, _ := newFixture(t)
	pre, err := c.PreSpawnSnapshot()
	require.NoError(t, err)

	spawnedAt := time.Now()
	go func() {
		time.Sleep(15 * time.Millisecond)
		writeSessionFile(t, p, "late.jsonl", "/tmp/work")
	}()

	result, err := c.Correlate(context.Background(), "s1", "/tmp/work", pre, spawnedAt)
	require.NoError(t, err)
	assert.Equal(t, "late", result.AgentSessionID)
	assert.Greater(t, result.Attempts, 1)
}

func TestCorrelateRejectsOtherWorkingDir(t *testing.T) {
	c, p, sessions := newFixture(t)
	pre, err := c.PreSpawnSnapshot()
	require.NoError(t, err)

	writeSessionFile(t, p, "foreign.jsonl", "/somewhere/else")

	_, err = c.Correlate(context.Background(), "s1", "/tmp/work", pre, time.Now())
	require.Error(t, err)
	kind, ok := codemieerr.KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, codemieerr.KindCorrelation, kind)

	doc, err := sessions.Load("s1")
	require.NoError(t, err)
	assert.Equal(t, metrics.CorrelationFailed, doc.Session.Correlation.Status)
	assert.Equal(t, len(c.schedule), doc.Session.Correlation.RetryCount)
}

func TestCorrelateResumedFileViaModTime(t *testing.T) {
	c, p, _ := newFixture(t)

	// the file predates the spawn; the assistant resumes it
	path := writeSessionFile(t, p, "resumed.jsonl", "/tmp/work")
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	pre, err := c.PreSpawnSnapshot()
	require.NoError(t, err)

	spawnedAt := time.Now()
	require.NoError(t, os.Chtimes(path, spawnedAt, spawnedAt))

	result, err := c.Correlate(context.Background(), "s1", "/tmp/work", pre, spawnedAt)
	require.NoError(t, err)
	assert.Equal(t, "resumed", result.AgentSessionID)
}

func TestCorrelateCanceledContext(t *testing.T) {
	c, _, _ := newFixture(t)
	pre, err := c.PreSpawnSnapshot()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Correlate(ctx, "s1", "/tmp/work", pre, time.Now())
	require.ErrorIs(t, err, context.Canceled)
}
