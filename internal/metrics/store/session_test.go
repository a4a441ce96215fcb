package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	codemieerr "codemie/internal/errors"
	"codemie/internal/metrics"
)

func newSession(id string) *metrics.MetricsSession {
	return &metrics.MetricsSession{
		SessionID:        id,
		AgentName:        "claude",
		Provider:         "sso",
		StartTime:        time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
		WorkingDirectory: "/tmp/work",
		Status:           metrics.SessionActive,
		Correlation:      metrics.Correlation{Status: metrics.CorrelationPending},
	}
}

func TestSessionStoreCreateLoadRoundTrip(t *testing.T) {
	s := NewSessionStoreAt(t.TempDir())
	created, err := s.Create(newSession("s1"))
	require.NoError(t, err)
	assert.Equal(t, metrics.SessionActive, created.Sync.Status)
	assert.NotNil(t, created.Sync.ProcessedRecordIDs)

	loaded, err := s.Load("s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", loaded.Session.SessionID)
	assert.Equal(t, "claude", loaded.Session.AgentName)
	assert.True(t, loaded.Session.StartTime.Equal(created.Session.StartTime))
	assert.Empty(t, loaded.Sync.ProcessedRecordIDs)
}

func TestSessionStoreLoadMissing(t *testing.T) {
	s := NewSessionStoreAt(t.TempDir())
	_, err := s.Load("absent")
	require.Error(t, err)
	kind, ok := codemieerr.KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, codemieerr.KindPersistence, kind)
}

func TestSessionStoreRecordProcessed(t *testing.T) {
	s := NewSessionStoreAt(t.TempDir())
	_, err := s.Create(newSession("s1"))
	require.NoError(t, err)

	doc, err := s.RecordProcessed("s1", []string{"r1", "r2"}, []string{"hello"}, 12, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, doc.Sync.ProcessedRecordIDs)
	assert.Equal(t, []string{"hello"}, doc.Sync.AttachedUserPromptTexts)
	assert.Equal(t, 2, doc.Sync.TotalDeltas)
	assert.Equal(t, 12, doc.Sync.LastLine)

	// reprocessing the same records must not duplicate or double count the
	// watermark
	doc, err = s.RecordProcessed("s1", []string{"r2", "r3"}, []string{"hello"}, 10, "abc123")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2", "r3"}, doc.Sync.ProcessedRecordIDs)
	assert.Equal(t, []string{"hello"}, doc.Sync.AttachedUserPromptTexts)
	assert.Equal(t, 12, doc.Sync.LastLine, "watermark never moves backward")
	assert.Equal(t, "abc123", doc.Sync.LastHash)

	set := doc.Sync.ProcessedSet()
	_, ok := set["r3"]
	assert.True(t, ok)
}

func TestSessionStoreFinalize(t *testing.T) {
	s := NewSessionStoreAt(t.TempDir())
	_, err := s.Create(newSession("s1"))
	require.NoError(t, err)

	end := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	doc, err := s.Finalize("s1", metrics.SessionCompleted, end)
	require.NoError(t, err)
	assert.Equal(t, metrics.SessionCompleted, doc.Session.Status)
	require.NotNil(t, doc.Session.EndTime)
	assert.True(t, doc.Session.EndTime.Equal(end))
	assert.False(t, doc.Session.Monitoring.IsActive)
	assert.Equal(t, metrics.SessionCompleted, doc.Sync.Status)
}

func TestSessionStoreRecoverStale(t *testing.T) {
	s := NewSessionStoreAt(t.TempDir())
	_, err := s.Create(newSession("stale-1"))
	require.NoError(t, err)
	_, err = s.Create(newSession("current"))
	require.NoError(t, err)

	done := newSession("done-1")
	done.Status = metrics.SessionCompleted
	_, err = s.Create(done)
	require.NoError(t, err)

	recovered, err := s.RecoverStale("current")
	require.NoError(t, err)
	assert.Equal(t, []string{"stale-1"}, recovered)

	doc, err := s.Load("stale-1")
	require.NoError(t, err)
	assert.Equal(t, metrics.SessionRecovered, doc.Session.Status)

	doc, err = s.Load("current")
	require.NoError(t, err)
	assert.Equal(t, metrics.SessionActive, doc.Session.Status, "running session untouched")
}

func TestSessionStoreListSkipsDeltaLogs(t *testing.T) {
	dir := t.TempDir()
	s := NewSessionStoreAt(dir)
	_, err := s.Create(newSession("s1"))
	require.NoError(t, err)

	l := NewDeltaLogAt(dir)
	require.NoError(t, l.Append("s1", delta("r1", 1, 1)))

	docs, err := s.List()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "s1", docs[0].Session.SessionID)
}
