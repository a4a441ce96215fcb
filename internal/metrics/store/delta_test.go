package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemie/internal/metrics"
)

func delta(recordID string, input, output int64) *metrics.MetricDelta {
	return &metrics.MetricDelta{
		RecordID:       recordID,
		AgentSessionID: "agent-1",
		Timestamp:      time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		Tokens:         metrics.TokenUsage{Input: input, Output: output},
		SyncStatus:     metrics.SyncPending,
	}
}

func TestDeltaLogAppendAndRead(t *testing.T) {
	l := NewDeltaLogAt(t.TempDir())
	require.NoError(t, l.Append("s1", delta("r1", 100, 50), delta("r2", 30, 20)))
	require.NoError(t, l.Append("s1", delta("r3", 5, 5)))

	deltas, err := l.Read("s1")
	require.NoError(t, err)
	require.Len(t, deltas, 3)
	assert.Equal(t, "r1", deltas[0].RecordID)
	assert.Equal(t, "s1", deltas[0].SessionID, "session id stamped on append")
	assert.EqualValues(t, 100, deltas[0].Tokens.Input)
	assert.True(t, l.Exists("s1"))
	assert.False(t, l.Exists("s2"))
}

func TestDeltaLogMissingFileIsEmpty(t *testing.T) {
	l := NewDeltaLogAt(t.TempDir())
	deltas, err := l.Read("nope")
	require.NoError(t, err)
	assert.Empty(t, deltas)

	stats, err := l.Stats("nope")
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestDeltaLogMarkSynced(t *testing.T) {
	l := NewDeltaLogAt(t.TempDir())
	require.NoError(t, l.Append("s1", delta("r1", 1, 1), delta("r2", 2, 2)))

	at := time.Now().UTC().Truncate(time.Second)
	changed, err := l.MarkSynced("s1", []string{"r1"}, at)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	pending, err := l.ByStatus("s1", metrics.SyncPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r2", pending[0].RecordID)

	synced, err := l.ByStatus("s1", metrics.SyncSynced)
	require.NoError(t, err)
	require.Len(t, synced, 1)
	require.NotNil(t, synced[0].SyncedAt)
	assert.True(t, synced[0].SyncedAt.Equal(at))

	// marking again is a no-op rewrite
	changed, err = l.MarkSynced("s1", []string{"r1"}, at)
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestDeltaLogMarkFailedBumpsAttempts(t *testing.T) {
	l := NewDeltaLogAt(t.TempDir())
	require.NoError(t, l.Append("s1", delta("r1", 1, 1)))

	for i := 1; i <= 2; i++ {
		changed, err := l.MarkFailed("s1", []string{"r1"}, "503 from upstream")
		require.NoError(t, err)
		assert.Equal(t, 1, changed)
	}

	failed, err := l.ByStatus("s1", metrics.SyncFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].SyncAttempts)
	assert.Equal(t, "503 from upstream", failed[0].SyncError)
}

func TestDeltaLogStats(t *testing.T) {
	l := NewDeltaLogAt(t.TempDir())
	require.NoError(t, l.Append("s1", delta("r1", 100, 50), delta("r2", 30, 20), delta("r3", 1, 1)))
	_, err := l.MarkSynced("s1", []string{"r1"}, time.Now())
	require.NoError(t, err)
	_, err = l.MarkFailed("s1", []string{"r2"}, "boom")
	require.NoError(t, err)

	stats, err := l.Stats("s1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Synced)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Pending)
	assert.EqualValues(t, 131, stats.Tokens.Input)
	assert.EqualValues(t, 71, stats.Tokens.Output)
}

func TestDeltaLogSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	l := NewDeltaLogAt(dir)
	require.NoError(t, l.Append("s1", delta("r1", 1, 1)))

	f, err := os.OpenFile(filepath.Join(dir, "s1_metrics.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{truncated\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	deltas, err := l.Read("s1")
	require.NoError(t, err)
	assert.Len(t, deltas, 1)
}
