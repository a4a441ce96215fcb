package collector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemie/internal/gitx"
	"codemie/internal/metrics"
	"codemie/internal/metrics/parser"
	"codemie/internal/metrics/store"
)

// lineParser emits one delta per line of the watched file, using the line
// text as the record id.
type lineParser struct {
	mu     sync.Mutex
	parses int
}

func (p *lineParser) AgentName() string { return "fake" }

func (p *lineParser) MatchesSessionPattern(path string, _ time.Time) bool {
	return strings.HasSuffix(path, ".log")
}

func (p *lineParser) ExtractSessionID(path string) string { return "agent-1" }

func (p *lineParser) OwnsSession(string, string, time.Time) bool { return true }

func (p *lineParser) WatermarkStrategy() metrics.WatermarkStrategy { return metrics.WatermarkLine }

func (p *lineParser) InitDelay() time.Duration { return 0 }

func (p *lineParser) DataPaths() parser.DataPaths { return parser.DataPaths{} }

func (p *lineParser) UserPrompts(string, *time.Time, *time.Time) ([]string, error) { return nil, nil }

func (p *lineParser) ParseFull(path string) (*metrics.UsageSnapshot, error) { return nil, nil }

func (p *lineParser) ParseIncremental(path string, processed, _ map[string]struct{}) (*parser.Incremental, error) {
	p.mu.Lock()
	p.parses++
	p.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	out := &parser.Incremental{}
	for i, line := range lines {
		if line == "" {
			continue
		}
		out.LastLine = i + 1
		if _, ok := processed[line]; ok {
			continue
		}
		out.Deltas = append(out.Deltas, &metrics.MetricDelta{
			RecordID:       line,
			AgentSessionID: "agent-1",
			Timestamp:      time.Now(),
			Tokens:         metrics.TokenUsage{Input: 10, Output: 5},
			SyncStatus:     metrics.SyncPending,
		})
	}
	return out, nil
}

func (p *lineParser) parseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parses
}

type fixture struct {
	collector *Collector
	parser    *lineParser
	sessions  *store.SessionStore
	deltas    *store.DeltaLog
	file      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dataDir := t.TempDir()
	watchDir := t.TempDir()
	file := filepath.Join(watchDir, "agent-1.log")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	sessions := store.NewSessionStoreAt(dataDir)
	_, err := sessions.Create(&metrics.MetricsSession{
		SessionID: "s1",
		AgentName: "fake",
		StartTime: time.Now(),
		Status:    metrics.SessionActive,
	})
	require.NoError(t, err)

	p := &lineParser{}
	deltas := store.NewDeltaLogAt(dataDir)
	c := New(Options{
		SessionID:   "s1",
		SessionFile: file,
		WorkingDir:  watchDir,
		Parser:      p,
		Sessions:    sessions,
		Deltas:      deltas,
		Git:         gitx.NewResolver(),
		Debounce:    30 * time.Millisecond,
	})
	return &fixture{collector: c, parser: p, sessions: sessions, deltas: deltas, file: file}
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// hashParser is a hash-watermark dialect whose session spans every .log file
// in the directory, the way sidechain files sit beside a main transcript.
type hashParser struct {
	lineParser
}

func (p *hashParser) WatermarkStrategy() metrics.WatermarkStrategy { return metrics.WatermarkHash }

func (p *hashParser) ParseIncremental(path string, processed, _ map[string]struct{}) (*parser.Incremental, error) {
	p.mu.Lock()
	p.parses++
	p.mu.Unlock()

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	out := &parser.Incremental{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(filepath.Dir(path), entry.Name()))
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if line == "" {
				continue
			}
			id := entry.Name() + ":" + line
			if _, ok := processed[id]; ok {
				continue
			}
			out.Deltas = append(out.Deltas, &metrics.MetricDelta{
				RecordID:       id,
				AgentSessionID: "agent-1",
				Timestamp:      time.Now(),
				Tokens:         metrics.TokenUsage{Input: 10, Output: 5},
				SyncStatus:     metrics.SyncPending,
			})
		}
	}
	return out, nil
}

func TestCollectorHashWatermarkSeesSidechainWrites(t *testing.T) {
	f := newFixture(t)
	p := &hashParser{}
	f.collector = New(Options{
		SessionID:   "s1",
		SessionFile: f.file,
		WorkingDir:  filepath.Dir(f.file),
		Parser:      p,
		Sessions:    f.sessions,
		Deltas:      f.deltas,
		Git:         gitx.NewResolver(),
	})

	appendLine(t, f.file, "main-1")
	require.NoError(t, f.collector.Flush(context.Background()))

	deltas, err := f.deltas.Read("s1")
	require.NoError(t, err)
	require.Len(t, deltas, 1)

	// a sidechain sibling changes while the main file stays untouched
	side := filepath.Join(filepath.Dir(f.file), "agent-1-side.log")
	require.NoError(t, os.WriteFile(side, []byte("side-1\n"), 0o644))
	require.NoError(t, f.collector.Flush(context.Background()))

	deltas, err = f.deltas.Read("s1")
	require.NoError(t, err)
	require.Len(t, deltas, 2, "sidechain-only writes must be collected")

	// nothing changed anywhere; the hash short-circuit skips the parse
	before := p.parseCount()
	require.NoError(t, f.collector.Flush(context.Background()))
	assert.Equal(t, before, p.parseCount())
}

func TestCollectorFlushPersistsDeltas(t *testing.T) {
	f := newFixture(t)
	appendLine(t, f.file, "r1")
	appendLine(t, f.file, "r2")

	require.NoError(t, f.collector.Flush(context.Background()))

	deltas, err := f.deltas.Read("s1")
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, "s1", deltas[0].SessionID)

	doc, err := f.sessions.Load("s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, doc.Sync.ProcessedRecordIDs)
	assert.Equal(t, 2, doc.Sync.LastLine)
	assert.Equal(t, 2, doc.Sync.TotalDeltas)
}

func TestCollectorFlushIsIdempotent(t *testing.T) {
	f := newFixture(t)
	appendLine(t, f.file, "r1")

	require.NoError(t, f.collector.Flush(context.Background()))
	require.NoError(t, f.collector.Flush(context.Background()))

	deltas, err := f.deltas.Read("s1")
	require.NoError(t, err)
	assert.Len(t, deltas, 1, "reprocessing emits nothing new")
}

func TestCollectorWatchDebounceAndDrain(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.collector.Run(ctx) }()

	// let the watch and initial flush settle
	time.Sleep(50 * time.Millisecond)

	// a burst of writes inside one debounce window
	for i := 0; i < 5; i++ {
		appendLine(t, f.file, fmt.Sprintf("burst-%d", i))
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		deltas, err := f.deltas.Read("s1")
		return err == nil && len(deltas) == 5
	}, 2*time.Second, 10*time.Millisecond)

	// written after the last flush; the final drain must pick it up
	appendLine(t, f.file, "tail")
	time.Sleep(10 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	deltas, err := f.deltas.Read("s1")
	require.NoError(t, err)
	assert.Len(t, deltas, 6)

	doc, err := f.sessions.Load("s1")
	require.NoError(t, err)
	assert.True(t, doc.Session.Monitoring.ChangeCount >= 5)
}

func TestCollectorParsePassesDoNotExplodePerEvent(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.collector.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	before := f.parser.parseCount()
	for i := 0; i < 10; i++ {
		appendLine(t, f.file, fmt.Sprintf("x-%d", i))
	}
	require.Eventually(t, func() bool {
		deltas, err := f.deltas.Read("s1")
		return err == nil && len(deltas) == 10
	}, 2*time.Second, 10*time.Millisecond)

	// 10 events inside one window collapse into one or two passes
	assert.LessOrEqual(t, f.parser.parseCount()-before, 3)
	cancel()
	<-done
}
