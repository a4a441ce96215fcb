// Package pipeline drives the metrics subsystems around one assistant run:
// session creation before the spawn, correlation and collection while the
// assistant lives, and aggregation plus transmission after it exits. Every
// failure in here is logged and swallowed; metrics must never break the
// assistant.
package pipeline

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"codemie/internal/agent"
	"codemie/internal/config"
	"codemie/internal/gitx"
	"codemie/internal/logging"
	"codemie/internal/metrics"
	"codemie/internal/metrics/aggregate"
	"codemie/internal/metrics/collector"
	"codemie/internal/metrics/correlate"
	"codemie/internal/metrics/parser"
	"codemie/internal/metrics/store"
	"codemie/internal/metrics/transmit"
	"codemie/internal/observability"
	"codemie/internal/sso"
)

// Pipeline coordinates one session's metrics lifecycle.
type Pipeline struct {
	cfg      *config.Settings
	def      *agent.Definition
	parser   parser.SessionParser
	sessions *store.SessionStore
	deltas   *store.DeltaLog
	agg      *aggregate.Aggregator
	client   *transmit.Client
	git      *gitx.Resolver
	obs      *observability.MetricsCollector
	log      *logging.Logger

	sessionID string
	version   string
	session   *metrics.MetricsSession
	pre       *metrics.FileSnapshot
	spawnedAt time.Time
	disabled  bool

	syncMu        sync.Mutex
	collectMu     sync.Mutex
	collectCancel context.CancelFunc
	collectDone   chan struct{}
	col           *collector.Collector
}

// New wires the pipeline for one run of the given agent. When metrics are
// disabled every method is a no-op.
func New(cfg *config.Settings, def *agent.Definition, obs *observability.MetricsCollector, credentials *sso.Store, version string) (*Pipeline, error) {
	if obs == nil {
		obs = &observability.MetricsCollector{}
	}
	p := &Pipeline{
		cfg:     cfg,
		def:     def,
		obs:     obs,
		version: version,
		log:     logging.NewComponentLogger("Pipeline"),
	}
	if cfg.MetricsDisabled {
		return p, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	p.parser = def.NewParser(home)
	p.sessions = store.NewSessionStore()
	p.deltas = store.NewDeltaLog()
	p.agg = aggregate.New(def.ErrorExcludedTools)
	p.git = gitx.NewResolver()
	p.client = transmit.New(cfg.BaseURL, cfg.APIKey,
		transmit.WithDryRun(cfg.DryRun),
		transmit.WithAuthFailureHook(func() {
			if credentials != nil {
				credentials.Evict(cfg.BaseURL)
			}
		}),
	)
	p.sessionID = uuid.NewString()
	return p, nil
}

// Disabled reports whether the pipeline is a no-op, either by configuration
// or because session setup failed earlier in this run.
func (p *Pipeline) Disabled() bool { return p.cfg.MetricsDisabled || p.disabled }

// SessionID returns the orchestrator session id; empty when disabled.
func (p *Pipeline) SessionID() string { return p.sessionID }

// BeforeSpawn records the session, recovers sessions left behind by dead
// processes, snapshots the assistant's sessions directory, and announces the
// session start.
func (p *Pipeline) BeforeSpawn(ctx context.Context, workingDir string) {
	if p.Disabled() {
		return
	}
	p.spawnedAt = time.Now()
	p.session = &metrics.MetricsSession{
		SessionID:        p.sessionID,
		AgentName:        p.def.Name,
		AgentVersion:     p.version,
		Provider:         string(p.cfg.Provider),
		Project:          p.cfg.Project,
		StartTime:        p.spawnedAt,
		WorkingDirectory: workingDir,
		GitBranch:        p.git.Branch(ctx, workingDir),
		Status:           metrics.SessionActive,
		Correlation:      metrics.Correlation{Status: metrics.CorrelationPending},
	}

	if _, err := p.sessions.Create(p.session); err != nil {
		// the assistant still runs; only metrics go dark for this session
		p.log.Warn("failed to persist session document, disabling metrics: %v", err)
		if sendErr := p.client.Send(ctx, p.agg.SessionStart(p.session, aggregate.StatusFailed, err)); sendErr != nil {
			p.log.Warn("session start failure metric not sent: %v", sendErr)
		}
		p.disabled = true
		return
	}
	if recovered, err := p.sessions.RecoverStale(p.sessionID); err != nil {
		p.log.Warn("stale session recovery failed: %v", err)
	} else if len(recovered) > 0 {
		p.log.Info("marked %d stale session(s) recovered", len(recovered))
	}

	pre, err := correlate.New(p.parser, p.sessions).PreSpawnSnapshot()
	if err != nil {
		p.log.Warn("pre-spawn snapshot failed: %v", err)
	}
	p.pre = pre

	p.obs.IncrementActiveSessions(ctx)
	if err := p.client.Send(ctx, p.agg.SessionStart(p.session, aggregate.StatusStarted, nil)); err != nil {
		p.log.Warn("session start metric not sent: %v", err)
	}
}

// AfterSpawn correlates the spawn to a session file in the background and,
// once matched, starts the collector.
func (p *Pipeline) AfterSpawn(ctx context.Context) {
	if p.Disabled() {
		return
	}
	go func() {
		correlator := correlate.New(p.parser, p.sessions)
		result, err := correlator.Correlate(ctx, p.sessionID, p.session.WorkingDirectory, p.pre, p.spawnedAt)
		if err != nil {
			p.log.Warn("correlation failed: %v", err)
			return
		}
		p.startCollector(ctx, result.AgentSessionFile)
	}()
}

func (p *Pipeline) startCollector(ctx context.Context, sessionFile string) {
	p.collectMu.Lock()
	defer p.collectMu.Unlock()
	if p.collectCancel != nil {
		return
	}
	collectCtx, cancel := context.WithCancel(ctx)
	p.collectCancel = cancel
	p.collectDone = make(chan struct{})
	p.col = collector.New(collector.Options{
		SessionID:   p.sessionID,
		SessionFile: sessionFile,
		WorkingDir:  p.session.WorkingDirectory,
		Parser:      p.parser,
		Sessions:    p.sessions,
		Deltas:      p.deltas,
		Git:         p.git,
	})
	go func() {
		defer close(p.collectDone)
		if err := p.col.Run(collectCtx); err != nil {
			p.log.Warn("collector stopped: %v", err)
		}
	}()
}

// NudgeCollector requests an out-of-band flush; the proxy calls this after
// LLM responses. Safe before correlation completes.
func (p *Pipeline) NudgeCollector() {
	p.collectMu.Lock()
	col := p.col
	p.collectMu.Unlock()
	if col == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := col.Flush(ctx); err != nil {
			p.log.Debug("nudged flush failed: %v", err)
		}
	}()
}

// SyncPending aggregates and ships currently-unsent deltas mid-session; the
// proxy's periodic sync calls this. Safe to call concurrently with itself and
// with OnExit.
func (p *Pipeline) SyncPending(ctx context.Context) {
	if p.Disabled() || p.session == nil {
		return
	}
	p.transmitPending(ctx)
}

// OnExit stops collection, finalizes the session, and ships everything that
// is still pending. It never returns an error: metrics failures must not
// change the assistant's exit.
func (p *Pipeline) OnExit(ctx context.Context, exitCode int, interrupted bool) {
	if p.Disabled() {
		return
	}

	p.collectMu.Lock()
	cancel, done := p.collectCancel, p.collectDone
	p.collectMu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(35 * time.Second):
			p.log.Warn("collector drain timed out")
		}
	}

	status := metrics.SessionCompleted
	if exitCode != 0 {
		status = metrics.SessionFailed
	}
	endTime := time.Now()
	if _, err := p.sessions.Finalize(p.sessionID, status, endTime); err != nil {
		p.log.Warn("failed to finalize session document: %v", err)
	}
	p.session.Status = status
	p.session.EndTime = &endTime
	if doc, err := p.sessions.Load(p.sessionID); err == nil {
		p.session.Correlation = doc.Session.Correlation
	}

	p.transmitPending(ctx)

	endStatus := aggregate.StatusCompleted
	switch {
	case interrupted:
		endStatus = aggregate.StatusInterrupted
	case exitCode != 0:
		endStatus = aggregate.StatusFailed
	}
	durationMs := endTime.Sub(p.session.StartTime).Milliseconds()

	p.obs.DecrementActiveSessions(ctx)
	if err := p.client.Send(ctx, p.agg.SessionEnd(p.session, endStatus, durationMs, nil)); err != nil {
		p.log.Warn("session end metric not sent: %v", err)
	}
}

// transmitPending aggregates the session's unsent deltas into per-branch
// usage records and ships them, flipping delta sync state afterwards.
func (p *Pipeline) transmitPending(ctx context.Context) {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()

	pending, err := p.deltas.ByStatus(p.sessionID, metrics.SyncPending, metrics.SyncFailed)
	if err != nil {
		p.log.Warn("failed to read pending deltas: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}
	p.obs.RecordDeltas(ctx, p.def.Name, len(pending))

	records := p.agg.Usage(p.session, pending)
	recordIDs := make([]string, 0, len(pending))
	for _, d := range pending {
		recordIDs = append(recordIDs, d.RecordID)
	}

	sent, err := p.client.SendAll(ctx, records)
	if err != nil {
		p.log.Warn("usage transmission failed after %d record(s): %v", sent, err)
		p.obs.RecordTransmission(ctx, sent, len(records)-sent)
		if _, markErr := p.deltas.MarkFailed(p.sessionID, recordIDs, err.Error()); markErr != nil {
			p.log.Warn("failed to mark deltas failed: %v", markErr)
		}
		return
	}
	p.obs.RecordTransmission(ctx, sent, 0)
	if _, err := p.deltas.MarkSynced(p.sessionID, recordIDs, time.Now()); err != nil {
		p.log.Warn("failed to mark deltas synced: %v", err)
	}
	stats, err := p.deltas.Stats(p.sessionID)
	if err == nil {
		p.log.Info("session %s: %d/%d delta(s) synced", p.sessionID, stats.Synced, stats.Total)
	}
}
