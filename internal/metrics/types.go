// Package metrics defines the data model shared by the metrics pipeline:
// sessions, incremental delta records, sync state, and the aggregated
// emission unit. Behavior lives in the subpackages (snapshot, parser, store,
// correlate, collector, aggregate, transmit).
package metrics

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a MetricsSession.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	// SessionRecovered marks a session found still "active" on disk by a
	// later process; the owning process died without finalizing it.
	SessionRecovered SessionStatus = "recovered"
)

// CorrelationStatus tracks the pre/post-spawn session file match.
type CorrelationStatus string

const (
	CorrelationPending CorrelationStatus = "pending"
	CorrelationMatched CorrelationStatus = "matched"
	CorrelationFailed  CorrelationStatus = "failed"
)

// SyncStatus is the transmission state of a single delta record.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// WatermarkStrategy is how a parser remembers progress through a session file.
type WatermarkStrategy string

const (
	// WatermarkHash re-parses when the full-file hash changes.
	WatermarkHash WatermarkStrategy = "hash"
	// WatermarkLine resumes from a line number in an append-only file.
	WatermarkLine WatermarkStrategy = "line"
	// WatermarkObject relies purely on the processed record-id set.
	WatermarkObject WatermarkStrategy = "object"
)

// Correlation describes how (and whether) the spawn was matched to an
// assistant session file.
type Correlation struct {
	Status           CorrelationStatus `json:"status"`
	AgentSessionID   string            `json:"agentSessionId,omitempty"`
	AgentSessionFile string            `json:"agentSessionFile,omitempty"`
	RetryCount       int               `json:"retryCount"`
}

// Monitoring reflects the live watcher state for a session.
type Monitoring struct {
	IsActive    bool `json:"isActive"`
	ChangeCount int  `json:"changeCount"`
}

// MetricsSession is the orchestrator-side record of one assistant invocation.
type MetricsSession struct {
	SessionID        string        `json:"sessionId"`
	AgentName        string        `json:"agentName"`
	AgentVersion     string        `json:"agentVersion,omitempty"`
	Provider         string        `json:"provider"`
	Project          string        `json:"project,omitempty"`
	StartTime        time.Time     `json:"startTime"`
	EndTime          *time.Time    `json:"endTime,omitempty"`
	WorkingDirectory string        `json:"workingDirectory"`
	GitBranch        string        `json:"gitBranch,omitempty"`
	Status           SessionStatus `json:"status"`
	Correlation      Correlation   `json:"correlation"`
	Monitoring       Monitoring    `json:"monitoring"`
}

// TokenUsage holds token counts for one delta or one cumulative snapshot.
type TokenUsage struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	CacheRead     int64 `json:"cacheRead,omitempty"`
	CacheCreation int64 `json:"cacheCreation,omitempty"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.CacheRead += other.CacheRead
	u.CacheCreation += other.CacheCreation
}

// IsZero reports whether no token was counted.
func (u TokenUsage) IsZero() bool {
	return u.Input == 0 && u.Output == 0 && u.CacheRead == 0 && u.CacheCreation == 0
}

// ToolOutcome counts per-tool successes and failures.
type ToolOutcome struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// FileOpType classifies a file operation derived from a tool call.
type FileOpType string

const (
	FileOpRead   FileOpType = "read"
	FileOpWrite  FileOpType = "write"
	FileOpEdit   FileOpType = "edit"
	FileOpDelete FileOpType = "delete"
	FileOpGrep   FileOpType = "grep"
	FileOpGlob   FileOpType = "glob"
)

// FileOperation is one file-level action taken by the assistant.
type FileOperation struct {
	Type          FileOpType `json:"type"`
	Path          string     `json:"path,omitempty"`
	Language      string     `json:"language,omitempty"`
	Format        string     `json:"format,omitempty"`
	LinesAdded    int        `json:"linesAdded,omitempty"`
	LinesRemoved  int        `json:"linesRemoved,omitempty"`
	LinesModified int        `json:"linesModified,omitempty"`
	DurationMs    int64      `json:"durationMs,omitempty"`
}

// UserPrompt is a prompt attached to a delta; Count is the number of prompts
// this entry represents (always 1 today, kept for forward compatibility with
// dialects that batch).
type UserPrompt struct {
	Count int    `json:"count"`
	Text  string `json:"text"`
}

// MetricDelta is one incremental metrics record derived from the assistant's
// session file.
type MetricDelta struct {
	RecordID        string                 `json:"recordId"`
	SessionID       string                 `json:"sessionId"`
	AgentSessionID  string                 `json:"agentSessionId"`
	Timestamp       time.Time              `json:"timestamp"`
	GitBranch       string                 `json:"gitBranch,omitempty"`
	Tokens          TokenUsage             `json:"tokens"`
	Tools           map[string]int         `json:"tools,omitempty"`
	ToolStatus      map[string]ToolOutcome `json:"toolStatus,omitempty"`
	FileOperations  []FileOperation        `json:"fileOperations,omitempty"`
	UserPrompts     []UserPrompt           `json:"userPrompts,omitempty"`
	Models          []string               `json:"models,omitempty"`
	APIErrorMessage string                 `json:"apiErrorMessage,omitempty"`

	SyncStatus   SyncStatus `json:"syncStatus"`
	SyncAttempts int        `json:"syncAttempts"`
	SyncedAt     *time.Time `json:"syncedAt,omitempty"`
	SyncError    string     `json:"syncError,omitempty"`
}

// CompositeRecordID builds a record id for dialects without native event ids.
func CompositeRecordID(agentSessionID string, ts time.Time, ordinal int) string {
	return fmt.Sprintf("%s:%d:%d", agentSessionID, ts.UnixMilli(), ordinal)
}

// SyncState mirrors which deltas and prompts of a session have been consumed.
type SyncState struct {
	SessionID               string        `json:"sessionId"`
	AgentSessionID          string        `json:"agentSessionId"`
	StartTime               time.Time     `json:"startTime"`
	LastLine                int           `json:"lastLine,omitempty"`
	LastHash                string        `json:"lastHash,omitempty"`
	LastProcessedAt         time.Time     `json:"lastProcessedAt"`
	ProcessedRecordIDs      []string      `json:"processedRecordIds"`
	AttachedUserPromptTexts []string      `json:"attachedUserPromptTexts"`
	TotalDeltas             int           `json:"totalDeltas"`
	Status                  SessionStatus `json:"status"`
	EndTime                 *time.Time    `json:"endTime,omitempty"`
}

// ProcessedSet returns the processed record ids as a lookup set.
func (s *SyncState) ProcessedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.ProcessedRecordIDs))
	for _, id := range s.ProcessedRecordIDs {
		set[id] = struct{}{}
	}
	return set
}

// AttachedPromptSet returns the attached prompt texts as a lookup set.
func (s *SyncState) AttachedPromptSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.AttachedUserPromptTexts))
	for _, text := range s.AttachedUserPromptTexts {
		set[text] = struct{}{}
	}
	return set
}

// FileInfo is one entry of a directory snapshot.
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

// FileSnapshot is an immutable capture of a sessions directory.
type FileSnapshot struct {
	Files      []FileInfo `json:"files"`
	CapturedAt time.Time  `json:"capturedAt"`
}

// UsageSnapshot is the cumulative result of a full re-parse of a session
// file; the sum of all emitted deltas must equal it (the delta-sum identity).
type UsageSnapshot struct {
	AgentSessionID string         `json:"agentSessionId"`
	Tokens         TokenUsage     `json:"tokens"`
	ToolCalls      map[string]int `json:"toolCalls,omitempty"`
	UserPrompts    int            `json:"userPrompts"`
	Models         []string       `json:"models,omitempty"`
}

// Metric names for the aggregated emission units.
const (
	MetricSessionTotal = "session_total"
	MetricUsageTotal   = "usage_total"
)

// AggregatedMetric is the wire-level emission unit: one record per
// (session, gitBranch) pair for usage, or one per lifecycle event.
type AggregatedMetric struct {
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes"`
}
