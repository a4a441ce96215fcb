// Package parser turns assistant session files into uniform MetricDelta
// records. Each supported assistant writes a different on-disk dialect; the
// SessionParser interface is the semantic contract they all satisfy, and the
// shared helpers in common.go implement the bookkeeping every dialect needs
// (tool-call pairing, prompt attachment, cumulative-to-delta conversion).
package parser

import (
	"fmt"
	"time"

	"codemie/internal/metrics"
)

// DataPaths declares where a dialect keeps its session files.
type DataPaths struct {
	// SessionsDir is the root directory the snapshotter watches.
	SessionsDir string
	// SessionTemplate is the slash-separated, placeholder-aware path pattern
	// of session files relative to SessionsDir.
	SessionTemplate string
	// SettingsDir optionally points at the assistant's settings directory.
	SettingsDir string
}

// Incremental is the result of one incremental parse pass.
type Incremental struct {
	Deltas []*metrics.MetricDelta
	// LastLine is the number of lines consumed from the main session file;
	// meaningful for line-watermarked dialects, informational otherwise.
	LastLine int
	// NewPromptTexts lists user-prompt texts attached during this pass.
	NewPromptTexts []string
}

// SessionParser is the per-dialect capability set.
type SessionParser interface {
	// AgentName returns the assistant this parser understands.
	AgentName() string

	// MatchesSessionPattern reports whether path looks like a session file of
	// this dialect, optionally filtered to files modified after the given time.
	MatchesSessionPattern(path string, modifiedAfter time.Time) bool

	// ExtractSessionID derives the assistant's native session id from a path.
	ExtractSessionID(path string) string

	// ParseFull re-parses the whole session and returns cumulative totals.
	ParseFull(path string) (*metrics.UsageSnapshot, error)

	// ParseIncremental returns deltas for records not yet in processed, using
	// attachedPrompts to enforce the attach-once rule for user prompts.
	ParseIncremental(path string, processed, attachedPrompts map[string]struct{}) (*Incremental, error)

	// UserPrompts returns raw prompt texts for the agent session, optionally
	// bounded by a time range. Dialects that store prompts inline may return
	// them from the session file itself.
	UserPrompts(agentSessionID string, from, to *time.Time) ([]string, error)

	// WatermarkStrategy declares how progress through the file is remembered.
	WatermarkStrategy() metrics.WatermarkStrategy

	// InitDelay is how long after spawn the dialect needs before its session
	// file reliably exists on disk.
	InitDelay() time.Duration

	// DataPaths declares the session file locations of this dialect.
	DataPaths() DataPaths

	// OwnsSession is the dialect-specific plausibility predicate used by the
	// correlator: does this new file belong to a spawn from workingDir at or
	// after spawnedAfter?
	OwnsSession(path, workingDir string, spawnedAfter time.Time) bool
}

// New returns the parser for the named agent, rooted at homeDir (the user's
// home directory; tests substitute a temp dir).
func New(agentName, homeDir string) (SessionParser, error) {
	switch agentName {
	case AgentClaude:
		return NewClaudeParser(homeDir), nil
	case AgentCodex:
		return NewCodexParser(homeDir), nil
	case AgentGemini:
		return NewGeminiParser(homeDir), nil
	default:
		return nil, fmt.Errorf("no session parser for agent %q", agentName)
	}
}

// Supported agent names.
const (
	AgentClaude = "claude"
	AgentCodex  = "codex"
	AgentGemini = "gemini"
)
