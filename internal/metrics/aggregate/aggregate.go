// Package aggregate folds a session's persisted deltas into the wire-level
// emission units: one usage record per git branch touched during the session,
// plus the session lifecycle records.
package aggregate

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"codemie/internal/metrics"
)

// DefaultErrorExcludedTools lists tools whose failures do not count as
// session errors; shell commands fail routinely (grep with no match, test
// runs) without anything being wrong.
var DefaultErrorExcludedTools = []string{
	"Bash",
	"Shell",
	"run_shell_command",
	"shell",
	"local_shell",
}

// Lifecycle statuses carried on session_total records.
const (
	StatusStarted     = "started"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

const (
	maxMessageLength = 1000
	truncationMarker = "...[truncated]"
	unknownLabel     = "unknown"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// Aggregator builds AggregatedMetric records from session state.
type Aggregator struct {
	excluded map[string]struct{}
}

// New creates an aggregator. A nil exclusion list applies the default.
func New(errorExcludedTools []string) *Aggregator {
	if errorExcludedTools == nil {
		errorExcludedTools = DefaultErrorExcludedTools
	}
	excluded := make(map[string]struct{}, len(errorExcludedTools))
	for _, tool := range errorExcludedTools {
		excluded[tool] = struct{}{}
	}
	return &Aggregator{excluded: excluded}
}

// Usage groups deltas by git branch and emits one usage record per branch.
// Deltas without a branch fall back to the session's branch. No deltas means
// no records.
func (a *Aggregator) Usage(session *metrics.MetricsSession, deltas []*metrics.MetricDelta) []metrics.AggregatedMetric {
	groups := make(map[string][]*metrics.MetricDelta)
	for _, d := range deltas {
		branch := d.GitBranch
		if branch == "" {
			branch = session.GitBranch
		}
		groups[branch] = append(groups[branch], d)
	}

	branches := make([]string, 0, len(groups))
	for branch := range groups {
		branches = append(branches, branch)
	}
	sort.Strings(branches)

	out := make([]metrics.AggregatedMetric, 0, len(branches))
	for _, branch := range branches {
		out = append(out, a.usageForBranch(session, branch, groups[branch]))
	}
	return out
}

func (a *Aggregator) usageForBranch(session *metrics.MetricsSession, branch string, deltas []*metrics.MetricDelta) metrics.AggregatedMetric {
	var tokens metrics.TokenUsage
	var totalCalls, successCalls, failedCalls int
	var filesCreated, filesModified, filesDeleted int
	var linesAdded, linesRemoved int
	var promptCount int
	models := newModelTally()
	errs := make(map[string][]string)
	hadErrors := false

	for _, d := range deltas {
		tokens.Add(d.Tokens)
		for _, n := range d.Tools {
			totalCalls += n
		}

		// A failing tool on the exclusion list owns the delta's error
		// message; it must not flag the session errored.
		failingTools, nonExcludedFailing := 0, 0
		for tool, outcome := range d.ToolStatus {
			successCalls += outcome.Success
			failedCalls += outcome.Failure
			if outcome.Failure == 0 {
				continue
			}
			failingTools++
			if _, excluded := a.excluded[tool]; excluded {
				continue
			}
			nonExcludedFailing++
			hadErrors = true
			if d.APIErrorMessage != "" {
				errs[tool] = append(errs[tool], SanitizeErrorText(d.APIErrorMessage))
			}
		}
		if d.APIErrorMessage != "" && (failingTools == 0 || nonExcludedFailing > 0) {
			hadErrors = true
		}

		for _, op := range d.FileOperations {
			switch op.Type {
			case metrics.FileOpWrite:
				filesCreated++
			case metrics.FileOpEdit:
				filesModified++
			case metrics.FileOpDelete:
				filesDeleted++
			}
			linesAdded += op.LinesAdded
			linesRemoved += op.LinesRemoved
		}
		for _, p := range d.UserPrompts {
			promptCount += p.Count
		}
		for _, m := range d.Models {
			models.Vote(m)
		}
	}

	attrs := map[string]any{
		"session_id":    session.SessionID,
		"agent":         session.AgentName,
		"agent_version": session.AgentVersion,
		"llm_model":     models.Modal(),
		"repository":    RepositoryLabel(session.WorkingDirectory),
		"branch":        branch,
	}
	attrs["total_user_prompts"] = promptCount
	attrs["total_input_tokens"] = tokens.Input
	attrs["total_output_tokens"] = tokens.Output
	attrs["total_cache_read_input_tokens"] = tokens.CacheRead
	attrs["total_cache_creation_tokens"] = tokens.CacheCreation
	attrs["total_tool_calls"] = totalCalls
	attrs["successful_tool_calls"] = successCalls
	attrs["failed_tool_calls"] = failedCalls
	attrs["files_created"] = filesCreated
	attrs["files_modified"] = filesModified
	attrs["files_deleted"] = filesDeleted
	attrs["total_lines_added"] = linesAdded
	attrs["total_lines_removed"] = linesRemoved
	attrs["had_errors"] = hadErrors
	attrs["count"] = len(deltas)
	if session.Project != "" {
		attrs["project"] = session.Project
	}
	if len(errs) > 0 {
		attrs["errors"] = errs
	}

	return metrics.AggregatedMetric{Name: metrics.MetricUsageTotal, Attributes: attrs}
}

// SessionStart builds the lifecycle record emitted when the assistant spawns;
// status is started or failed.
func (a *Aggregator) SessionStart(session *metrics.MetricsSession, status string, startErr error) metrics.AggregatedMetric {
	attrs := a.lifecycleAttrs(session, status)
	if startErr != nil {
		attrs["error"] = SanitizeErrorText(startErr.Error())
	}
	return metrics.AggregatedMetric{Name: metrics.MetricSessionTotal, Attributes: attrs}
}

// SessionEnd builds the lifecycle record emitted when the assistant exits;
// status is completed, failed, or interrupted.
func (a *Aggregator) SessionEnd(session *metrics.MetricsSession, status string, durationMs int64, endErr error) metrics.AggregatedMetric {
	attrs := a.lifecycleAttrs(session, status)
	attrs["session_duration_ms"] = durationMs
	if endErr != nil {
		attrs["error"] = SanitizeErrorText(endErr.Error())
	}
	return metrics.AggregatedMetric{Name: metrics.MetricSessionTotal, Attributes: attrs}
}

func (a *Aggregator) lifecycleAttrs(session *metrics.MetricsSession, status string) map[string]any {
	attrs := map[string]any{
		"session_id":    session.SessionID,
		"agent":         session.AgentName,
		"agent_version": session.AgentVersion,
		"llm_model":     unknownLabel,
		"repository":    RepositoryLabel(session.WorkingDirectory),
		"branch":        session.GitBranch,
		"status":        status,
		"count":         1,
	}
	if session.Project != "" {
		attrs["project"] = session.Project
	}
	return attrs
}

// modelTally picks the most frequently seen model; ties break by first-seen.
type modelTally struct {
	votes map[string]int
	order map[string]int
	seq   int
}

func newModelTally() *modelTally {
	return &modelTally{votes: make(map[string]int), order: make(map[string]int)}
}

func (t *modelTally) Vote(model string) {
	if model == "" {
		return
	}
	if _, seen := t.votes[model]; !seen {
		t.order[model] = t.seq
		t.seq++
	}
	t.votes[model]++
}

func (t *modelTally) Modal() string {
	best := ""
	bestVotes := 0
	for model, n := range t.votes {
		if n > bestVotes || (n == bestVotes && t.order[model] < t.order[best]) {
			best = model
			bestVotes = n
		}
	}
	if best == "" {
		return unknownLabel
	}
	return best
}

// RepositoryLabel derives a short repository label from the working
// directory: its last two path segments, or unknown when there is none.
func RepositoryLabel(workingDir string) string {
	if workingDir == "" {
		return unknownLabel
	}
	clean := strings.Trim(filepath.ToSlash(filepath.Clean(workingDir)), "/")
	if clean == "" || clean == "." {
		return unknownLabel
	}
	parts := strings.Split(clean, "/")
	if len(parts) >= 2 {
		return parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}
	return clean
}

// SanitizeErrorText makes an error payload safe for transmission: ANSI
// escapes stripped, newlines escaped, length capped.
func SanitizeErrorText(text string) string {
	text = ansiPattern.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\\n")
	text = strings.ReplaceAll(text, "\n", "\\n")
	text = strings.ReplaceAll(text, "\r", "\\n")
	runes := []rune(text)
	if len(runes) > maxMessageLength {
		return string(runes[:maxMessageLength]) + truncationMarker
	}
	return text
}
