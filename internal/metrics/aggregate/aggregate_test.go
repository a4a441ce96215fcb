package aggregate

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemie/internal/metrics"
)

func session() *metrics.MetricsSession {
	end := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	return &metrics.MetricsSession{
		SessionID:        "s1",
		AgentName:        "claude",
		AgentVersion:     "1.4.0",
		Provider:         "sso",
		StartTime:        time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		EndTime:          &end,
		WorkingDirectory: "/home/dev/src/acme/billing",
		GitBranch:        "main",
		Status:           metrics.SessionCompleted,
		Correlation:      metrics.Correlation{Status: metrics.CorrelationMatched, AgentSessionID: "agent-1"},
	}
}

func usageDelta(branch string, input int64, model string) *metrics.MetricDelta {
	return &metrics.MetricDelta{
		RecordID:  branch + "-" + model,
		GitBranch: branch,
		Tokens:    metrics.TokenUsage{Input: input, Output: input / 2},
		Models:    []string{model},
	}
}

func TestUsageOneRecordPerBranch(t *testing.T) {
	a := New(nil)
	deltas := []*metrics.MetricDelta{
		usageDelta("main", 100, "claude-sonnet-4"),
		usageDelta("feature/x", 40, "claude-sonnet-4"),
		usageDelta("main", 60, "claude-opus-4"),
	}

	records := a.Usage(session(), deltas)
	require.Len(t, records, 2, "one usage record per branch")

	// sorted by branch name
	assert.Equal(t, "feature/x", records[0].Attributes["branch"])
	assert.Equal(t, "main", records[1].Attributes["branch"])

	main := records[1].Attributes
	assert.Equal(t, metrics.MetricUsageTotal, records[1].Name)
	assert.EqualValues(t, 160, main["total_input_tokens"])
	assert.EqualValues(t, 80, main["total_output_tokens"])
	assert.EqualValues(t, 0, main["total_cache_read_input_tokens"])
	assert.EqualValues(t, 0, main["total_cache_creation_tokens"])
	assert.Equal(t, 2, main["count"])
	assert.Equal(t, "claude", main["agent"])
	assert.Equal(t, "1.4.0", main["agent_version"])
	assert.Equal(t, "acme/billing", main["repository"])
	assert.Equal(t, false, main["had_errors"])
}

func TestUsageBranchlessDeltaFallsBackToSessionBranch(t *testing.T) {
	a := New(nil)
	d := usageDelta("", 10, "m")
	records := a.Usage(session(), []*metrics.MetricDelta{d})
	require.Len(t, records, 1)
	assert.Equal(t, "main", records[0].Attributes["branch"])
}

func TestUsageNoDeltasNoRecords(t *testing.T) {
	a := New(nil)
	assert.Empty(t, a.Usage(session(), nil))
}

func TestUsageModalModelTiesBreakFirstSeen(t *testing.T) {
	a := New(nil)
	deltas := []*metrics.MetricDelta{
		usageDelta("main", 1, "claude-opus-4"),
		usageDelta("main", 1, "claude-sonnet-4"),
		{RecordID: "x", GitBranch: "main", Models: []string{"claude-sonnet-4"}},
	}
	records := a.Usage(session(), deltas)
	require.Len(t, records, 1)
	assert.Equal(t, "claude-sonnet-4", records[0].Attributes["llm_model"])

	// a tie goes to the model seen first, not the lexicographic winner
	tied := []*metrics.MetricDelta{
		usageDelta("main", 1, "z-model"),
		usageDelta("main", 1, "a-model"),
	}
	records = a.Usage(session(), tied)
	assert.Equal(t, "z-model", records[0].Attributes["llm_model"])

	// no model at all falls back to unknown
	records = a.Usage(session(), []*metrics.MetricDelta{{RecordID: "y", GitBranch: "main"}})
	assert.Equal(t, "unknown", records[0].Attributes["llm_model"])
}

func TestUsageToolCallSums(t *testing.T) {
	a := New(nil)
	d := &metrics.MetricDelta{
		RecordID:  "r1",
		GitBranch: "main",
		Tools:     map[string]int{"Edit": 2, "Bash": 3},
		ToolStatus: map[string]metrics.ToolOutcome{
			"Edit": {Success: 1, Failure: 1},
			"Bash": {Success: 3},
		},
	}
	records := a.Usage(session(), []*metrics.MetricDelta{d})
	require.Len(t, records, 1)
	attrs := records[0].Attributes
	assert.Equal(t, 5, attrs["total_tool_calls"])
	assert.Equal(t, 4, attrs["successful_tool_calls"])
	assert.Equal(t, 1, attrs["failed_tool_calls"])
}

func TestHadErrorsRespectsShellExclusion(t *testing.T) {
	a := New(nil)
	shellFailure := &metrics.MetricDelta{
		RecordID:   "r1",
		GitBranch:  "main",
		Tools:      map[string]int{"Bash": 1},
		ToolStatus: map[string]metrics.ToolOutcome{"Bash": {Failure: 1}},
	}
	records := a.Usage(session(), []*metrics.MetricDelta{shellFailure})
	require.Len(t, records, 1)
	assert.Equal(t, false, records[0].Attributes["had_errors"], "shell failures are routine")

	editFailure := &metrics.MetricDelta{
		RecordID:   "r2",
		GitBranch:  "main",
		Tools:      map[string]int{"Edit": 1},
		ToolStatus: map[string]metrics.ToolOutcome{"Edit": {Failure: 1}},
	}
	records = a.Usage(session(), []*metrics.MetricDelta{editFailure})
	assert.Equal(t, true, records[0].Attributes["had_errors"])

	apiError := &metrics.MetricDelta{RecordID: "r3", GitBranch: "main", APIErrorMessage: "rate limited"}
	records = a.Usage(session(), []*metrics.MetricDelta{apiError})
	assert.Equal(t, true, records[0].Attributes["had_errors"])
}

func TestHadErrorsIgnoresExcludedToolErrorMessage(t *testing.T) {
	a := New(nil)

	// parsers copy the failed tool's output into the delta's error message;
	// when the only failing tool is excluded that message is shell output,
	// not a session error
	shellWithMessage := &metrics.MetricDelta{
		RecordID:        "r1",
		GitBranch:       "main",
		Tools:           map[string]int{"Bash": 1},
		ToolStatus:      map[string]metrics.ToolOutcome{"Bash": {Failure: 1}},
		APIErrorMessage: "grep: no matches found",
	}
	records := a.Usage(session(), []*metrics.MetricDelta{shellWithMessage})
	require.Len(t, records, 1)
	assert.Equal(t, false, records[0].Attributes["had_errors"])
	assert.NotContains(t, records[0].Attributes, "errors")

	// a non-excluded failure alongside keeps the message meaningful
	mixed := &metrics.MetricDelta{
		RecordID:  "r2",
		GitBranch: "main",
		Tools:     map[string]int{"Bash": 1, "Edit": 1},
		ToolStatus: map[string]metrics.ToolOutcome{
			"Bash": {Failure: 1},
			"Edit": {Failure: 1},
		},
		APIErrorMessage: "old_string not found",
	}
	records = a.Usage(session(), []*metrics.MetricDelta{mixed})
	assert.Equal(t, true, records[0].Attributes["had_errors"])
}

func TestUsageErrorsMapCollectsSanitizedMessages(t *testing.T) {
	a := New(nil)
	d := &metrics.MetricDelta{
		RecordID:        "r1",
		GitBranch:       "main",
		Tools:           map[string]int{"Edit": 1},
		ToolStatus:      map[string]metrics.ToolOutcome{"Edit": {Failure: 1}},
		APIErrorMessage: "\x1b[31mfailed\x1b[0m:\nno such file",
	}
	records := a.Usage(session(), []*metrics.MetricDelta{d})
	require.Len(t, records, 1)
	errs, ok := records[0].Attributes["errors"].(map[string][]string)
	require.True(t, ok)
	assert.Equal(t, []string{"failed:\\nno such file"}, errs["Edit"])
}

func TestUsageFileOperations(t *testing.T) {
	a := New(nil)
	d := &metrics.MetricDelta{
		RecordID:  "r1",
		GitBranch: "main",
		FileOperations: []metrics.FileOperation{
			{Type: metrics.FileOpEdit, LinesAdded: 3, LinesRemoved: 1},
			{Type: metrics.FileOpRead},
			{Type: metrics.FileOpWrite, LinesAdded: 4},
			{Type: metrics.FileOpEdit, LinesAdded: 2},
			{Type: metrics.FileOpDelete},
		},
	}
	records := a.Usage(session(), []*metrics.MetricDelta{d})
	require.Len(t, records, 1)
	attrs := records[0].Attributes
	assert.Equal(t, 1, attrs["files_created"])
	assert.Equal(t, 2, attrs["files_modified"])
	assert.Equal(t, 1, attrs["files_deleted"])
	assert.Equal(t, 9, attrs["total_lines_added"])
	assert.Equal(t, 1, attrs["total_lines_removed"])
}

func TestUsagePromptCountOnlyNoTexts(t *testing.T) {
	a := New(nil)
	d := &metrics.MetricDelta{
		RecordID:  "r1",
		GitBranch: "main",
		UserPrompts: []metrics.UserPrompt{
			{Count: 1, Text: "please refactor the billing module"},
			{Count: 1, Text: "now add tests"},
		},
	}
	records := a.Usage(session(), []*metrics.MetricDelta{d})
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].Attributes["total_user_prompts"])
	for key, value := range records[0].Attributes {
		if s, ok := value.(string); ok {
			assert.NotContains(t, s, "refactor", "prompt bodies never leave the machine (%s)", key)
		}
	}
	assert.NotContains(t, records[0].Attributes, "user_prompts")
}

func TestSanitizeErrorText(t *testing.T) {
	assert.Equal(t, "hello world", SanitizeErrorText("\x1b[31mhello\x1b[0m world"))
	assert.Equal(t, "a\\nb\\nc", SanitizeErrorText("a\nb\r\nc"))

	long := strings.Repeat("x", 1500)
	got := SanitizeErrorText(long)
	assert.True(t, strings.HasSuffix(got, "...[truncated]"))
	assert.Len(t, got, 1000+len("...[truncated]"))
}

func TestRepositoryLabel(t *testing.T) {
	assert.Equal(t, "acme/billing", RepositoryLabel("/home/dev/src/acme/billing"))
	assert.Equal(t, "solo", RepositoryLabel("/solo"))
	assert.Equal(t, "unknown", RepositoryLabel(""))
}

func TestSessionLifecycleRecords(t *testing.T) {
	a := New(nil)
	s := session()

	start := a.SessionStart(s, StatusStarted, nil)
	assert.Equal(t, metrics.MetricSessionTotal, start.Name)
	assert.Equal(t, "started", start.Attributes["status"])
	assert.Equal(t, "1.4.0", start.Attributes["agent_version"])
	assert.Equal(t, "acme/billing", start.Attributes["repository"])
	assert.Equal(t, 1, start.Attributes["count"])
	assert.NotContains(t, start.Attributes, "error")

	end := a.SessionEnd(s, StatusCompleted, 1800000, nil)
	assert.Equal(t, "completed", end.Attributes["status"])
	assert.EqualValues(t, 1800000, end.Attributes["session_duration_ms"])
	assert.Equal(t, 1, end.Attributes["count"])

	interrupted := a.SessionEnd(s, StatusInterrupted, 60000, nil)
	assert.Equal(t, "interrupted", interrupted.Attributes["status"])
}

func TestSessionStartFailureCarriesError(t *testing.T) {
	a := New(nil)
	rec := a.SessionStart(session(), StatusFailed, assert.AnError)
	assert.Equal(t, "failed", rec.Attributes["status"])
	assert.Equal(t, SanitizeErrorText(assert.AnError.Error()), rec.Attributes["error"])
}
