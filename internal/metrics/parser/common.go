package parser

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	diffmatchpatch "github.com/sergi/go-diff/diffmatchpatch"

	"codemie/internal/metrics"
)

// readJSONLines reads a line-oriented file and returns the raw non-empty
// lines. Lines up to 10 MB are accepted; assistants embed whole file
// contents in tool records.
func readJSONLines(path string) ([][]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		buf := make([]byte, len(line))
		copy(buf, line)
		lines = append(lines, buf)
	}
	return lines, scanner.Err()
}

// toolUseRequest is a pending tool invocation awaiting its result.
type toolUseRequest struct {
	Name  string
	Input map[string]any
}

// toolUseResult is the recorded outcome of a tool invocation.
type toolUseResult struct {
	IsError    bool
	Content    string
	DurationMs int64
	// Structured holds dialect-specific result payloads (diff stats etc.).
	Structured map[string]any
}

// toolPairing collects tool-use and tool-result events, which assistants may
// write as separate records, and yields only completed pairs. Orphan requests
// stay pending and are reconsidered on the next parse pass.
type toolPairing struct {
	requests map[string]toolUseRequest
	results  map[string]toolUseResult
}

func newToolPairing() *toolPairing {
	return &toolPairing{
		requests: make(map[string]toolUseRequest),
		results:  make(map[string]toolUseResult),
	}
}

func (p *toolPairing) AddRequest(id string, req toolUseRequest) {
	if id == "" {
		return
	}
	p.requests[id] = req
}

func (p *toolPairing) AddResult(id string, res toolUseResult) {
	if id == "" {
		return
	}
	p.results[id] = res
}

// Complete returns the request/result pair for id when both halves exist.
func (p *toolPairing) Complete(id string) (toolUseRequest, toolUseResult, bool) {
	req, okReq := p.requests[id]
	res, okRes := p.results[id]
	if !okReq || !okRes {
		return toolUseRequest{}, toolUseResult{}, false
	}
	return req, res, true
}

// promptAttacher enforces the attach-once rule: a user prompt text is
// attached to the first subsequent assistant delta, and never twice within a
// session (sidechain files included).
type promptAttacher struct {
	pending       []string
	seen          map[string]struct{}
	newlyAttached []string
}

func newPromptAttacher(alreadyAttached map[string]struct{}) *promptAttacher {
	seen := make(map[string]struct{}, len(alreadyAttached))
	for text := range alreadyAttached {
		seen[text] = struct{}{}
	}
	return &promptAttacher{seen: seen}
}

// Offer queues a prompt text unless it was attached before.
func (a *promptAttacher) Offer(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if _, ok := a.seen[text]; ok {
		return
	}
	a.seen[text] = struct{}{}
	a.pending = append(a.pending, text)
}

// Drain attaches all queued prompts to the given delta.
func (a *promptAttacher) Drain(delta *metrics.MetricDelta) {
	for _, text := range a.pending {
		delta.UserPrompts = append(delta.UserPrompts, metrics.UserPrompt{Count: 1, Text: text})
		a.newlyAttached = append(a.newlyAttached, text)
	}
	a.pending = nil
}

// NewlyAttached lists prompts attached during this parse pass.
func (a *promptAttacher) NewlyAttached() []string {
	return a.newlyAttached
}

// cumulativeTracker converts cumulative token totals into per-event deltas.
// Decreases are clamped to zero; some assistants reset counters mid-session.
type cumulativeTracker struct {
	prev metrics.TokenUsage
}

func (c *cumulativeTracker) Delta(current metrics.TokenUsage) metrics.TokenUsage {
	d := metrics.TokenUsage{
		Input:         clampNonNegative(current.Input - c.prev.Input),
		Output:        clampNonNegative(current.Output - c.prev.Output),
		CacheRead:     clampNonNegative(current.CacheRead - c.prev.CacheRead),
		CacheCreation: clampNonNegative(current.CacheCreation - c.prev.CacheCreation),
	}
	c.prev = current
	return d
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// countLines counts newline-separated lines in content.
func countLines(content string) int {
	if content == "" {
		return 0
	}
	n := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}

// diffLineCounts computes added/removed line counts between two texts using
// a line-level diff.
func diffLineCounts(oldText, newText string) (added, removed int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if n == 0 && d.Text != "" {
			n = 1
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return added, removed
}

// languageForPath guesses a language label from the file extension. Unknown
// extensions yield an empty string; the attribute is best-effort.
func languageForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".rs":
		return "rust"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".hpp":
		return "cpp"
	case ".cs":
		return "csharp"
	case ".sh", ".bash":
		return "shell"
	case ".md":
		return "markdown"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".sql":
		return "sql"
	case ".html":
		return "html"
	case ".css":
		return "css"
	default:
		return ""
	}
}

// formatForPath returns the raw extension (without the dot) as a format label.
func formatForPath(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

// stringField fetches a string value from a generic JSON object.
func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// numberField fetches a numeric value from a generic JSON object.
func numberField(m map[string]any, key string) int64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// objectField fetches a nested object from a generic JSON object.
func objectField(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

// arrayField fetches an array value from a generic JSON object.
func arrayField(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	if v, ok := m[key].([]any); ok {
		return v
	}
	return nil
}

// foldSnapshot accumulates a parse pass into a cumulative usage snapshot.
// ParseFull for every dialect is defined as an incremental parse from a blank
// watermark folded through this helper, which makes the delta-sum identity
// hold by construction.
func foldSnapshot(agentSessionID string, deltas []*metrics.MetricDelta) *metrics.UsageSnapshot {
	snap := &metrics.UsageSnapshot{
		AgentSessionID: agentSessionID,
		ToolCalls:      make(map[string]int),
	}
	seenModels := make(map[string]struct{})
	for _, d := range deltas {
		snap.Tokens.Add(d.Tokens)
		for tool, count := range d.Tools {
			snap.ToolCalls[tool] += count
		}
		for _, p := range d.UserPrompts {
			snap.UserPrompts += p.Count
		}
		for _, m := range d.Models {
			if _, ok := seenModels[m]; !ok {
				seenModels[m] = struct{}{}
				snap.Models = append(snap.Models, m)
			}
		}
	}
	return snap
}
