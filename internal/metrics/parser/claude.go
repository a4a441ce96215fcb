package parser

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"codemie/internal/logging"
	"codemie/internal/metrics"
)

// ClaudeParser reads Claude Code session logs: JSONL files under
// ~/.claude/projects/{project}/, one record per message, with per-message
// token usage. Subagents write sibling "sidechain" files whose records carry
// the same session id; their usage belongs to the main session.
type ClaudeParser struct {
	home string
	log  *logging.Logger
}

// NewClaudeParser creates a parser rooted at the given home directory.
func NewClaudeParser(home string) *ClaudeParser {
	return &ClaudeParser{home: home, log: logging.NewComponentLogger("ClaudeParser")}
}

func (p *ClaudeParser) AgentName() string { return AgentClaude }

func (p *ClaudeParser) WatermarkStrategy() metrics.WatermarkStrategy { return metrics.WatermarkHash }

func (p *ClaudeParser) InitDelay() time.Duration { return 2 * time.Second }

func (p *ClaudeParser) DataPaths() DataPaths {
	return DataPaths{
		SessionsDir:     filepath.Join(p.home, ".claude", "projects"),
		SessionTemplate: "{project}/*.jsonl",
		SettingsDir:     filepath.Join(p.home, ".claude"),
	}
}

func (p *ClaudeParser) MatchesSessionPattern(path string, modifiedAfter time.Time) bool {
	if !strings.EqualFold(filepath.Ext(path), ".jsonl") {
		return false
	}
	if !modifiedAfter.IsZero() {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().Before(modifiedAfter) {
			return false
		}
	}
	return true
}

func (p *ClaudeParser) ExtractSessionID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// OwnsSession checks the project directory encoding of the working directory
// first (Claude Code munges the cwd into the project dir name), then falls
// back to the cwd recorded in the file's first record.
func (p *ClaudeParser) OwnsSession(path, workingDir string, spawnedAfter time.Time) bool {
	projectDir := filepath.Base(filepath.Dir(path))
	if projectDir == mungeProjectDir(workingDir) {
		return true
	}
	if rec := firstRecord(path); rec != nil {
		if cwd := stringField(rec, "cwd"); cwd != "" {
			return cwd == workingDir
		}
	}
	info, err := os.Stat(path)
	return err == nil && !info.ModTime().Before(spawnedAfter)
}

// mungeProjectDir reproduces the assistant's cwd-to-directory-name encoding:
// every non-alphanumeric rune becomes a dash.
func mungeProjectDir(workingDir string) string {
	var b strings.Builder
	for _, r := range workingDir {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

func (p *ClaudeParser) ParseFull(path string) (*metrics.UsageSnapshot, error) {
	inc, err := p.ParseIncremental(path, nil, nil)
	if err != nil {
		return nil, err
	}
	return foldSnapshot(p.ExtractSessionID(path), inc.Deltas), nil
}

func (p *ClaudeParser) ParseIncremental(path string, processed, attachedPrompts map[string]struct{}) (*Incremental, error) {
	mainRecords, lastLine, err := p.readRecords(path)
	if err != nil {
		return nil, err
	}

	sessionID := p.recordSessionID(mainRecords, path)
	attacher := newPromptAttacher(attachedPrompts)
	done := cloneSet(processed)

	out := &Incremental{LastLine: lastLine}
	out.Deltas = append(out.Deltas, p.emitFile(mainRecords, sessionID, attacher, done)...)

	for _, side := range p.sidechainFiles(path, sessionID) {
		records, _, err := p.readRecords(side)
		if err != nil {
			p.log.Debug("skipping sidechain %s: %v", side, err)
			continue
		}
		out.Deltas = append(out.Deltas, p.emitFile(records, sessionID, attacher, done)...)
	}

	out.NewPromptTexts = attacher.NewlyAttached()
	return out, nil
}

// readRecords parses the JSONL file, skipping malformed lines.
func (p *ClaudeParser) readRecords(path string) ([]map[string]any, int, error) {
	lines, err := readJSONLines(path)
	if err != nil {
		return nil, 0, err
	}
	records := make([]map[string]any, 0, len(lines))
	for i, line := range lines {
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			p.log.Debug("malformed record at %s:%d: %v", path, i+1, err)
			continue
		}
		records = append(records, rec)
	}
	return records, len(lines), nil
}

func (p *ClaudeParser) recordSessionID(records []map[string]any, path string) string {
	for _, rec := range records {
		if id := stringField(rec, "sessionId"); id != "" {
			return id
		}
	}
	return p.ExtractSessionID(path)
}

// sidechainFiles returns sibling files whose first record references the same
// agent session id, sorted for deterministic emission order.
func (p *ClaudeParser) sidechainFiles(mainPath, sessionID string) []string {
	dir := filepath.Dir(mainPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var siblings []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".jsonl") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if path == mainPath {
			continue
		}
		rec := firstRecord(path)
		if rec != nil && stringField(rec, "sessionId") == sessionID {
			siblings = append(siblings, path)
		}
	}
	sort.Strings(siblings)
	return siblings
}

// emitFile runs the two-pass pairing over one file's records and emits deltas
// for assistant records not yet processed.
func (p *ClaudeParser) emitFile(records []map[string]any, sessionID string, attacher *promptAttacher, done map[string]struct{}) []*metrics.MetricDelta {
	pairing := newToolPairing()

	// First pass: collect tool requests and results; they live on separate
	// assistant/user records.
	for _, rec := range records {
		message := objectField(rec, "message")
		for _, entry := range arrayField(message, "content") {
			part, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			switch stringField(part, "type") {
			case "tool_use":
				pairing.AddRequest(stringField(part, "id"), toolUseRequest{
					Name:  stringField(part, "name"),
					Input: objectField(part, "input"),
				})
			case "tool_result":
				isErr, _ := part["is_error"].(bool)
				pairing.AddResult(stringField(part, "tool_use_id"), toolUseResult{
					IsError:    isErr,
					Content:    contentText(part["content"]),
					Structured: objectField(rec, "toolUseResult"),
					DurationMs: numberField(rec, "durationMs"),
				})
			}
		}
	}

	// Second pass: emit in record order.
	var deltas []*metrics.MetricDelta
	for _, rec := range records {
		switch stringField(rec, "type") {
		case "user":
			if isMeta, _ := rec["isMeta"].(bool); isMeta {
				continue
			}
			if sidechain, _ := rec["isSidechain"].(bool); sidechain {
				// Sidechain "user" turns are agent-generated, not human prompts.
				continue
			}
			if text := userPromptText(rec); text != "" {
				attacher.Offer(text)
			}
		case "assistant":
			recordID := stringField(rec, "uuid")
			if recordID == "" {
				continue
			}
			if _, ok := done[recordID]; ok {
				continue
			}
			delta, complete := p.buildDelta(rec, recordID, sessionID, pairing)
			if !complete {
				// A tool call in this record has no result yet; leave the
				// record unprocessed so the next pass can emit it whole.
				continue
			}
			attacher.Drain(delta)
			done[recordID] = struct{}{}
			deltas = append(deltas, delta)
		}
	}
	return deltas
}

// buildDelta converts one assistant record into a delta. complete is false
// when a tool_use in the record still lacks its tool_result.
func (p *ClaudeParser) buildDelta(rec map[string]any, recordID, sessionID string, pairing *toolPairing) (*metrics.MetricDelta, bool) {
	message := objectField(rec, "message")

	delta := &metrics.MetricDelta{
		RecordID:       recordID,
		AgentSessionID: sessionID,
		Timestamp:      parseTimestamp(stringField(rec, "timestamp")),
		GitBranch:      stringField(rec, "gitBranch"),
		SyncStatus:     metrics.SyncPending,
	}
	if model := stringField(message, "model"); model != "" {
		delta.Models = append(delta.Models, model)
	}
	if usage := objectField(message, "usage"); usage != nil {
		delta.Tokens = metrics.TokenUsage{
			Input:         numberField(usage, "input_tokens"),
			Output:        numberField(usage, "output_tokens"),
			CacheRead:     numberField(usage, "cache_read_input_tokens"),
			CacheCreation: numberField(usage, "cache_creation_input_tokens"),
		}
	}

	for _, entry := range arrayField(message, "content") {
		part, ok := entry.(map[string]any)
		if !ok || stringField(part, "type") != "tool_use" {
			continue
		}
		id := stringField(part, "id")
		req, res, ok := pairing.Complete(id)
		if !ok {
			return nil, false
		}
		if delta.Tools == nil {
			delta.Tools = make(map[string]int)
			delta.ToolStatus = make(map[string]metrics.ToolOutcome)
		}
		delta.Tools[req.Name]++
		outcome := delta.ToolStatus[req.Name]
		if res.IsError {
			outcome.Failure++
			if delta.APIErrorMessage == "" {
				delta.APIErrorMessage = res.Content
			}
		} else {
			outcome.Success++
		}
		delta.ToolStatus[req.Name] = outcome
		if op, ok := claudeFileOperation(req, res); ok {
			delta.FileOperations = append(delta.FileOperations, op)
		}
	}
	return delta, true
}

// claudeToolFileOps maps tool names to file-operation types. Tools not in the
// table produce no file operation.
var claudeToolFileOps = map[string]metrics.FileOpType{
	"Read":         metrics.FileOpRead,
	"Write":        metrics.FileOpWrite,
	"Edit":         metrics.FileOpEdit,
	"MultiEdit":    metrics.FileOpEdit,
	"NotebookEdit": metrics.FileOpEdit,
	"Grep":         metrics.FileOpGrep,
	"Glob":         metrics.FileOpGlob,
}

func claudeFileOperation(req toolUseRequest, res toolUseResult) (metrics.FileOperation, bool) {
	opType, ok := claudeToolFileOps[req.Name]
	if !ok {
		return metrics.FileOperation{}, false
	}
	path := stringField(req.Input, "file_path")
	if path == "" {
		path = stringField(req.Input, "path")
	}
	op := metrics.FileOperation{
		Type:       opType,
		Path:       path,
		Language:   languageForPath(path),
		Format:     formatForPath(path),
		DurationMs: res.DurationMs,
	}
	switch opType {
	case metrics.FileOpWrite:
		op.LinesAdded = countLines(stringField(req.Input, "content"))
	case metrics.FileOpEdit:
		if added, removed, ok := structuredPatchCounts(res.Structured); ok {
			op.LinesAdded, op.LinesRemoved = added, removed
		} else {
			op.LinesAdded, op.LinesRemoved = diffLineCounts(
				stringField(req.Input, "old_string"),
				stringField(req.Input, "new_string"),
			)
		}
	}
	return op, true
}

// structuredPatchCounts extracts added/removed line counts from the
// assistant's own structured patch when it recorded one.
func structuredPatchCounts(structured map[string]any) (added, removed int, ok bool) {
	hunks := arrayField(structured, "structuredPatch")
	if hunks == nil {
		return 0, 0, false
	}
	for _, h := range hunks {
		hunk, isMap := h.(map[string]any)
		if !isMap {
			continue
		}
		for _, l := range arrayField(hunk, "lines") {
			line, isStr := l.(string)
			if !isStr || line == "" {
				continue
			}
			switch line[0] {
			case '+':
				added++
			case '-':
				removed++
			}
		}
	}
	return added, removed, true
}

func (p *ClaudeParser) UserPrompts(agentSessionID string, from, to *time.Time) ([]string, error) {
	path := p.findSessionFile(agentSessionID)
	if path == "" {
		return nil, nil
	}
	records, _, err := p.readRecords(path)
	if err != nil {
		return nil, err
	}
	var prompts []string
	for _, rec := range records {
		if stringField(rec, "type") != "user" {
			continue
		}
		if isMeta, _ := rec["isMeta"].(bool); isMeta {
			continue
		}
		ts := parseTimestamp(stringField(rec, "timestamp"))
		if from != nil && ts.Before(*from) {
			continue
		}
		if to != nil && ts.After(*to) {
			continue
		}
		if text := userPromptText(rec); text != "" {
			prompts = append(prompts, text)
		}
	}
	return prompts, nil
}

func (p *ClaudeParser) findSessionFile(agentSessionID string) string {
	var found string
	root := p.DataPaths().SessionsDir
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if p.ExtractSessionID(path) == agentSessionID {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found
}

// userPromptText extracts the human prompt text from a user record, ignoring
// tool results.
func userPromptText(rec map[string]any) string {
	message := objectField(rec, "message")
	if message == nil {
		return ""
	}
	if text, ok := message["content"].(string); ok {
		return text
	}
	var parts []string
	for _, entry := range arrayField(message, "content") {
		part, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if stringField(part, "type") == "text" {
			parts = append(parts, stringField(part, "text"))
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// contentText flattens a tool_result content payload into plain text.
func contentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, entry := range v {
			if part, ok := entry.(map[string]any); ok {
				if text := stringField(part, "text"); text != "" {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

// firstRecord parses the first well-formed record of a JSONL file.
func firstRecord(path string) map[string]any {
	lines, err := readJSONLines(path)
	if err != nil {
		return nil
	}
	for _, line := range lines {
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err == nil {
			return rec
		}
	}
	return nil
}

// parseTimestamp accepts RFC3339 with or without sub-second precision.
func parseTimestamp(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts
	}
	return time.Time{}
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
