package parser

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codemie/internal/logging"
	"codemie/internal/metrics"
)

// CodexParser reads Codex rollout logs: JSONL files under
// ~/.codex/sessions/{yyyy}/{mm}/{dd}/, one envelope per line. Token counts
// arrive as cumulative session totals, so per-event deltas are computed as
// max(0, current - previous). Function calls and their outputs are separate
// lines paired by call id.
type CodexParser struct {
	home string
	log  *logging.Logger
}

// NewCodexParser creates a parser rooted at the given home directory.
func NewCodexParser(home string) *CodexParser {
	return &CodexParser{home: home, log: logging.NewComponentLogger("CodexParser")}
}

func (p *CodexParser) AgentName() string { return AgentCodex }

func (p *CodexParser) WatermarkStrategy() metrics.WatermarkStrategy { return metrics.WatermarkLine }

func (p *CodexParser) InitDelay() time.Duration { return time.Second }

func (p *CodexParser) DataPaths() DataPaths {
	return DataPaths{
		SessionsDir:     filepath.Join(p.home, ".codex", "sessions"),
		SessionTemplate: "{yyyy}/{mm}/{dd}/rollout-*.jsonl",
		SettingsDir:     filepath.Join(p.home, ".codex"),
	}
}

func (p *CodexParser) MatchesSessionPattern(path string, modifiedAfter time.Time) bool {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, "rollout-") || !strings.EqualFold(filepath.Ext(name), ".jsonl") {
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

// ExtractSessionID prefers the id recorded in the session_meta envelope and
// falls back to the filename.
func (p *CodexParser) ExtractSessionID(path string) string {
	if rec := firstRecord(path); rec != nil {
		if stringField(rec, "type") == "session_meta" {
			if id := stringField(objectField(rec, "payload"), "id"); id != "" {
				return id
			}
		}
	}
	return strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "rollout-"), ".jsonl")
}

// OwnsSession matches by the cwd recorded in session_meta, falling back to
// file recency.
func (p *CodexParser) OwnsSession(path, workingDir string, spawnedAfter time.Time) bool {
	if rec := firstRecord(path); rec != nil && stringField(rec, "type") == "session_meta" {
		if cwd := stringField(objectField(rec, "payload"), "cwd"); cwd != "" {
			return cwd == workingDir
		}
	}
	info, err := os.Stat(path)
	return err == nil && !info.ModTime().Before(spawnedAfter)
}

func (p *CodexParser) ParseFull(path string) (*metrics.UsageSnapshot, error) {
	inc, err := p.ParseIncremental(path, nil, nil)
	if err != nil {
		return nil, err
	}
	return foldSnapshot(p.ExtractSessionID(path), inc.Deltas), nil
}

// codexEnvelope is the per-line wrapper of a rollout file.
type codexEnvelope struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

func (p *CodexParser) ParseIncremental(path string, processed, attachedPrompts map[string]struct{}) (*Incremental, error) {
	lines, err := readJSONLines(path)
	if err != nil {
		return nil, err
	}

	type parsedLine struct {
		ordinal int
		ts      time.Time
		kind    string
		payload map[string]any
	}

	parsed := make([]parsedLine, 0, len(lines))
	for i, line := range lines {
		var env codexEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			p.log.Debug("malformed envelope at %s:%d: %v", path, i+1, err)
			continue
		}
		var payload map[string]any
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				p.log.Debug("malformed payload at %s:%d: %v", path, i+1, err)
				continue
			}
		}
		parsed = append(parsed, parsedLine{
			ordinal: i + 1,
			ts:      parseTimestamp(env.Timestamp),
			kind:    env.Type,
			payload: payload,
		})
	}

	sessionID := p.ExtractSessionID(path)
	attacher := newPromptAttacher(attachedPrompts)
	done := cloneSet(processed)
	pairing := newToolPairing()

	// First pass: session id, tool pairing, call ordinals for record ids.
	callOrdinal := make(map[string]int)
	for _, pl := range parsed {
		switch pl.kind {
		case "session_meta":
			if id := stringField(pl.payload, "id"); id != "" {
				sessionID = id
			}
		case "response_item":
			switch stringField(pl.payload, "type") {
			case "function_call":
				callID := stringField(pl.payload, "call_id")
				pairing.AddRequest(callID, toolUseRequest{
					Name:  stringField(pl.payload, "name"),
					Input: parseArguments(stringField(pl.payload, "arguments")),
				})
				callOrdinal[callID] = pl.ordinal
			case "function_call_output":
				callID := stringField(pl.payload, "call_id")
				pairing.AddResult(callID, codexCallResult(pl.payload))
			}
		}
	}

	// Second pass: emit deltas in line order. Cumulative token totals are
	// replayed from the start of the file so previous totals are known even
	// when earlier records were already processed.
	tracker := &cumulativeTracker{}
	out := &Incremental{LastLine: len(lines)}
	currentModel := ""

	emit := func(delta *metrics.MetricDelta) {
		if _, ok := done[delta.RecordID]; ok {
			return
		}
		if currentModel != "" {
			delta.Models = append(delta.Models, currentModel)
		}
		attacher.Drain(delta)
		done[delta.RecordID] = struct{}{}
		out.Deltas = append(out.Deltas, delta)
	}

	for _, pl := range parsed {
		switch pl.kind {
		case "turn_context":
			if model := stringField(pl.payload, "model"); model != "" {
				currentModel = model
			}
		case "event_msg":
			switch stringField(pl.payload, "type") {
			case "user_message":
				attacher.Offer(stringField(pl.payload, "message"))
			case "token_count":
				cumulative := codexCumulativeTokens(pl.payload)
				usage := tracker.Delta(cumulative)
				if usage.IsZero() {
					continue
				}
				emit(&metrics.MetricDelta{
					RecordID:       metrics.CompositeRecordID(sessionID, pl.ts, pl.ordinal),
					AgentSessionID: sessionID,
					Timestamp:      pl.ts,
					Tokens:         usage,
					SyncStatus:     metrics.SyncPending,
				})
			}
		case "response_item":
			if stringField(pl.payload, "type") != "function_call_output" {
				continue
			}
			callID := stringField(pl.payload, "call_id")
			req, res, ok := pairing.Complete(callID)
			if !ok {
				// Orphan output; the call line is missing from this pass.
				continue
			}
			delta := &metrics.MetricDelta{
				RecordID:       metrics.CompositeRecordID(sessionID, pl.ts, callOrdinal[callID]),
				AgentSessionID: sessionID,
				Timestamp:      pl.ts,
				Tools:          map[string]int{req.Name: 1},
				ToolStatus:     map[string]metrics.ToolOutcome{},
				SyncStatus:     metrics.SyncPending,
			}
			outcome := metrics.ToolOutcome{}
			if res.IsError {
				outcome.Failure = 1
				delta.APIErrorMessage = res.Content
			} else {
				outcome.Success = 1
			}
			delta.ToolStatus[req.Name] = outcome
			if op, ok := codexFileOperation(req); ok {
				delta.FileOperations = append(delta.FileOperations, op)
			}
			emit(delta)
		}
	}

	out.NewPromptTexts = attacher.NewlyAttached()
	return out, nil
}

// codexCumulativeTokens reads the running totals from a token_count event.
func codexCumulativeTokens(payload map[string]any) metrics.TokenUsage {
	info := objectField(payload, "info")
	total := objectField(info, "total_token_usage")
	if total == nil {
		total = objectField(payload, "total_token_usage")
	}
	return metrics.TokenUsage{
		Input:         numberField(total, "input_tokens"),
		Output:        numberField(total, "output_tokens"),
		CacheRead:     numberField(total, "cached_input_tokens"),
		CacheCreation: numberField(total, "cache_creation_input_tokens"),
	}
}

// codexCallResult interprets a function_call_output payload. Shell-style
// outputs carry an exit code in metadata; absence means success.
func codexCallResult(payload map[string]any) toolUseResult {
	res := toolUseResult{}
	switch output := payload["output"].(type) {
	case string:
		res.Content = output
	case map[string]any:
		res.Content = stringField(output, "output")
		if meta := objectField(output, "metadata"); meta != nil {
			res.DurationMs = int64(numberField(meta, "duration_seconds") * 1000)
			if _, present := meta["exit_code"]; present {
				res.IsError = numberField(meta, "exit_code") != 0
			}
		}
		if success, ok := output["success"].(bool); ok {
			res.IsError = !success
		}
	}
	return res
}

// parseArguments decodes a function call's JSON-encoded argument string.
func parseArguments(arguments string) map[string]any {
	if arguments == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(arguments), &out); err != nil {
		return nil
	}
	return out
}

// codexToolFileOps maps codex tool names to file-operation types.
var codexToolFileOps = map[string]metrics.FileOpType{
	"apply_patch": metrics.FileOpEdit,
	"read_file":   metrics.FileOpRead,
	"write_file":  metrics.FileOpWrite,
	"view_image":  metrics.FileOpRead,
	"grep":        metrics.FileOpGrep,
	"glob":        metrics.FileOpGlob,
}

func codexFileOperation(req toolUseRequest) (metrics.FileOperation, bool) {
	opType, ok := codexToolFileOps[req.Name]
	if !ok {
		return metrics.FileOperation{}, false
	}
	path := stringField(req.Input, "path")
	if path == "" {
		path = stringField(req.Input, "file_path")
	}
	op := metrics.FileOperation{
		Type:     opType,
		Path:     path,
		Language: languageForPath(path),
		Format:   formatForPath(path),
	}
	if opType == metrics.FileOpEdit {
		if patch := stringField(req.Input, "input"); patch != "" {
			op.LinesAdded, op.LinesRemoved = patchLineCounts(patch)
		}
	}
	if opType == metrics.FileOpWrite {
		op.LinesAdded = countLines(stringField(req.Input, "content"))
	}
	return op, true
}

// patchLineCounts counts +/- lines in a unified-diff style patch body.
func patchLineCounts(patch string) (added, removed int) {
	for _, line := range strings.Split(patch, "\n") {
		if strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}

// UserPrompts scans the session file for user_message events in range.
func (p *CodexParser) UserPrompts(agentSessionID string, from, to *time.Time) ([]string, error) {
	path := p.findSessionFile(agentSessionID)
	if path == "" {
		return nil, nil
	}
	lines, err := readJSONLines(path)
	if err != nil {
		return nil, err
	}
	var prompts []string
	for _, line := range lines {
		var env codexEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		if env.Type != "event_msg" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			continue
		}
		if stringField(payload, "type") != "user_message" {
			continue
		}
		ts := parseTimestamp(env.Timestamp)
		if from != nil && ts.Before(*from) {
			continue
		}
		if to != nil && ts.After(*to) {
			continue
		}
		if msg := stringField(payload, "message"); msg != "" {
			prompts = append(prompts, msg)
		}
	}
	return prompts, nil
}

func (p *CodexParser) findSessionFile(agentSessionID string) string {
	root := p.DataPaths().SessionsDir
	var found string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !p.MatchesSessionPattern(path, time.Time{}) {
			return nil
		}
		if p.ExtractSessionID(path) == agentSessionID {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	return found
}
