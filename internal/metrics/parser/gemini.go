package parser

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codemie/internal/logging"
	"codemie/internal/metrics"
)

// GeminiParser reads Gemini CLI session documents: one JSON file per session
// under ~/.gemini/tmp/{hash}/chats/, holding the whole message array with
// per-message token counts. User prompts are logged separately in the
// project's logs.json; the parser joins them back by session id.
type GeminiParser struct {
	home string
	log  *logging.Logger
}

// NewGeminiParser creates a parser rooted at the given home directory.
func NewGeminiParser(home string) *GeminiParser {
	return &GeminiParser{home: home, log: logging.NewComponentLogger("GeminiParser")}
}

func (p *GeminiParser) AgentName() string { return AgentGemini }

func (p *GeminiParser) WatermarkStrategy() metrics.WatermarkStrategy {
	return metrics.WatermarkObject
}

func (p *GeminiParser) InitDelay() time.Duration { return 3 * time.Second }

func (p *GeminiParser) DataPaths() DataPaths {
	return DataPaths{
		SessionsDir:     filepath.Join(p.home, ".gemini", "tmp"),
		SessionTemplate: "{hash}/chats/session-*.json",
		SettingsDir:     filepath.Join(p.home, ".gemini"),
	}
}

func (p *GeminiParser) MatchesSessionPattern(path string, modifiedAfter time.Time) bool {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, "session-") || !strings.EqualFold(filepath.Ext(name), ".json") {
		return false
	}
	if filepath.Base(filepath.Dir(path)) != "chats" {
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

func (p *GeminiParser) ExtractSessionID(path string) string {
	if doc, err := p.readDocument(path); err == nil && doc.SessionID != "" {
		return doc.SessionID
	}
	return strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "session-"), ".json")
}

// OwnsSession relies on recency; the project hash directory is opaque and the
// document does not record a cwd.
func (p *GeminiParser) OwnsSession(path, workingDir string, spawnedAfter time.Time) bool {
	info, err := os.Stat(path)
	return err == nil && !info.ModTime().Before(spawnedAfter)
}

// geminiDocument is the on-disk session file shape.
type geminiDocument struct {
	SessionID   string          `json:"sessionId"`
	ProjectHash string          `json:"projectHash"`
	StartTime   string          `json:"startTime"`
	LastUpdated string          `json:"lastUpdated"`
	Messages    []geminiMessage `json:"messages"`
}

type geminiMessage struct {
	ID        string           `json:"id"`
	Timestamp string           `json:"timestamp"`
	Type      string           `json:"type"`
	Content   string           `json:"content"`
	Model     string           `json:"model,omitempty"`
	Tokens    *geminiTokens    `json:"tokens,omitempty"`
	ToolCalls []geminiToolCall `json:"toolCalls,omitempty"`
}

type geminiTokens struct {
	Input    int64 `json:"input"`
	Output   int64 `json:"output"`
	Cached   int64 `json:"cached"`
	Thoughts int64 `json:"thoughts"`
	Tool     int64 `json:"tool"`
	Total    int64 `json:"total"`
}

type geminiToolCall struct {
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Args       map[string]any `json:"args,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
}

func (p *GeminiParser) readDocument(path string) (*geminiDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc geminiDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (p *GeminiParser) ParseFull(path string) (*metrics.UsageSnapshot, error) {
	inc, err := p.ParseIncremental(path, nil, nil)
	if err != nil {
		return nil, err
	}
	return foldSnapshot(p.ExtractSessionID(path), inc.Deltas), nil
}

func (p *GeminiParser) ParseIncremental(path string, processed, attachedPrompts map[string]struct{}) (*Incremental, error) {
	doc, err := p.readDocument(path)
	if err != nil {
		return nil, err
	}
	sessionID := doc.SessionID
	if sessionID == "" {
		sessionID = p.ExtractSessionID(path)
	}

	attacher := newPromptAttacher(attachedPrompts)
	done := cloneSet(processed)
	out := &Incremental{LastLine: len(doc.Messages)}

	// The separate prompt log is authoritative for user prompts; inline user
	// messages are the fallback when the log is missing.
	logPrompts, _ := p.promptsFromLog(filepath.Dir(filepath.Dir(path)), sessionID, nil, nil)
	promptLogAvailable := logPrompts != nil
	for _, text := range logPrompts {
		attacher.Offer(text)
	}

	for i, msg := range doc.Messages {
		ts := parseTimestamp(msg.Timestamp)
		switch msg.Type {
		case "user":
			if !promptLogAvailable {
				attacher.Offer(msg.Content)
			}
		case "gemini":
			recordID := msg.ID
			if recordID == "" {
				recordID = metrics.CompositeRecordID(sessionID, ts, i+1)
			}
			if _, ok := done[recordID]; ok {
				continue
			}
			delta := &metrics.MetricDelta{
				RecordID:       recordID,
				AgentSessionID: sessionID,
				Timestamp:      ts,
				SyncStatus:     metrics.SyncPending,
			}
			if msg.Model != "" {
				delta.Models = append(delta.Models, msg.Model)
			}
			if msg.Tokens != nil {
				delta.Tokens = metrics.TokenUsage{
					Input:     msg.Tokens.Input,
					Output:    msg.Tokens.Output,
					CacheRead: msg.Tokens.Cached,
				}
			}
			for _, call := range msg.ToolCalls {
				if call.Status == "pending" || call.Status == "executing" {
					// Result not recorded yet; revisit this message next pass.
					delta = nil
					break
				}
				if delta.Tools == nil {
					delta.Tools = make(map[string]int)
					delta.ToolStatus = make(map[string]metrics.ToolOutcome)
				}
				delta.Tools[call.Name]++
				outcome := delta.ToolStatus[call.Name]
				if call.Status == "error" || call.Status == "failed" {
					outcome.Failure++
					if delta.APIErrorMessage == "" {
						delta.APIErrorMessage = call.Error
					}
				} else {
					outcome.Success++
				}
				delta.ToolStatus[call.Name] = outcome
				if op, ok := geminiFileOperation(call); ok {
					delta.FileOperations = append(delta.FileOperations, op)
				}
			}
			if delta == nil {
				continue
			}
			attacher.Drain(delta)
			done[recordID] = struct{}{}
			out.Deltas = append(out.Deltas, delta)
		}
	}

	out.NewPromptTexts = attacher.NewlyAttached()
	return out, nil
}

// geminiToolFileOps maps gemini tool names to file-operation types.
var geminiToolFileOps = map[string]metrics.FileOpType{
	"read_file":           metrics.FileOpRead,
	"read_many_files":     metrics.FileOpRead,
	"write_file":          metrics.FileOpWrite,
	"replace":             metrics.FileOpEdit,
	"edit":                metrics.FileOpEdit,
	"search_file_content": metrics.FileOpGrep,
	"glob":                metrics.FileOpGlob,
}

func geminiFileOperation(call geminiToolCall) (metrics.FileOperation, bool) {
	opType, ok := geminiToolFileOps[call.Name]
	if !ok {
		return metrics.FileOperation{}, false
	}
	path := stringField(call.Args, "file_path")
	if path == "" {
		path = stringField(call.Args, "path")
	}
	op := metrics.FileOperation{
		Type:       opType,
		Path:       path,
		Language:   languageForPath(path),
		Format:     formatForPath(path),
		DurationMs: call.DurationMs,
	}
	switch opType {
	case metrics.FileOpWrite:
		op.LinesAdded = countLines(stringField(call.Args, "content"))
	case metrics.FileOpEdit:
		op.LinesAdded, op.LinesRemoved = diffLineCounts(
			stringField(call.Args, "old_string"),
			stringField(call.Args, "new_string"),
		)
	}
	return op, true
}

// promptLogEntry is one record of the project's logs.json prompt log.
type promptLogEntry struct {
	SessionID string `json:"sessionId"`
	MessageID any    `json:"messageId"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// promptsFromLog reads logs.json in the project directory. A nil slice with
// nil error means the log does not exist.
func (p *GeminiParser) promptsFromLog(projectDir, sessionID string, from, to *time.Time) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(projectDir, "logs.json"))
	if err != nil {
		return nil, nil
	}
	var entries []promptLogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		p.log.Debug("malformed prompt log in %s: %v", projectDir, err)
		return nil, nil
	}
	prompts := []string{}
	for _, entry := range entries {
		if entry.Type != "user" || entry.SessionID != sessionID {
			continue
		}
		ts := parseTimestamp(entry.Timestamp)
		if from != nil && ts.Before(*from) {
			continue
		}
		if to != nil && ts.After(*to) {
			continue
		}
		if entry.Message != "" {
			prompts = append(prompts, entry.Message)
		}
	}
	return prompts, nil
}

// UserPrompts locates the session's project directory and reads its prompt log.
func (p *GeminiParser) UserPrompts(agentSessionID string, from, to *time.Time) ([]string, error) {
	path := p.findSessionFile(agentSessionID)
	if path == "" {
		return nil, nil
	}
	prompts, err := p.promptsFromLog(filepath.Dir(filepath.Dir(path)), agentSessionID, from, to)
	if err != nil || prompts != nil {
		return prompts, err
	}
	// Fall back to inline user messages.
	doc, err := p.readDocument(path)
	if err != nil {
		return nil, err
	}
	var inline []string
	for _, msg := range doc.Messages {
		if msg.Type != "user" || msg.Content == "" {
			continue
		}
		ts := parseTimestamp(msg.Timestamp)
		if from != nil && ts.Before(*from) {
			continue
		}
		if to != nil && ts.After(*to) {
			continue
		}
		inline = append(inline, msg.Content)
	}
	return inline, nil
}

func (p *GeminiParser) findSessionFile(agentSessionID string) string {
	root := p.DataPaths().SessionsDir
	var found string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !p.MatchesSessionPattern(path, time.Time{}) {
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
