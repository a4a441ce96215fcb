// Package store persists the metrics pipeline's on-disk state: one JSON
// document per session (the session record plus its sync state) and one
// append-only JSONL delta log beside it.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"codemie/internal/config"
	codemieerr "codemie/internal/errors"
	"codemie/internal/logging"
	"codemie/internal/metrics"
)

// SessionDocument is the persisted unit for one session: the session record
// and the sync bookkeeping that survives process restarts.
type SessionDocument struct {
	Session metrics.MetricsSession `json:"session"`
	Sync    metrics.SyncState      `json:"sync"`
}

// SessionStore reads and writes session documents under the sessions
// directory. Writes go through a temp file and rename so a crash never leaves
// a truncated document.
type SessionStore struct {
	dir string
	mu  sync.Mutex
	log *logging.Logger
}

// NewSessionStore creates a store rooted at the default sessions directory.
func NewSessionStore() *SessionStore {
	return NewSessionStoreAt(config.SessionsDir())
}

// NewSessionStoreAt creates a store rooted at dir.
func NewSessionStoreAt(dir string) *SessionStore {
	return &SessionStore{dir: dir, log: logging.NewComponentLogger("SessionStore")}
}

func (s *SessionStore) documentPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Create initializes and persists the document for a new session.
func (s *SessionStore) Create(session *metrics.MetricsSession) (*SessionDocument, error) {
	doc := &SessionDocument{
		Session: *session,
		Sync: metrics.SyncState{
			SessionID:               session.SessionID,
			StartTime:               session.StartTime,
			Status:                  session.Status,
			ProcessedRecordIDs:      []string{},
			AttachedUserPromptTexts: []string{},
		},
	}
	if err := s.Save(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Load reads the document for sessionID. A missing document is an error.
func (s *SessionStore) Load(sessionID string) (*SessionDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(sessionID)
}

func (s *SessionStore) loadLocked(sessionID string) (*SessionDocument, error) {
	data, err := os.ReadFile(s.documentPath(sessionID))
	if err != nil {
		return nil, codemieerr.Wrap(codemieerr.KindPersistence, err, "read session document")
	}
	var doc SessionDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, codemieerr.Wrap(codemieerr.KindPersistence, err, "decode session document")
	}
	return &doc, nil
}

// Save writes the document atomically.
func (s *SessionStore) Save(doc *SessionDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(doc)
}

func (s *SessionStore) saveLocked(doc *SessionDocument) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return codemieerr.Wrap(codemieerr.KindPersistence, err, "create sessions directory")
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return codemieerr.Wrap(codemieerr.KindPersistence, err, "encode session document")
	}
	return atomicWrite(s.documentPath(doc.Session.SessionID), data)
}

// Update loads, mutates, and saves the document under the store lock.
func (s *SessionStore) Update(sessionID string, mutate func(*SessionDocument)) (*SessionDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked(sessionID)
	if err != nil {
		return nil, err
	}
	mutate(doc)
	if err := s.saveLocked(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// RecordProcessed appends newly processed record ids and attached prompt
// texts to the sync state and advances the watermark.
func (s *SessionStore) RecordProcessed(sessionID string, recordIDs, promptTexts []string, lastLine int, lastHash string) (*SessionDocument, error) {
	return s.Update(sessionID, func(doc *SessionDocument) {
		doc.Sync.ProcessedRecordIDs = appendNew(doc.Sync.ProcessedRecordIDs, recordIDs)
		doc.Sync.AttachedUserPromptTexts = appendNew(doc.Sync.AttachedUserPromptTexts, promptTexts)
		doc.Sync.TotalDeltas += len(recordIDs)
		if lastLine > doc.Sync.LastLine {
			doc.Sync.LastLine = lastLine
		}
		if lastHash != "" {
			doc.Sync.LastHash = lastHash
		}
		doc.Sync.LastProcessedAt = time.Now()
	})
}

// Finalize stamps the end time and terminal status on both halves of the
// document.
func (s *SessionStore) Finalize(sessionID string, status metrics.SessionStatus, endTime time.Time) (*SessionDocument, error) {
	return s.Update(sessionID, func(doc *SessionDocument) {
		doc.Session.Status = status
		doc.Session.EndTime = &endTime
		doc.Session.Monitoring.IsActive = false
		doc.Sync.Status = status
		doc.Sync.EndTime = &endTime
	})
}

// List returns every session document in the store, skipping files that do
// not decode.
func (s *SessionStore) List() ([]*SessionDocument, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, codemieerr.Wrap(codemieerr.KindPersistence, err, "list sessions directory")
	}
	var docs []*SessionDocument
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, "_metrics.jsonl") {
			continue
		}
		doc, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.log.Debug("skipping unreadable session document %s: %v", name, err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// RecoverStale marks sessions still recorded as active by a dead process as
// recovered, excluding the currently running session. It returns the ids it
// touched.
func (s *SessionStore) RecoverStale(currentSessionID string) ([]string, error) {
	docs, err := s.List()
	if err != nil {
		return nil, err
	}
	var recovered []string
	for _, doc := range docs {
		if doc.Session.SessionID == currentSessionID || doc.Session.Status != metrics.SessionActive {
			continue
		}
		if _, err := s.Update(doc.Session.SessionID, func(d *SessionDocument) {
			d.Session.Status = metrics.SessionRecovered
			d.Session.Monitoring.IsActive = false
			d.Sync.Status = metrics.SessionRecovered
		}); err != nil {
			s.log.Warn("failed to mark session %s recovered: %v", doc.Session.SessionID, err)
			continue
		}
		recovered = append(recovered, doc.Session.SessionID)
	}
	return recovered, nil
}

func appendNew(existing, additions []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	for _, v := range additions {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		existing = append(existing, v)
	}
	return existing
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return codemieerr.Wrap(codemieerr.KindPersistence, err, "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return codemieerr.Wrap(codemieerr.KindPersistence, err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return codemieerr.Wrap(codemieerr.KindPersistence, err, "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return codemieerr.Wrap(codemieerr.KindPersistence, err, "replace file")
	}
	return nil
}
