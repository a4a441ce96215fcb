// Package collector tails a correlated assistant session file, turning file
// changes into persisted metric deltas. Change bursts are debounced; parse
// passes never overlap; a final drain runs when the session ends so the tail
// of the log is not lost.
package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	codemieerr "codemie/internal/errors"
	"codemie/internal/gitx"
	"codemie/internal/logging"
	"codemie/internal/metrics"
	"codemie/internal/metrics/parser"
	"codemie/internal/metrics/store"
)

const defaultDebounce = 5 * time.Second

// Options configures a Collector.
type Options struct {
	SessionID   string
	SessionFile string
	WorkingDir  string
	Parser      parser.SessionParser
	Sessions    *store.SessionStore
	Deltas      *store.DeltaLog
	Git         *gitx.Resolver
	// Debounce overrides the change debounce interval; zero means the default.
	Debounce time.Duration
}

// Collector watches one session file and persists the deltas it yields.
type Collector struct {
	opts     Options
	debounce time.Duration
	log      *logging.Logger

	changeCount int
}

// New creates a collector. The caller is expected to have correlated the
// session file already.
func New(opts Options) *Collector {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Collector{
		opts:     opts,
		debounce: debounce,
		log:      logging.NewComponentLogger("Collector"),
	}
}

// Run watches the session file until ctx is canceled. It flushes once up
// front to catch content written before the watch began, then flushes after
// each quiet period, and drains one final time on shutdown. Flush errors are
// logged and retried on the next change; they never abort the watch.
func (c *Collector) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return codemieerr.Wrap(codemieerr.KindPersistence, err, "create file watcher")
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors and assistants replace files
	// by rename, and sidechain siblings appear beside the main file.
	dir := filepath.Dir(c.opts.SessionFile)
	if err := watcher.Add(dir); err != nil {
		return codemieerr.Wrap(codemieerr.KindPersistence, err, "watch sessions directory")
	}

	if _, err := c.opts.Sessions.Update(c.opts.SessionID, func(doc *store.SessionDocument) {
		doc.Session.Monitoring.IsActive = true
	}); err != nil {
		c.log.Warn("failed to mark monitoring active: %v", err)
	}

	c.flush(ctx)

	timer := time.NewTimer(c.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-ctx.Done():
			// final drain with a fresh deadline; ctx is already canceled
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			c.flush(drainCtx)
			cancel()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !c.relevant(event) {
				continue
			}
			c.changeCount++
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.debounce)
			armed = true
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.log.Warn("watcher error: %v", err)
		case <-timer.C:
			armed = false
			c.flush(ctx)
		}
	}
}

func (c *Collector) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	if event.Name == c.opts.SessionFile {
		return true
	}
	return c.opts.Parser.MatchesSessionPattern(event.Name, time.Time{})
}

// Flush runs one parse-and-persist pass. Exposed for the lifecycle
// controller's synchronous final drain.
func (c *Collector) Flush(ctx context.Context) error {
	return c.flushOnce(ctx)
}

func (c *Collector) flush(ctx context.Context) {
	if err := c.flushOnce(ctx); err != nil {
		c.log.Warn("flush failed for session %s: %v", c.opts.SessionID, err)
	}
}

func (c *Collector) flushOnce(ctx context.Context) error {
	doc, err := c.opts.Sessions.Load(c.opts.SessionID)
	if err != nil {
		return err
	}

	var fileHash string
	if c.opts.Parser.WatermarkStrategy() == metrics.WatermarkHash {
		fileHash, err = c.hashSessionFiles()
		if err == nil && fileHash != "" && fileHash == doc.Sync.LastHash {
			// unchanged since the last pass
			return c.touchMonitoring()
		}
	}

	inc, err := c.opts.Parser.ParseIncremental(
		c.opts.SessionFile,
		doc.Sync.ProcessedSet(),
		doc.Sync.AttachedPromptSet(),
	)
	if err != nil {
		return codemieerr.Wrap(codemieerr.KindParse, err, "incremental parse")
	}

	if len(inc.Deltas) > 0 {
		branch := c.opts.Git.Branch(ctx, c.opts.WorkingDir)
		recordIDs := make([]string, 0, len(inc.Deltas))
		for _, delta := range inc.Deltas {
			if delta.GitBranch == "" {
				delta.GitBranch = branch
			}
			recordIDs = append(recordIDs, delta.RecordID)
		}
		if err := c.opts.Deltas.Append(c.opts.SessionID, inc.Deltas...); err != nil {
			return err
		}
		if _, err := c.opts.Sessions.RecordProcessed(
			c.opts.SessionID, recordIDs, inc.NewPromptTexts, inc.LastLine, fileHash,
		); err != nil {
			return err
		}
		c.log.Debug("session %s: %d new delta(s)", c.opts.SessionID, len(inc.Deltas))
		return c.touchMonitoring()
	}

	// no new deltas, but the watermark may still advance
	if inc.LastLine > doc.Sync.LastLine || (fileHash != "" && fileHash != doc.Sync.LastHash) {
		if _, err := c.opts.Sessions.RecordProcessed(
			c.opts.SessionID, nil, inc.NewPromptTexts, inc.LastLine, fileHash,
		); err != nil {
			return err
		}
	}
	return c.touchMonitoring()
}

func (c *Collector) touchMonitoring() error {
	_, err := c.opts.Sessions.Update(c.opts.SessionID, func(doc *store.SessionDocument) {
		doc.Session.Monitoring.IsActive = true
		doc.Session.Monitoring.ChangeCount = c.changeCount
	})
	return err
}

// hashSessionFiles hashes the main session file together with its sidechain
// siblings; a delta written only to a sibling must defeat the unchanged
// short-circuit.
func (c *Collector) hashSessionFiles() (string, error) {
	paths := []string{c.opts.SessionFile}

	dir := filepath.Dir(c.opts.SessionFile)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if path == c.opts.SessionFile {
			continue
		}
		if c.opts.Parser.MatchesSessionPattern(path, time.Time{}) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths[1:])

	h := sha256.New()
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		io.WriteString(h, path)
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
