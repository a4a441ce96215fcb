// Package snapshot captures the file set of an assistant's sessions
// directory and computes set-diffs between captures. The correlator uses the
// diff of a pre-spawn and post-spawn snapshot to find the file the freshly
// spawned assistant created.
package snapshot

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codemie/internal/logging"
	"codemie/internal/metrics"
)

var log = logging.NewComponentLogger("Snapshotter")

// Capture walks baseDir and returns a snapshot of all files matching the
// slash-separated template. Template segments of the form {name} match any
// single directory level; static segments must match exactly (ASCII
// case-insensitive). The final segment is matched against file names and may
// contain a '*' wildcard. A missing baseDir yields an empty snapshot.
func Capture(baseDir, template string) (*metrics.FileSnapshot, error) {
	snap := &metrics.FileSnapshot{CapturedAt: time.Now()}

	info, err := os.Stat(baseDir)
	if err != nil || !info.IsDir() {
		return snap, nil
	}

	segments := splitTemplate(template)

	walkErr := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Debug("skipping unreadable entry %s: %v", path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(baseDir, path)
		if err != nil {
			return nil
		}
		if !matchesTemplate(rel, segments) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			log.Debug("skipping stat failure %s: %v", path, err)
			return nil
		}
		snap.Files = append(snap.Files, metrics.FileInfo{
			Path:    path,
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
		return nil
	})
	if walkErr != nil {
		return snap, walkErr
	}
	return snap, nil
}

// Diff returns the files present in after but not in before, compared by path.
func Diff(before, after *metrics.FileSnapshot) []metrics.FileInfo {
	seen := make(map[string]struct{})
	if before != nil {
		for _, f := range before.Files {
			seen[f.Path] = struct{}{}
		}
	}
	var added []metrics.FileInfo
	if after == nil {
		return added
	}
	for _, f := range after.Files {
		if _, ok := seen[f.Path]; !ok {
			added = append(added, f)
		}
	}
	return added
}

// splitTemplate normalizes separators and splits the template into segments.
func splitTemplate(template string) []string {
	normalized := strings.ReplaceAll(template, "\\", "/")
	normalized = strings.Trim(normalized, "/")
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, "/")
}

// matchesTemplate reports whether the relative path satisfies the template.
// An empty template matches everything under the base directory.
func matchesTemplate(rel string, segments []string) bool {
	if len(segments) == 0 {
		return true
	}
	parts := splitTemplate(rel)
	if len(parts) != len(segments) {
		return false
	}
	for i, seg := range segments {
		if isPlaceholder(seg) {
			continue
		}
		if strings.ContainsRune(seg, '*') {
			ok, err := filepath.Match(strings.ToLower(seg), strings.ToLower(parts[i]))
			if err != nil || !ok {
				return false
			}
			continue
		}
		if !strings.EqualFold(seg, parts[i]) {
			return false
		}
	}
	return true
}

func isPlaceholder(segment string) bool {
	return len(segment) > 2 && strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}")
}
