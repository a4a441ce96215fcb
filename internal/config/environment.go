package config

import (
	"os"
	"strings"
)

// SnapshotProcessEnv returns a map of the current process environment variables.
// The resulting map is a copy and safe for modification by callers.
func SnapshotProcessEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	return env
}

// ComposeEnv merges overrides onto base and flattens the result back into the
// KEY=VALUE form expected by exec.Cmd. Neither input map is mutated.
func ComposeEnv(base map[string]string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}
