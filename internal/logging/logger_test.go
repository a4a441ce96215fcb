package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogDirFollowsDataRoot(t *testing.T) {
	root := t.TempDir()
	t.Setenv("CODEMIE_DATA_ROOT", root)
	assert.Equal(t, filepath.Join(root, "logs"), LogDir())
}

func TestSanitizeLogLineRedactsBearerTokens(t *testing.T) {
	line := `Authorization: Bearer abc123secretvalue`
	got := sanitizeLogLine(line)
	assert.NotContains(t, got, "abc123secretvalue")
	assert.Contains(t, got, Placeholder)
}

func TestSanitizeLogLineRedactsKeyValuePairs(t *testing.T) {
	cases := []struct {
		name string
		line string
		leak string
	}{
		{"api key", `api_key=sk_live_0123456789abcdef`, "sk_live_0123456789abcdef"},
		{"cookie", `cookie: SESSION=deadbeefcafe1234`, "deadbeefcafe1234"},
		{"json token", `{"token": "tok_9876543210fedcba"}`, "tok_9876543210fedcba"},
		{"openai style", `using sk-aaaabbbbccccddddeeee for auth`, "sk-aaaabbbbccccddddeeee"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := sanitizeLogLine(tc.line)
			assert.NotContains(t, got, tc.leak)
		})
	}
}

func TestSanitizeLogLineLeavesPlainTextAlone(t *testing.T) {
	line := "session correlated after 2 attempts"
	assert.Equal(t, line, sanitizeLogLine(line))
}

func TestComponentLoggerSharesSink(t *testing.T) {
	a := NewComponentLogger("A")
	b := NewComponentLogger("B")
	assert.Equal(t, a.file, b.file)
	assert.Equal(t, "A", a.component)
	assert.Equal(t, "B", b.component)
}
