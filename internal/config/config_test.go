package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CODEMIE_DATA_ROOT", t.TempDir())
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ProviderSSO, s.Provider)
	assert.Equal(t, 300*time.Second, s.Timeout)
	assert.Equal(t, DefaultBlockedEndpoints, s.BlockedEndpoints)
	assert.False(t, s.MetricsDisabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CODEMIE_DATA_ROOT", t.TempDir())
	t.Setenv("CODEMIE_BASE_URL", "https://codemie.example.com/")
	t.Setenv("CODEMIE_PROVIDER", "api-key")
	t.Setenv("CODEMIE_TIMEOUT", "60")
	t.Setenv("CODEMIE_METRICS_DISABLED", "1")
	t.Setenv("CODEMIE_DEBUG", "true")
	t.Setenv("CODEMIE_INTEGRATION_ID", "int-42")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://codemie.example.com", s.BaseURL, "trailing slash trimmed")
	assert.Equal(t, ProviderAPIKey, s.Provider)
	assert.Equal(t, time.Minute, s.Timeout)
	assert.True(t, s.MetricsDisabled)
	assert.True(t, s.Debug)
	assert.Equal(t, "int-42", s.IntegrationID)
}

func TestDataRootLayout(t *testing.T) {
	t.Setenv("CODEMIE_DATA_ROOT", "/tmp/cmroot")
	assert.Equal(t, "/tmp/cmroot/metrics/sessions/s1.json", SessionDocumentPath("s1"))
	assert.Equal(t, "/tmp/cmroot/metrics/sessions/s1_metrics.jsonl", DeltaLogPath("s1"))
	assert.Equal(t, "/tmp/cmroot/credentials", CredentialsDir())
}

func TestComposeEnv(t *testing.T) {
	base := map[string]string{"PATH": "/bin", "HOME": "/home/u"}
	out := ComposeEnv(base, map[string]string{"HOME": "/override", "EXTRA": "1"})
	assert.Contains(t, out, "PATH=/bin")
	assert.Contains(t, out, "HOME=/override")
	assert.Contains(t, out, "EXTRA=1")
	assert.Equal(t, "/home/u", base["HOME"], "input not mutated")
}
