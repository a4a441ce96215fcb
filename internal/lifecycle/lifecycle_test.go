package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemie/internal/config"
	codemieerr "codemie/internal/errors"
)

// installFakeAgent puts a shell script named "claude" on PATH.
func installFakeAgent(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return dir
}

func disabledSettings() *config.Settings {
	return &config.Settings{
		Provider:        config.ProviderAPIKey,
		BaseURL:         "https://api.example.com",
		APIKey:          "key-1",
		MetricsDisabled: true,
		Timeout:         30 * time.Second,
	}
}

func TestRunSuccess(t *testing.T) {
	t.Setenv("CODEMIE_DATA_ROOT", t.TempDir())
	installFakeAgent(t, "exit 0")

	err := Run(context.Background(), Options{
		AgentName: "claude",
		Settings:  disabledSettings(),
	})
	assert.NoError(t, err)
}

func TestRunNonZeroExit(t *testing.T) {
	t.Setenv("CODEMIE_DATA_ROOT", t.TempDir())
	installFakeAgent(t, "exit 7")

	err := Run(context.Background(), Options{
		AgentName: "claude",
		Settings:  disabledSettings(),
	})
	require.Error(t, err)
	var exitErr *ExitCodeError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 7, exitErr.Code)
}

func TestRunUnknownAgent(t *testing.T) {
	err := Run(context.Background(), Options{AgentName: "copilot", Settings: disabledSettings()})
	require.Error(t, err)
	kind, ok := codemieerr.KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, codemieerr.KindConfiguration, kind)
}

func TestRunMissingBinary(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	err := Run(context.Background(), Options{AgentName: "claude", Settings: disabledSettings()})
	require.Error(t, err)
	kind, ok := codemieerr.KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, codemieerr.KindSpawn, kind)
}

func TestRunInjectsUpstreamEnvInAPIKeyMode(t *testing.T) {
	t.Setenv("CODEMIE_DATA_ROOT", t.TempDir())
	out := filepath.Join(t.TempDir(), "env.txt")
	installFakeAgent(t, `echo "$ANTHROPIC_BASE_URL $ANTHROPIC_API_KEY" > `+out)

	err := Run(context.Background(), Options{
		AgentName: "claude",
		Settings:  disabledSettings(),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com key-1", strings.TrimSpace(string(data)))
}

func TestRunWaitsForSignaledChildWithoutKilling(t *testing.T) {
	t.Setenv("CODEMIE_DATA_ROOT", t.TempDir())
	// the agent shrugs off SIGTERM and finishes its own shutdown
	installFakeAgent(t, "trap '' TERM\nsleep 3\nexit 0")

	go func() {
		time.Sleep(300 * time.Millisecond)
		syscall.Kill(os.Getpid(), syscall.SIGTERM)
	}()

	start := time.Now()
	err := Run(context.Background(), Options{
		AgentName: "claude",
		Settings:  disabledSettings(),
	})
	assert.NoError(t, err, "a signaled child exits on its own terms")
	assert.Greater(t, time.Since(start), 2500*time.Millisecond, "the child ran to completion")
}

func TestRunSSOModeRoutesThroughLoopbackProxy(t *testing.T) {
	t.Setenv("CODEMIE_DATA_ROOT", t.TempDir())
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	out := filepath.Join(t.TempDir(), "env.txt")
	installFakeAgent(t, `echo "$ANTHROPIC_BASE_URL $ANTHROPIC_API_KEY" > `+out)

	err := Run(context.Background(), Options{
		AgentName: "claude",
		Settings: &config.Settings{
			Provider:        config.ProviderSSO,
			BaseURL:         upstream.URL,
			APIKey:          "sk-should-not-leak",
			MetricsDisabled: true,
			Timeout:         30 * time.Second,
		},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	fields := strings.Fields(string(data))
	require.Len(t, fields, 2)
	assert.True(t, strings.HasPrefix(fields[0], "http://127.0.0.1:"), "agent pointed at loopback proxy, got %s", fields[0])
	assert.Equal(t, "proxy-handled", fields[1], "real key never reaches the agent")
}
