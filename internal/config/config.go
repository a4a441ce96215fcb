// Package config loads orchestrator settings from CODEMIE_* environment
// variables and the optional ~/.codemie/config.yaml, and defines the on-disk
// data root layout shared by the metrics pipeline and the credential store.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider identifies how LLM traffic is authenticated and routed.
type Provider string

const (
	// ProviderSSO routes the assistant through the local proxy with SSO cookies.
	ProviderSSO Provider = "sso"
	// ProviderAPIKey passes an API key straight to the assistant.
	ProviderAPIKey Provider = "api-key"
)

// Settings is the typed view of the orchestrator configuration.
type Settings struct {
	BaseURL         string
	APIKey          string
	Model           string
	Provider        Provider
	Timeout         time.Duration
	IntegrationID   string
	ProfileName     string
	Project         string
	MetricsDisabled bool
	Debug           bool
	DryRun          bool

	// BlockedEndpoints are request paths the proxy short-circuits without
	// contacting upstream (matched case-insensitively).
	BlockedEndpoints []string
}

const defaultUpstreamTimeout = 300 * time.Second

// DefaultBlockedEndpoints lists upstream paths that must never leave the
// machine; the assistant's own telemetry batches are answered locally.
var DefaultBlockedEndpoints = []string{
	"/api/event_logging/batch",
	"/api/telemetry",
}

// Load reads settings from the environment and the optional config file.
// Environment variables win over file values.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("CODEMIE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	v.SetDefault("provider", string(ProviderSSO))
	v.SetDefault("timeout", int64(defaultUpstreamTimeout/time.Second))

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(DataRoot())
	// Missing config file is fine; env vars alone are a valid configuration.
	_ = v.ReadInConfig()

	s := &Settings{
		BaseURL:          strings.TrimRight(v.GetString("base_url"), "/"),
		APIKey:           v.GetString("api_key"),
		Model:            v.GetString("model"),
		Provider:         Provider(v.GetString("provider")),
		Timeout:          time.Duration(v.GetInt64("timeout")) * time.Second,
		IntegrationID:    v.GetString("integration_id"),
		ProfileName:      v.GetString("profile_name"),
		Project:          v.GetString("project"),
		MetricsDisabled:  isTruthy(v.GetString("metrics_disabled")),
		Debug:            isTruthy(v.GetString("debug")),
		BlockedEndpoints: v.GetStringSlice("blocked_endpoints"),
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultUpstreamTimeout
	}
	if len(s.BlockedEndpoints) == 0 {
		s.BlockedEndpoints = DefaultBlockedEndpoints
	}
	return s, nil
}

func isTruthy(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	return v == "1" || v == "true"
}

// DataRoot returns the codemie data directory (~/.codemie).
func DataRoot() string {
	if root := os.Getenv("CODEMIE_DATA_ROOT"); root != "" {
		return root
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codemie"
	}
	return filepath.Join(home, ".codemie")
}

// SessionsDir returns the directory holding per-session metrics documents.
func SessionsDir() string {
	return filepath.Join(DataRoot(), "metrics", "sessions")
}

// CredentialsDir returns the directory holding SSO credential blobs.
func CredentialsDir() string {
	return filepath.Join(DataRoot(), "credentials")
}

// SessionDocumentPath returns the path of the MetricsSession+SyncState JSON
// document for the given session.
func SessionDocumentPath(sessionID string) string {
	return filepath.Join(SessionsDir(), sessionID+".json")
}

// DeltaLogPath returns the path of the append-only delta log for the session.
func DeltaLogPath(sessionID string) string {
	return filepath.Join(SessionsDir(), sessionID+"_metrics.jsonl")
}
