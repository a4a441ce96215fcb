package observability

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	appconfig "codemie/internal/config"
)

// Config is the observability section of the config file.
type Config struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// DefaultConfig returns the default observability configuration: metrics off,
// since the orchestrator is a short-lived foreground process and a scrape
// endpoint only helps when explicitly asked for.
func DefaultConfig() Config {
	return Config{
		Metrics: MetricsConfig{
			Enabled:        false,
			PrometheusPort: 9464,
		},
	}
}

// LoadConfig reads the observability section from configPath, or from the
// data root's config.yaml when configPath is empty. Missing files yield the
// defaults.
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()

	if configPath == "" {
		configPath = appconfig.DataRoot() + "/config.yaml"
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return config, fmt.Errorf("failed to read config file: %w", err)
	}

	var fileConfig struct {
		Observability Config `yaml:"observability"`
	}
	if err := yaml.Unmarshal(data, &fileConfig); err != nil {
		return config, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.Metrics.Enabled = fileConfig.Observability.Metrics.Enabled
	if fileConfig.Observability.Metrics.PrometheusPort > 0 {
		config.Metrics.PrometheusPort = fileConfig.Observability.Metrics.PrometheusPort
	}
	return config, nil
}
