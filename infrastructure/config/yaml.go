package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlOverlay is the optional file-based configuration layer. Every field is
// a pointer so "absent from the file" and "present with a zero value" stay
// distinguishable: only fields that were actually set in the file override
// the hardcoded defaults, and an explicit environment variable still wins
// over both (see overlayDefault / overlayIntDefault / overlayBoolDefault).
type yamlOverlay struct {
	ServerAddress     *string           `yaml:"server_address"`
	Environment       *string           `yaml:"environment"`
	AWSRegion         *string           `yaml:"aws_region"`
	DynamoDBTable     *string           `yaml:"dynamodb_table"`
	IndexName         *string           `yaml:"index_name"`
	ClientIndexName   *string           `yaml:"client_index_name"`
	LogLevel          *string           `yaml:"log_level"`
	JWTIssuer         *string           `yaml:"jwt_issuer"`
	EnableMetrics     *bool             `yaml:"enable_metrics"`
	MetricsNamespace  *string           `yaml:"metrics_namespace"`
	EnableTracing     *bool             `yaml:"enable_tracing"`
	EnableCORS        *bool             `yaml:"enable_cors"`
	GroupManifestPath *string           `yaml:"group_manifest_path"`
	DynamicConfigPath *string           `yaml:"dynamic_config_path"`
	Listen            *yamlListenConfig `yaml:"listen"`
}

type yamlListenConfig struct {
	ClientTTL     *int `yaml:"client_ttl_seconds"`
	WaitTimeout   *int `yaml:"wait_timeout_seconds"`
	SweepInterval *int `yaml:"sweep_interval_seconds"`
}

// loadYAMLOverlay reads the file at CONFIG_FILE, if that variable is set. No
// variable set is not an error: the YAML layer is optional, env-vars-only
// deployments (the teacher's Lambda targets, among them) never need it.
func loadYAMLOverlay() (*yamlOverlay, error) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		return &yamlOverlay{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	overlay := &yamlOverlay{}
	if err := yaml.Unmarshal(data, overlay); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return overlay, nil
}

// overlayDefault returns fallback unless override names a non-nil value,
// in which case that value becomes the new default passed to getEnv - so
// the precedence is env var > YAML file > hardcoded default.
func overlayDefault(override *string, fallback string) string {
	if override != nil {
		return *override
	}
	return fallback
}

func overlayIntDefault(override *int, fallback int) int {
	if override != nil {
		return *override
	}
	return fallback
}

func overlayBoolDefault(override *bool, fallback bool) bool {
	if override != nil {
		return *override
	}
	return fallback
}
