package config

import (
	"fmt"
	"os"
	"strconv"
)

// ListenConfig holds tuning for the long-poll listen/confirm surface (spec §4.6).
type ListenConfig struct {
	// ClientTTL is how long a client may go without calling listen before
	// the eviction sweeper reclaims its subscriptions.
	ClientTTL int // seconds
	// WaitTimeout bounds how long a single listen call blocks with no
	// pending update before returning empty.
	WaitTimeout int // seconds
	// SweepInterval is how often the eviction sweeper scans for expired
	// clients. Defaults to half of ClientTTL when zero.
	SweepInterval int // seconds
}

// Config holds all application configuration.
type Config struct {
	// Server configuration
	ServerAddress string
	Environment   string

	// AWS configuration
	AWSRegion       string
	DynamoDBTable   string
	IndexName       string // GSI1 - used by the document store's collection-group reads
	ClientIndexName string // GSI2 - used by the update queue's client_subscription lookup

	// Logging
	LogLevel string

	// Authentication
	JWTSecret string
	JWTIssuer string

	// Feature flags
	EnableMetrics bool
	EnableTracing bool
	EnableCORS    bool

	// Listen/confirm and eviction tuning
	Listen ListenConfig

	// GroupManifestPath points at the JSON file listing composite-field-group
	// definitions (spec §4.5), hot-reloaded by internal/groupmanifest.
	GroupManifestPath string
	// DynamicConfigPath points at the JSON file backing ConfigWatcher's
	// runtime feature flags and limits.
	DynamicConfigPath string

	// MetricsNamespace is the CloudWatch namespace operation/queue/eviction
	// metrics are published under when EnableMetrics is set.
	MetricsNamespace string
}

// LoadConfig loads configuration from environment variables, overlaid on an
// optional YAML file named by CONFIG_FILE (see loadYAMLOverlay) - env vars
// always take precedence over the file, and the file takes precedence over
// the hardcoded defaults below.
func LoadConfig() (*Config, error) {
	overlay, err := loadYAMLOverlay()
	if err != nil {
		return nil, err
	}
	listenOverlay := overlay.Listen
	if listenOverlay == nil {
		listenOverlay = &yamlListenConfig{}
	}

	cfg := &Config{
		ServerAddress:   getEnv("SERVER_ADDRESS", overlayDefault(overlay.ServerAddress, ":8080")),
		Environment:     getEnv("ENVIRONMENT", overlayDefault(overlay.Environment, "development")),
		AWSRegion:       getEnv("AWS_REGION", overlayDefault(overlay.AWSRegion, "us-west-2")),
		DynamoDBTable:   getEnv("TABLE_NAME", getEnv("DYNAMODB_TABLE", overlayDefault(overlay.DynamoDBTable, "docucore"))),
		IndexName:       getEnv("INDEX_NAME", overlayDefault(overlay.IndexName, "GSI1")),
		ClientIndexName: getEnv("CLIENT_INDEX_NAME", overlayDefault(overlay.ClientIndexName, "GSI2")),

		// Authentication
		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTIssuer: getEnv("JWT_ISSUER", overlayDefault(overlay.JWTIssuer, "docucore")),

		// Logging and features
		LogLevel:         getEnv("LOG_LEVEL", overlayDefault(overlay.LogLevel, "info")),
		EnableMetrics:    getEnvBool("ENABLE_METRICS", overlayBoolDefault(overlay.EnableMetrics, false)),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", overlayDefault(overlay.MetricsNamespace, "DocuCore")),
		EnableTracing:    getEnvBool("ENABLE_TRACING", overlayBoolDefault(overlay.EnableTracing, false)),
		EnableCORS:       getEnvBool("ENABLE_CORS", overlayBoolDefault(overlay.EnableCORS, true)),

		Listen: ListenConfig{
			ClientTTL:     getEnvInt("LISTEN_CLIENT_TTL_SECONDS", overlayIntDefault(listenOverlay.ClientTTL, 60)),
			WaitTimeout:   getEnvInt("LISTEN_WAIT_TIMEOUT_SECONDS", overlayIntDefault(listenOverlay.WaitTimeout, 20)),
			SweepInterval: getEnvInt("LISTEN_SWEEP_INTERVAL_SECONDS", overlayIntDefault(listenOverlay.SweepInterval, 0)),
		},

		GroupManifestPath: getEnv("GROUP_MANIFEST_PATH", overlayDefault(overlay.GroupManifestPath, "config/groups.json")),
		DynamicConfigPath: getEnv("DYNAMIC_CONFIG_PATH", overlayDefault(overlay.DynamicConfigPath, "config/dynamic.json")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load is an alias for LoadConfig for backwards compatibility.
func Load() (*Config, error) {
	return LoadConfig()
}

// Validate checks if all required configuration is present.
func (c *Config) Validate() error {
	if c.Environment == "production" {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.DynamoDBTable == "" {
			return fmt.Errorf("DYNAMODB_TABLE is required")
		}
	}
	if c.Listen.ClientTTL <= 0 {
		return fmt.Errorf("LISTEN_CLIENT_TTL_SECONDS must be positive")
	}
	if c.Listen.WaitTimeout <= 0 {
		return fmt.Errorf("LISTEN_WAIT_TIMEOUT_SECONDS must be positive")
	}

	return nil
}

// IsDevelopment checks if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value.
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable with a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
