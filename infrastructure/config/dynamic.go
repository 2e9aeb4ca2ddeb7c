package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DynamicConfigManager manages runtime configuration with hot-reload support.
type DynamicConfigManager struct {
	// Static configuration (from environment)
	staticConfig *Config

	// Dynamic configuration (from the watched JSON file)
	watcher *ConfigWatcher

	// Configuration store for persistence
	store ConfigStore

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc

	// Thread safety
	mu sync.RWMutex

	// Callbacks for configuration changes
	callbacks []ConfigChangeCallback

	logger *zap.Logger
}

// ConfigChangeCallback is called when configuration changes.
type ConfigChangeCallback func(oldConfig, newConfig *DynamicConfig)

// ConfigStore interface for configuration persistence.
type ConfigStore interface {
	Load(ctx context.Context) (*DynamicConfig, error)
	Save(ctx context.Context, config *DynamicConfig) error
	Watch(ctx context.Context, onChange func(*DynamicConfig)) error
}

// NewDynamicConfigManager creates a new dynamic configuration manager.
func NewDynamicConfigManager(staticConfig *Config, configPath string, logger *zap.Logger) (*DynamicConfigManager, error) {
	ctx, cancel := context.WithCancel(context.Background())

	var watcher *ConfigWatcher
	if configPath != "" {
		w, err := NewConfigWatcher(configPath, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create config watcher: %w", err)
		}
		watcher = w
	}

	manager := &DynamicConfigManager{
		staticConfig: staticConfig,
		watcher:      watcher,
		ctx:          ctx,
		cancel:       cancel,
		callbacks:    make([]ConfigChangeCallback, 0),
		logger:       logger,
	}

	if watcher != nil {
		watcher.OnChange(func(newConfig *DynamicConfig) {
			manager.handleConfigChange(newConfig)
		})
	}

	return manager, nil
}

// Start begins watching for configuration changes.
func (m *DynamicConfigManager) Start() error {
	if m.watcher != nil {
		m.watcher.Start()
	}

	go m.healthCheckLoop()

	m.logger.Info("Dynamic configuration manager started")
	return nil
}

// Stop stops the configuration manager.
func (m *DynamicConfigManager) Stop() {
	m.cancel()

	if m.watcher != nil {
		m.watcher.Stop()
	}

	m.logger.Info("Dynamic configuration manager stopped")
}

// healthCheckLoop periodically checks configuration health.
func (m *DynamicConfigManager) healthCheckLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.performHealthCheck()
		}
	}
}

// performHealthCheck validates current configuration.
func (m *DynamicConfigManager) performHealthCheck() {
	if m.watcher == nil {
		return
	}

	current := m.watcher.GetCurrent()
	if err := m.watcher.validateConfig(current); err != nil {
		m.logger.Error("Configuration health check failed",
			zap.Error(err),
		)
	}
}

// handleConfigChange handles configuration changes.
func (m *DynamicConfigManager) handleConfigChange(newConfig *DynamicConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasProduction := m.staticConfig.IsProduction()
	oldTTL := m.staticConfig.Listen.ClientTTL

	m.staticConfig.Listen.ClientTTL = newConfig.Listen.ClientTTLSeconds
	m.staticConfig.Listen.WaitTimeout = newConfig.Listen.WaitTimeoutSeconds
	m.staticConfig.Listen.SweepInterval = newConfig.Listen.SweepIntervalSeconds

	if wasProduction && !newConfig.Features.EnableSecurityRules {
		m.logger.Warn("EnableSecurityRules disabled in production",
			zap.Bool("requested_enabled", newConfig.Features.EnableSecurityRules),
		)
	}

	if oldTTL != newConfig.Listen.ClientTTLSeconds {
		m.logger.Info("Listen client TTL changed",
			zap.Int("old", oldTTL),
			zap.Int("new", newConfig.Listen.ClientTTLSeconds),
		)
	}

	for _, callback := range m.callbacks {
		go callback(nil, newConfig) // run callbacks async to avoid blocking
	}
}

// OnChange registers a callback for configuration changes.
func (m *DynamicConfigManager) OnChange(callback ConfigChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// GetConfig returns the current merged configuration.
func (m *DynamicConfigManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.staticConfig
}

// GetDynamicConfig returns the current dynamic configuration.
func (m *DynamicConfigManager) GetDynamicConfig() *DynamicConfig {
	if m.watcher == nil {
		return &DynamicConfig{
			Features: Features{
				EnableSecurityRules: true,
				EnableNotifyOnWrite: true,
			},
			Limits: Limits{
				MaxTransactItems:    100,
				MaxSecondaryFields:  8,
				MaxSubscriptionKeys: 64,
			},
			Listen: ListenTuning{
				ClientTTLSeconds:     m.staticConfig.Listen.ClientTTL,
				WaitTimeoutSeconds:   m.staticConfig.Listen.WaitTimeout,
				SweepIntervalSeconds: m.staticConfig.Listen.SweepInterval,
			},
		}
	}

	return m.watcher.GetCurrent()
}

// IsFeatureEnabled checks if a feature is enabled.
func (m *DynamicConfigManager) IsFeatureEnabled(feature string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dyn := m.GetDynamicConfig()
	switch feature {
	case "security_rules":
		return dyn.Features.EnableSecurityRules
	case "notify_on_write":
		return dyn.Features.EnableNotifyOnWrite
	default:
		return false
	}
}

// GetLimit returns a specific limit value.
func (m *DynamicConfigManager) GetLimit(limit string) int {
	dyn := m.GetDynamicConfig()
	switch limit {
	case "max_transact_items":
		return dyn.Limits.MaxTransactItems
	case "max_secondary_fields":
		return dyn.Limits.MaxSecondaryFields
	case "max_subscription_keys":
		return dyn.Limits.MaxSubscriptionKeys
	default:
		return 0
	}
}

// UpdateFeature updates a feature flag dynamically.
func (m *DynamicConfigManager) UpdateFeature(feature string, enabled bool) error {
	if m.watcher == nil {
		return fmt.Errorf("dynamic configuration not available")
	}

	config := m.watcher.GetCurrent()

	switch feature {
	case "security_rules":
		config.Features.EnableSecurityRules = enabled
	case "notify_on_write":
		config.Features.EnableNotifyOnWrite = enabled
	default:
		return fmt.Errorf("unknown feature: %s", feature)
	}

	if err := m.watcher.SaveConfig(config); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	m.logger.Info("Feature updated",
		zap.String("feature", feature),
		zap.Bool("enabled", enabled),
	)

	return nil
}

// UpdateLimit updates a limit value dynamically.
func (m *DynamicConfigManager) UpdateLimit(limit string, value int) error {
	if m.watcher == nil {
		return fmt.Errorf("dynamic configuration not available")
	}

	config := m.watcher.GetCurrent()

	switch limit {
	case "max_transact_items":
		config.Limits.MaxTransactItems = value
	case "max_secondary_fields":
		config.Limits.MaxSecondaryFields = value
	case "max_subscription_keys":
		config.Limits.MaxSubscriptionKeys = value
	default:
		return fmt.Errorf("unknown limit: %s", limit)
	}

	if err := m.watcher.SaveConfig(config); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	m.logger.Info("Limit updated",
		zap.String("limit", limit),
		zap.Int("value", value),
	)

	return nil
}
