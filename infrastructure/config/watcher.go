package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ConfigWatcher watches configuration files for changes.
type ConfigWatcher struct {
	path        string
	watcher     *fsnotify.Watcher
	current     *DynamicConfig
	mu          sync.RWMutex
	onChange    []func(*DynamicConfig)
	logger      *zap.Logger
	stopCh      chan struct{}
	lastModTime time.Time
}

// DynamicConfig represents runtime-changeable configuration.
type DynamicConfig struct {
	Features Features       `json:"features"`
	Limits   Limits         `json:"limits"`
	Listen   ListenTuning   `json:"listen"`
	Metadata ConfigMetadata `json:"metadata"`
}

// Features holds runtime-toggleable behavior.
type Features struct {
	EnableSecurityRules bool `json:"enableSecurityRules"`
	EnableNotifyOnWrite bool `json:"enableNotifyOnWrite"`
}

// Limits holds runtime-tunable limits on the write/transaction path.
type Limits struct {
	MaxTransactItems    int `json:"maxTransactItems"`
	MaxSecondaryFields  int `json:"maxSecondaryFields"`
	MaxSubscriptionKeys int `json:"maxSubscriptionKeys"`
}

// ListenTuning holds runtime-tunable listen/confirm and eviction knobs,
// mirroring config.ListenConfig but reloadable without a process restart.
type ListenTuning struct {
	ClientTTLSeconds     int `json:"clientTtlSeconds"`
	WaitTimeoutSeconds   int `json:"waitTimeoutSeconds"`
	SweepIntervalSeconds int `json:"sweepIntervalSeconds"`
}

// ConfigMetadata holds metadata about the configuration.
type ConfigMetadata struct {
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
}

// NewConfigWatcher creates a new configuration watcher.
func NewConfigWatcher(configPath string, logger *zap.Logger) (*ConfigWatcher, error) {
	config, err := loadConfigFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	// Also watch the directory for atomic saves (rename operations)
	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		logger.Warn("Failed to watch config directory", zap.Error(err))
	}

	cw := &ConfigWatcher{
		path:        configPath,
		watcher:     watcher,
		current:     config,
		onChange:    make([]func(*DynamicConfig), 0),
		logger:      logger,
		stopCh:      make(chan struct{}),
		lastModTime: time.Now(),
	}

	return cw, nil
}

// Start begins watching for configuration changes.
func (w *ConfigWatcher) Start() {
	go w.watchLoop()
	w.logger.Info("Configuration watcher started", zap.String("path", w.path))
}

// Stop stops watching for configuration changes.
func (w *ConfigWatcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
	w.logger.Info("Configuration watcher stopped")
}

// watchLoop is the main loop that watches for file changes.
func (w *ConfigWatcher) watchLoop() {
	var debounceTimer *time.Timer
	debounceDuration := 100 * time.Millisecond

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}

				debounceTimer = time.AfterFunc(debounceDuration, func() {
					w.handleConfigChange()
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

// handleConfigChange handles configuration file changes.
func (w *ConfigWatcher) handleConfigChange() {
	w.logger.Info("Configuration file changed, reloading", zap.String("path", w.path))

	newConfig, err := loadConfigFromFile(w.path)
	if err != nil {
		w.logger.Error("Failed to reload configuration", zap.Error(err))
		return
	}

	if err := w.validateConfig(newConfig); err != nil {
		w.logger.Error("Invalid configuration, keeping current", zap.Error(err))
		return
	}

	w.mu.Lock()
	oldConfig := w.current
	w.current = newConfig
	w.mu.Unlock()

	w.logConfigChanges(oldConfig, newConfig)

	for _, handler := range w.onChange {
		go handler(newConfig)
	}

	w.logger.Info("Configuration reloaded successfully",
		zap.String("version", newConfig.Metadata.Version),
	)
}

// validateConfig validates the configuration.
func (w *ConfigWatcher) validateConfig(config *DynamicConfig) error {
	if config.Limits.MaxTransactItems <= 0 || config.Limits.MaxTransactItems > 100 {
		return fmt.Errorf("maxTransactItems must be between 1 and 100")
	}

	if config.Limits.MaxSecondaryFields < 0 {
		return fmt.Errorf("maxSecondaryFields cannot be negative")
	}

	if config.Limits.MaxSubscriptionKeys <= 0 {
		return fmt.Errorf("maxSubscriptionKeys must be positive")
	}

	if config.Listen.ClientTTLSeconds <= 0 {
		return fmt.Errorf("clientTtlSeconds must be positive")
	}

	if config.Listen.WaitTimeoutSeconds <= 0 {
		return fmt.Errorf("waitTimeoutSeconds must be positive")
	}

	return nil
}

// logConfigChanges logs the differences between old and new config.
func (w *ConfigWatcher) logConfigChanges(oldConfig, newConfig *DynamicConfig) {
	changes := []string{}

	if oldConfig.Features.EnableSecurityRules != newConfig.Features.EnableSecurityRules {
		changes = append(changes, fmt.Sprintf("EnableSecurityRules: %v -> %v",
			oldConfig.Features.EnableSecurityRules, newConfig.Features.EnableSecurityRules))
	}

	if oldConfig.Features.EnableNotifyOnWrite != newConfig.Features.EnableNotifyOnWrite {
		changes = append(changes, fmt.Sprintf("EnableNotifyOnWrite: %v -> %v",
			oldConfig.Features.EnableNotifyOnWrite, newConfig.Features.EnableNotifyOnWrite))
	}

	if oldConfig.Listen.ClientTTLSeconds != newConfig.Listen.ClientTTLSeconds {
		changes = append(changes, fmt.Sprintf("ClientTTLSeconds: %d -> %d",
			oldConfig.Listen.ClientTTLSeconds, newConfig.Listen.ClientTTLSeconds))
	}

	if len(changes) > 0 {
		w.logger.Info("Configuration changes detected",
			zap.Strings("changes", changes),
		)
	}
}

// OnChange registers a callback for configuration changes.
func (w *ConfigWatcher) OnChange(handler func(*DynamicConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, handler)
}

// GetCurrent returns the current configuration.
func (w *ConfigWatcher) GetCurrent() *DynamicConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// GetFeatures returns current feature flags.
func (w *ConfigWatcher) GetFeatures() Features {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current.Features
}

// GetLimits returns current limits.
func (w *ConfigWatcher) GetLimits() Limits {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current.Limits
}

// loadConfigFromFile loads configuration from a JSON file.
func loadConfigFromFile(path string) (*DynamicConfig, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config DynamicConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if config.Metadata.Version == "" {
		config.Metadata.Version = "1.0.0"
	}
	config.Metadata.UpdatedAt = time.Now()

	return &config, nil
}

// SaveConfig saves the current configuration to file.
func (w *ConfigWatcher) SaveConfig(config *DynamicConfig) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	config.Metadata.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := w.path + ".tmp"
	if err := ioutil.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}

	if err := rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}

	w.current = config
	return nil
}

// rename copies oldPath's contents over newPath with a plain write; the
// replacement is not atomic, and oldPath is left in place.
func rename(oldPath, newPath string) error {
	return ioutil.WriteFile(newPath, mustReadFile(oldPath), 0644)
}

func mustReadFile(path string) []byte {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		panic(err)
	}
	return data
}
