// Package groupmanifest loads the administrative composite-field-group
// definitions (spec §4.5) from a JSON file and hot-reloads them on change,
// the same fsnotify watch-reload idiom infrastructure/config uses for its
// own dynamic configuration.
package groupmanifest

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"docucore/internal/composite"
)

// entry is the on-disk shape of a single group definition.
type entry struct {
	ID                   string   `json:"id"`
	Scope                string   `json:"scope"` // "collection" or "collection_group"
	CollectionParentPath string   `json:"collectionParentPath"`
	CollectionID         string   `json:"collectionId"`
	PrimaryField         string   `json:"primaryField"`
	SecondaryFields      []string `json:"secondaryFields"`
}

func (e entry) toGroup() (composite.Group, error) {
	var scope composite.Scope
	switch e.Scope {
	case "collection":
		scope = composite.ScopeCollection
	case "collection_group":
		scope = composite.ScopeCollectionGroup
	default:
		return composite.Group{}, fmt.Errorf("groupmanifest: unknown scope %q for group %q", e.Scope, e.ID)
	}
	return composite.Group{
		ID:                   e.ID,
		Scope:                scope,
		CollectionParentPath: e.CollectionParentPath,
		CollectionID:         e.CollectionID,
		PrimaryField:         e.PrimaryField,
		SecondaryFields:      e.SecondaryFields,
	}, nil
}

// Manifest watches a group-definition file and keeps a reloadable snapshot
// of composite.Group values.
type Manifest struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu     sync.RWMutex
	groups []composite.Group

	onChange []func([]composite.Group)
	stopCh   chan struct{}
}

// Load reads and watches the manifest file at path, returning a Manifest
// seeded with its initial contents.
func Load(path string, logger *zap.Logger) (*Manifest, error) {
	groups, err := readManifest(path)
	if err != nil {
		return nil, fmt.Errorf("groupmanifest: initial load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("groupmanifest: create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("groupmanifest: watch %s: %w", path, err)
	}

	m := &Manifest{
		path:    path,
		watcher: watcher,
		logger:  logger,
		groups:  groups,
		stopCh:  make(chan struct{}),
	}
	return m, nil
}

// Start begins watching for manifest changes in the background.
func (m *Manifest) Start() {
	go m.watchLoop()
}

// Stop stops watching the manifest file.
func (m *Manifest) Stop() {
	close(m.stopCh)
	m.watcher.Close()
}

func (m *Manifest) watchLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			groups, err := readManifest(m.path)
			if err != nil {
				m.logger.Error("failed to reload group manifest", zap.Error(err))
				continue
			}
			m.mu.Lock()
			m.groups = groups
			handlers := append([]func([]composite.Group){}, m.onChange...)
			m.mu.Unlock()
			m.logger.Info("group manifest reloaded", zap.Int("groups", len(groups)))
			for _, h := range handlers {
				h(groups)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("group manifest watcher error", zap.Error(err))
		}
	}
}

// OnChange registers a callback fired after every successful reload.
func (m *Manifest) OnChange(handler func([]composite.Group)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, handler)
}

// Groups returns the current snapshot of composite groups.
func (m *Manifest) Groups() []composite.Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]composite.Group{}, m.groups...)
}

func readManifest(path string) ([]composite.Group, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse group manifest JSON: %w", err)
	}
	groups := make([]composite.Group, 0, len(entries))
	for _, e := range entries {
		g, err := e.toGroup()
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}
