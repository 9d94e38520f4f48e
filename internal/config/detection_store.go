package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"go-meeting-autorecorder/internal/core/domain"
	"go-meeting-autorecorder/internal/logging"
)

var logger = logging.ForService("config")

// DetectionStore holds the process-wide default detection config. Sessions
// take a Snapshot at creation; later updates never reach them.
type DetectionStore struct {
	mu       sync.RWMutex
	base     domain.DetectionConfig
	current  domain.DetectionConfig
	path     string
	watcher  *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
	onChange func(domain.DetectionConfig)
}

func NewDetectionStore(defaults domain.DetectionConfig) *DetectionStore {
	return &DetectionStore{
		base:    defaults.Clone(),
		current: defaults.Clone(),
	}
}

// Snapshot returns a deep copy of the current defaults.
func (s *DetectionStore) Snapshot() domain.DetectionConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Update replaces the defaults after validating them.
func (s *DetectionStore) Update(cfg domain.DetectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = cfg.Clone()
	cb := s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb(cfg.Clone())
	}
	return nil
}

// OnChange registers a callback fired after every successful update.
func (s *DetectionStore) OnChange(fn func(domain.DetectionConfig)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// LoadFile overlays the YAML file at path on top of the base defaults.
func (s *DetectionStore) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read detection settings %s: %w", path, err)
	}
	s.mu.RLock()
	cfg := s.base.Clone()
	s.mu.RUnlock()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse detection settings %s: %w", path, err)
	}
	return s.Update(cfg)
}

// Watch loads path and reloads it whenever it changes. The parent
// directory is watched so editors that replace the file are handled.
func (s *DetectionStore) Watch(path string) error {
	if err := s.LoadFile(path); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	s.mu.Lock()
	s.path = filepath.Clean(path)
	s.watcher = w
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watchLoop(w, s.done)
	return nil
}

func (s *DetectionStore) watchLoop(w *fsnotify.Watcher, done <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.LoadFile(s.path); err != nil {
				logger.Warn("detection settings reload failed, keeping previous defaults",
					"path", s.path,
					"error", err)
				continue
			}
			logger.Info("detection settings reloaded", "path", s.path)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("detection settings watcher error", "error", err)
		}
	}
}

// Close stops the file watcher.
func (s *DetectionStore) Close() error {
	s.mu.Lock()
	w, done := s.watcher, s.done
	s.watcher, s.done = nil, nil
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	close(done)
	err := w.Close()
	s.wg.Wait()
	return err
}
