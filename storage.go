package msghub

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// PersistentStorage loads and saves the application's state bundles.
// Keys are fully qualified: "gatewayId/subkey". The core tolerates
// failure in either direction; errors are logged and the loop continues.
type PersistentStorage interface {
	// LoadBundles returns the persisted bundle map. A nil or empty map is
	// valid and expected on first run.
	LoadBundles() (map[string]Bundle, error)

	// SaveBundles persists the bundle map, replacing any previous state.
	SaveBundles(bundles map[string]Bundle) error
}

// wireValue is the on-disk representation of one bundle entry. The kind
// tag keeps primitive types stable across save/load round trips.
type wireValue struct {
	Kind  string `yaml:"kind"`
	Value any    `yaml:"value"`
}

const (
	wireKindString = "string"
	wireKindBool   = "bool"
	wireKindInt    = "int"
	wireKindFloat  = "float"
	wireKindRaw    = "raw"
)

// FileStorage persists bundles as a YAML document, written atomically via
// a temp file rename. An optional fsnotify watcher reports external
// modification of the state file.
type FileStorage struct {
	path   string
	logger Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// FileStorageOption configures a FileStorage.
type FileStorageOption func(*FileStorage)

// WithStorageLogger sets the logger used for watch events and save
// diagnostics.
func WithStorageLogger(logger Logger) FileStorageOption {
	return func(s *FileStorage) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewFileStorage creates a YAML file storage at path.
func NewFileStorage(path string, opts ...FileStorageOption) *FileStorage {
	s := &FileStorage{path: path, logger: NewSlogLogger(nil)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the state file location.
func (s *FileStorage) Path() string {
	return s.path
}

// LoadBundles reads the state file. A missing file yields a nil map.
func (s *FileStorage) LoadBundles() (map[string]Bundle, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var wire map[string]map[string]wireValue
	if err := yaml.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}

	bundles := make(map[string]Bundle, len(wire))
	for key, entries := range wire {
		bundle := NewBundle()
		for name, wv := range entries {
			bundle.values[name] = fromWire(wv)
		}
		bundles[key] = bundle
	}
	return bundles, nil
}

// SaveBundles writes the state file atomically.
func (s *FileStorage) SaveBundles(bundles map[string]Bundle) error {
	wire := make(map[string]map[string]wireValue, len(bundles))
	for key, bundle := range bundles {
		entries := make(map[string]wireValue, bundle.Len())
		for name, value := range bundle.values {
			entries[name] = toWire(value)
		}
		wire[key] = entries
	}

	raw, err := yaml.Marshal(wire)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Watch invokes onChange whenever the state file is modified on disk,
// including by this storage's own saves. Call Close to stop watching.
func (s *FileStorage) Watch(onChange func()) error {
	if onChange == nil {
		return ErrNilCallback
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch state directory: %w", err)
	}
	s.watcher = watcher
	s.done = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != s.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					s.logger.Debug("State file changed on disk", "path", s.path, "op", event.Op.String())
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("State file watch error", "error", err)
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher, if one is running.
func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	err := s.watcher.Close()
	s.watcher = nil
	return err
}

func toWire(value any) wireValue {
	switch v := value.(type) {
	case string:
		return wireValue{Kind: wireKindString, Value: v}
	case bool:
		return wireValue{Kind: wireKindBool, Value: v}
	case int64:
		return wireValue{Kind: wireKindInt, Value: v}
	case float64:
		return wireValue{Kind: wireKindFloat, Value: v}
	default:
		return wireValue{Kind: wireKindRaw, Value: v}
	}
}

func fromWire(wv wireValue) any {
	switch wv.Kind {
	case wireKindString:
		if s, ok := wv.Value.(string); ok {
			return s
		}
	case wireKindBool:
		if b, ok := wv.Value.(bool); ok {
			return b
		}
	case wireKindInt:
		switch v := wv.Value.(type) {
		case int:
			return int64(v)
		case int64:
			return v
		case uint64:
			return int64(v)
		}
	case wireKindFloat:
		switch v := wv.Value.(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case int64:
			return float64(v)
		}
	}
	return wv.Value
}
