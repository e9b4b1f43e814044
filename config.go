package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	configFileName = "config.json"

	keyMaxRetries  = "max_retries"
	keyBackoffBase = "backoff_base"

	defaultMaxRetries  = 3
	defaultBackoffBase = 2
)

// Config is the user tunable retry configuration. Keys other than the two
// recognized ones are kept in Extra and carried through untouched.
type Config struct {
	MaxRetries  int
	BackoffBase int
	Extra       map[string]any
}

func DefaultConfig() Config {
	return Config{MaxRetries: defaultMaxRetries, BackoffBase: defaultBackoffBase}
}

func (c Config) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(c.Extra)+2)
	for k, v := range c.Extra {
		m[k] = v
	}
	m[keyMaxRetries] = c.MaxRetries
	m[keyBackoffBase] = c.BackoffBase
	return json.Marshal(m)
}

func (c *Config) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = DefaultConfig()
	// Aliases such as "max-retries" are applied first so the canonical key
	// wins when a hand-edited file carries both.
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		ci, cj := keys[i] == normalizeKey(keys[i]), keys[j] == normalizeKey(keys[j])
		if ci != cj {
			return cj
		}
		return keys[i] < keys[j]
	})
	for _, key := range keys {
		val := raw[key]
		switch normalizeKey(key) {
		case keyMaxRetries:
			if err := json.Unmarshal(val, &c.MaxRetries); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, keyMaxRetries, err)
			}
		case keyBackoffBase:
			if err := json.Unmarshal(val, &c.BackoffBase); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, keyBackoffBase, err)
			}
		default:
			var v any
			if err := json.Unmarshal(val, &v); err != nil {
				return err
			}
			if c.Extra == nil {
				c.Extra = make(map[string]any)
			}
			c.Extra[key] = v
		}
	}
	return nil
}

// Get returns the value of key as stored in the config file.
func (c Config) Get(key string) (any, bool) {
	switch normalizeKey(key) {
	case keyMaxRetries:
		return c.MaxRetries, true
	case keyBackoffBase:
		return c.BackoffBase, true
	}
	v, ok := c.Extra[key]
	return v, ok
}

// Set applies a string value typed by key. Recognized keys must be integers
// within range; other keys are coerced to int, then float, else kept as
// strings.
func (c *Config) Set(key, value string) error {
	switch normalizeKey(key) {
	case keyMaxRetries:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: %s must be an integer >= 0, got %q", ErrInvalidConfig, keyMaxRetries, value)
		}
		c.MaxRetries = n
	case keyBackoffBase:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("%w: %s must be an integer >= 1, got %q", ErrInvalidConfig, keyBackoffBase, value)
		}
		c.BackoffBase = n
	default:
		if key == "" {
			return fmt.Errorf("%w: empty key", ErrInvalidConfig)
		}
		if c.Extra == nil {
			c.Extra = make(map[string]any)
		}
		c.Extra[key] = coerceValue(value)
	}
	return nil
}

// Keys lists every key in the config, recognized ones first.
func (c Config) Keys() []string {
	extra := make([]string, 0, len(c.Extra))
	for k := range c.Extra {
		extra = append(extra, k)
	}
	sort.Strings(extra)
	return append([]string{keyMaxRetries, keyBackoffBase}, extra...)
}

func coerceValue(s string) any {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func normalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(key), "-", "_")
}

// ConfigStore persists Config as config.json in the data dir.
type ConfigStore struct {
	mu   sync.Mutex
	path string
}

func NewConfigStore(dataDir string) *ConfigStore {
	return &ConfigStore{path: filepath.Join(dataDir, configFileName)}
}

// Load reads the config file. A missing or empty file yields the defaults.
func (s *ConfigStore) Load() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *ConfigStore) load() (Config, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, &StorageError{Op: "read", Path: s.path, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return DefaultConfig(), nil
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	return cfg, nil
}

// Set loads, updates one key and saves the config in one step.
func (s *ConfigStore) Set(key, value string) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.load()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Set(key, value); err != nil {
		return Config{}, err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return Config{}, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return Config{}, &StorageError{Op: "mkdir", Path: filepath.Dir(s.path), Err: err}
	}
	if err := writeFileAtomic(s.path, data, 0644); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
