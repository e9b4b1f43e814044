package main

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigStoreDefaultsWhenMissing(t *testing.T) {
	cs := NewConfigStore(t.TempDir())
	cfg, err := cs.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 2, cfg.BackoffBase)
}

func TestConfigSet(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    bool
		check      func(t *testing.T, c Config)
	}{
		{key: "max_retries", value: "5", check: func(t *testing.T, c Config) { assert.Equal(t, 5, c.MaxRetries) }},
		{key: "max-retries", value: "0", check: func(t *testing.T, c Config) { assert.Equal(t, 0, c.MaxRetries) }},
		{key: "backoff_base", value: "3", check: func(t *testing.T, c Config) { assert.Equal(t, 3, c.BackoffBase) }},
		{key: "max_retries", value: "-1", wantErr: true},
		{key: "max_retries", value: "lots", wantErr: true},
		{key: "backoff_base", value: "0", wantErr: true},
		{key: "backoff_base", value: "1.5", wantErr: true},
		{key: "", value: "x", wantErr: true},
		{key: "workers", value: "4", check: func(t *testing.T, c Config) { assert.Equal(t, 4, c.Extra["workers"]) }},
		{key: "ratio", value: "0.25", check: func(t *testing.T, c Config) { assert.Equal(t, 0.25, c.Extra["ratio"]) }},
		{key: "owner", value: "ops", check: func(t *testing.T, c Config) { assert.Equal(t, "ops", c.Extra["owner"]) }},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			cfg := DefaultConfig()
			err := cfg.Set(tt.key, tt.value)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				assert.Equal(t, DefaultConfig().MaxRetries, cfg.MaxRetries)
				assert.Equal(t, DefaultConfig().BackoffBase, cfg.BackoffBase)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestConfigStorePersistsExtraKeys(t *testing.T) {
	dir := t.TempDir()
	cs := NewConfigStore(dir)

	_, err := cs.Set("max-retries", "4")
	require.NoError(t, err)
	_, err = cs.Set("owner", "ops")
	require.NoError(t, err)

	cfg, err := NewConfigStore(dir).Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxRetries)
	assert.Equal(t, 2, cfg.BackoffBase)
	v, ok := cfg.Get("owner")
	require.True(t, ok)
	assert.Equal(t, "ops", v)
	assert.Equal(t, []string{"max_retries", "backoff_base", "owner"}, cfg.Keys())

	raw, err := os.ReadFile(cs.path)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, float64(4), m["max_retries"])
	assert.Equal(t, "ops", m["owner"])
}

func TestConfigStoreRejectsBadRecognizedValueInFile(t *testing.T) {
	cs := NewConfigStore(t.TempDir())
	require.NoError(t, os.WriteFile(cs.path, []byte(`{"max_retries":"three"}`), 0644))
	_, err := cs.Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigStoreFillsMissingKeys(t *testing.T) {
	cs := NewConfigStore(t.TempDir())
	require.NoError(t, os.WriteFile(cs.path, []byte(`{"backoff_base":5}`), 0644))
	cfg, err := cs.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 5, cfg.BackoffBase)
}

func TestConfigCanonicalKeyWinsOverAlias(t *testing.T) {
	for range 20 {
		var cfg Config
		require.NoError(t, json.Unmarshal([]byte(`{"max-retries":9,"max_retries":4,"backoff-base":7,"backoff_base":3}`), &cfg))
		assert.Equal(t, 4, cfg.MaxRetries)
		assert.Equal(t, 3, cfg.BackoffBase)
	}
}
