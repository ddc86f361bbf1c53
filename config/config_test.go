package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sbtree.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
storage:
  dataDir: /tmp/sb
  syncWAL: true
tree:
  nullKeys: true
  inlineThreshold: 32
logging:
  level: debug
  format: json
bench:
  keys: 500
  workloads: [load, range]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sb", cfg.Storage.DataDir)
	assert.True(t, cfg.Storage.SyncWAL)
	assert.Equal(t, 4096, cfg.Storage.CachePages, "unset fields keep their default")
	assert.True(t, cfg.Tree.NullKeys)
	assert.Equal(t, 32, cfg.Tree.InlineThreshold)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, []string{"load", "range"}, cfg.Bench.Workloads)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"bad level", "logging:\n  level: loud\n", "Level"},
		{"tiny cache", "storage:\n  cachePages: 2\n", "CachePages"},
		{"unknown workload", "bench:\n  workloads: [load, bogus]\n", "Workloads"},
		{"inline threshold", "tree:\n  inlineThreshold: 1000\n", "InlineThreshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
