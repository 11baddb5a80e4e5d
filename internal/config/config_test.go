package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Addr())
	assert.Equal(t, DefaultModelURL, cfg.Model.URL)
	assert.Equal(t, DefaultModelPath, cfg.Model.Path)
	assert.Equal(t, 1<<20, cfg.Model.ChunkSize)
	assert.Equal(t, BackendNative, cfg.Model.Backend)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  read_header_timeout: 2s
model:
  path: /var/lib/mnist/model.pt
  download_timeout: 30s
  digest: sha256:0000000000000000000000000000000000000000000000000000000000000000
log:
  format: text
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 2*time.Second, cfg.Server.ReadHeaderTimeout)
	assert.Equal(t, "/var/lib/mnist/model.pt", cfg.Model.Path)
	assert.Equal(t, 30*time.Second, cfg.Model.DownloadTimeout)
	assert.Equal(t, DefaultModelURL, cfg.Model.URL)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  prot: 80\n"))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"port":       func(c *Config) { c.Server.Port = 70000 },
		"backend":    func(c *Config) { c.Model.Backend = "tensorrt" },
		"model path": func(c *Config) { c.Model.Path = " " },
		"onnx path":  func(c *Config) { c.Model.Backend = BackendONNXRuntime; c.ONNX.Path = "" },
		"retries":    func(c *Config) { c.Model.MaxRetries = -1 },
		"digest":     func(c *Config) { c.Model.Digest = "abc" },
		"log level":  func(c *Config) { c.Log.Level = "trace" },
		"log format": func(c *Config) { c.Log.Format = "xml" },
		"body limit": func(c *Config) { c.Server.MaxBodyBytes = 0 },
		"chunk size": func(c *Config) { c.Model.ChunkSize = -5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestExampleConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Default(), cfg)
}
