package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.Scheduler.WorkerPoolSize)
	assert.Equal(t, "memory", cfg.Bus.Transport)
}

func TestValidateRejectsBadSchedulerSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.WorkerPoolSize = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresRedisAddrForRedisTransport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bus.Transport = "redis"
	assert.Error(t, cfg.Validate())

	cfg.Bus.RedisAddr = "localhost:6379"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownTransport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bus.Transport = "carrier-pigeon"
	assert.Error(t, cfg.Validate())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.WorkerPoolSize = 8
	cfg.Sandbox.Image = "forge-python:3.12"

	path := filepath.Join(t.TempDir(), "forge.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8, loaded.Scheduler.WorkerPoolSize)
	assert.Equal(t, "forge-python:3.12", loaded.Sandbox.Image)
}

func TestLoadFromFileKeepsDefaultsForOmittedSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sandbox:\n  image: custom-image\n"), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "custom-image", cfg.Sandbox.Image)
	assert.Equal(t, 4, cfg.Scheduler.WorkerPoolSize)
}
