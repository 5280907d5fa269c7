package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingDefaultFileIsNotAnError(t *testing.T) {
	cfg, path, err := LoadConfig(t.TempDir(), "")
	require.NoError(t, err)
	require.Empty(t, path)
	require.Equal(t, Config{}, cfg)
}

func TestLoadConfig_MissingExplicitPathIsAnError(t *testing.T) {
	_, _, err := LoadConfig(t.TempDir(), "does-not-exist.json")
	require.Error(t, err)
}

func TestLoadConfig_ParsesJWCCWithComments(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, ConfigFileName)

	const body = `{
  // defaults pre-filled onto format
  "cache_name": "nightly",
  "device_name": "/dev/nvme0n1",
}`

	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))

	cfg, loadedFrom, err := LoadConfig(dir, "")
	require.NoError(t, err)
	require.Equal(t, cfgPath, loadedFrom)
	require.Equal(t, "nightly", cfg.CacheName)
	require.Equal(t, "/dev/nvme0n1", cfg.DeviceName)
}

func TestLoadConfig_RejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, ConfigFileName)

	require.NoError(t, os.WriteFile(cfgPath, []byte("not json at all {"), 0o644))

	_, _, err := LoadConfig(dir, "")
	require.Error(t, err)
}

func TestLastDevice_RoundTripsThroughAtomicWrite(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	got, err := readLastDevice()
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, recordLastDevice("/dev/pmem0"))

	got, err = readLastDevice()
	require.NoError(t, err)
	require.Equal(t, "/dev/pmem0", got)

	require.NoError(t, recordLastDevice("/dev/pmem1"))

	got, err = readLastDevice()
	require.NoError(t, err)
	require.Equal(t, "/dev/pmem1", got)
}
