package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

// Config holds the defaults pmemctl pre-fills onto "format" flags the user
// didn't pass explicitly.
type Config struct {
	CacheName  string `json:"cache_name,omitempty"`  //nolint:tagliatelle
	DeviceName string `json:"device_name,omitempty"` //nolint:tagliatelle
}

// ConfigFileName is the default project-local config file name.
const ConfigFileName = ".pmemctl.json"

// LoadConfig reads an optional JWCC (JSON-with-comments) config file,
// preferring an explicit path over the default project-local file. A
// missing default file is not an error; a missing explicit path is.
func LoadConfig(workDir, configPath string) (Config, string, error) {
	var (
		cfgFile   string
		mustExist bool
	)

	if configPath != "" {
		cfgFile = configPath
		if !filepath.IsAbs(cfgFile) {
			cfgFile = filepath.Join(workDir, cfgFile)
		}

		mustExist = true
	} else {
		cfgFile = filepath.Join(workDir, ConfigFileName)
	}

	data, err := os.ReadFile(cfgFile) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, "", nil
		}

		return Config{}, "", fmt.Errorf("pmemctl: read config %s: %w", cfgFile, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, "", fmt.Errorf("pmemctl: invalid JWCC in %s: %w", cfgFile, err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, "", fmt.Errorf("pmemctl: invalid config %s: %w", cfgFile, err)
	}

	return cfg, cfgFile, nil
}

// lastDeviceFile returns the path of the sidecar file recording the most
// recently formatted or opened device, under the user's config directory.
func lastDeviceFile() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("pmemctl: resolve config dir: %w", err)
	}

	return filepath.Join(dir, "pmemctl", "last-device"), nil
}

// recordLastDevice durably remembers path as the last device pmemctl
// touched, so a future invocation without --path can fall back to it.
// Written with atomic.WriteFile (temp file + rename) rather than a plain
// os.WriteFile, since a crash mid-write must never leave a half-written
// sidecar behind.
func recordLastDevice(path string) error {
	target, err := lastDeviceFile()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("pmemctl: create config dir: %w", err)
	}

	if err := atomic.WriteFile(target, bytes.NewReader([]byte(path))); err != nil {
		return fmt.Errorf("pmemctl: write %s: %w", target, err)
	}

	return nil
}

// readLastDevice returns the sidecar's last recorded device path, or an
// empty string if none has been recorded yet.
func readLastDevice() (string, error) {
	target, err := lastDeviceFile()
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(target) //nolint:gosec
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}

		return "", fmt.Errorf("pmemctl: read %s: %w", target, err)
	}

	return string(data), nil
}
