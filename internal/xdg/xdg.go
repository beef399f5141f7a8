// Package xdg resolves the platform-conventional per-user application data
// location the port file and registry snapshot live under (§6), following
// the same os.UserHomeDir-with-fallback pattern this codebase uses for its
// own seed-node file (internal/dht/bootstrap.go).
package xdg

import (
	"os"
	"path/filepath"
)

const appFolder = "modcache"

// DataDir returns the per-user application data directory, creating it if
// necessary. Falls back to a relative directory if the home directory
// cannot be resolved, matching the teacher's own fallback behavior. Tests
// isolate this by setting $XDG_CONFIG_HOME (or $HOME), which
// os.UserConfigDir already honors — no cache-specific environment knob is
// introduced here, since §6 names exactly two (debug, test-runner) and
// states no other configuration is consumed from the environment.
func DataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base, err = os.UserHomeDir()
		if err != nil {
			base = "."
		}
	}

	dir := filepath.Join(base, appFolder)
	_ = os.MkdirAll(dir, 0o755)
	return dir
}

// PortFilePath returns the path to the persisted port file (§6).
func PortFilePath() string {
	return filepath.Join(DataDir(), "port")
}

// RegistrySnapshotPath returns the path to the registry snapshot file (§6).
func RegistrySnapshotPath() string {
	return filepath.Join(DataDir(), "registry.cbor")
}

// ShareStateDir returns the directory descriptors and cached payloads are
// stored under.
func ShareStateDir() string {
	dir := filepath.Join(DataDir(), "shares")
	_ = os.MkdirAll(dir, 0o755)
	return dir
}
