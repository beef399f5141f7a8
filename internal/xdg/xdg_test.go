package xdg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDataDirHonorsXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	dir := DataDir()

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("DataDir() = %q, stat failed: %v", dir, err)
	}
	if !info.IsDir() {
		t.Fatalf("DataDir() = %q, want a directory", dir)
	}
	if filepath.Base(dir) != appFolder {
		t.Errorf("DataDir() base = %q, want %q", filepath.Base(dir), appFolder)
	}
}

func TestPortFilePathAndRegistrySnapshotPathNestUnderDataDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	dataDir := DataDir()
	if got := PortFilePath(); got != filepath.Join(dataDir, "port") {
		t.Errorf("PortFilePath() = %q, want it under %q", got, dataDir)
	}
	if got := RegistrySnapshotPath(); got != filepath.Join(dataDir, "registry.cbor") {
		t.Errorf("RegistrySnapshotPath() = %q, want it under %q", got, dataDir)
	}
}

func TestShareStateDirIsCreated(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	dir := ShareStateDir()
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("ShareStateDir() = %q, stat failed: %v", dir, err)
	}
	if !info.IsDir() {
		t.Fatalf("ShareStateDir() = %q, want a directory", dir)
	}
}
