package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePaths_DefaultsToUserConfigDir(t *testing.T) {
	configHome := filepath.Join(t.TempDir(), "cfg")
	t.Setenv("XDG_CONFIG_HOME", configHome)

	paths, err := ResolvePaths("")
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}

	if paths.RootDir != filepath.Join(configHome, Name) {
		t.Fatalf("unexpected root dir: %q", paths.RootDir)
	}
	if paths.DBFile != filepath.Join(configHome, Name, DBFilename) {
		t.Fatalf("unexpected db file: %q", paths.DBFile)
	}
	if _, err := os.Stat(paths.RootDir); err != nil {
		t.Fatalf("expected root directory to exist: %v", err)
	}
}

func TestResolvePaths_UsesExplicitRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "node", "data")

	paths, err := ResolvePaths(" " + root + " ")
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}

	if paths.RootDir != root {
		t.Fatalf("unexpected root dir: %q", paths.RootDir)
	}
	if paths.ConfigFile != filepath.Join(root, ConfigFilename) {
		t.Fatalf("unexpected config file: %q", paths.ConfigFile)
	}
	if paths.BootCountFile != filepath.Join(root, BootCountFilename) {
		t.Fatalf("unexpected boot count file: %q", paths.BootCountFile)
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("expected root directory to exist: %v", err)
	}
}
