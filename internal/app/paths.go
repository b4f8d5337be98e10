package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Paths stores resolved runtime file locations.
type Paths struct {
	RootDir       string
	ConfigFile    string
	DBFile        string
	LogFile       string
	BootCountFile string
}

// ResolvePaths places everything under rootDir, or under the user config
// directory when rootDir is empty.
func ResolvePaths(rootDir string) (Paths, error) {
	root := strings.TrimSpace(rootDir)
	if root == "" {
		cfgRoot, err := os.UserConfigDir()
		if err != nil {
			return Paths{}, fmt.Errorf("resolve config dir: %w", err)
		}
		root = filepath.Join(cfgRoot, Name)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return Paths{}, fmt.Errorf("create data dir: %w", err)
	}

	return Paths{
		RootDir:       root,
		ConfigFile:    filepath.Join(root, ConfigFilename),
		DBFile:        filepath.Join(root, DBFilename),
		LogFile:       filepath.Join(root, LogFilename),
		BootCountFile: filepath.Join(root, BootCountFilename),
	}, nil
}
