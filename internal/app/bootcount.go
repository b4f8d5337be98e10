package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// NextBootCount increments the persisted boot counter and returns the new
// value. A missing or unreadable counter restarts from one.
func NextBootCount(path string) (uint32, error) {
	var count uint32
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if n, parseErr := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32); parseErr == nil {
			count = uint32(n)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return 0, fmt.Errorf("read boot count: %w", err)
	}
	count++

	tmp, err := os.CreateTemp(filepath.Dir(path), ".boot_count-*")
	if err != nil {
		return count, fmt.Errorf("create temp boot count: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(strconv.FormatUint(uint64(count), 10) + "\n"); err != nil {
		_ = tmp.Close()
		return count, fmt.Errorf("write boot count: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return count, fmt.Errorf("close boot count: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return count, fmt.Errorf("replace boot count: %w", err)
	}

	return count, nil
}
