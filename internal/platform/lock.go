// Package platform holds OS-specific process helpers.
package platform

import (
	"errors"
	"strings"
)

// ErrRadioBusy means another process already drives the same radio.
var ErrRadioBusy = errors.New("radio is in use by another process")

// ErrLockUnsupported indicates the current platform has no lock backend.
var ErrLockUnsupported = errors.New("radio lock unsupported")

// RadioLock is held for as long as the process owns the radio. The OS drops
// it when the process dies.
type RadioLock interface {
	Release() error
}

// AcquireRadioLock takes an exclusive, non-blocking lock named after the
// radio's device path, so two nodes never talk to one chip.
func AcquireRadioLock(device string) (RadioLock, error) {
	return acquireRadioLock(lockComponent(device, "radio"))
}

// lockComponent turns a device path into a file and mutex safe name.
func lockComponent(raw, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	normalized := strings.Trim(b.String(), "_-.")
	if normalized == "" {
		return fallback
	}

	return normalized
}
