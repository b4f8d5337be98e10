//go:build windows

package platform

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

type mutexLock struct {
	handle windows.Handle
}

func acquireRadioLock(name string) (RadioLock, error) {
	namePtr, err := windows.UTF16PtrFromString(mutexName(name))
	if err != nil {
		return nil, fmt.Errorf("encode radio mutex name: %w", err)
	}

	handle, err := windows.CreateMutex(nil, false, namePtr)
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		if handle != 0 {
			_ = windows.CloseHandle(handle)
		}

		return nil, fmt.Errorf("%w: %s", ErrRadioBusy, name)
	}
	if err != nil {
		if handle != 0 {
			_ = windows.CloseHandle(handle)
		}

		return nil, fmt.Errorf("create radio mutex: %w", err)
	}

	return &mutexLock{handle: handle}, nil
}

func (l *mutexLock) Release() error {
	if l == nil || l.handle == 0 {
		return nil
	}

	err := windows.CloseHandle(l.handle)
	l.handle = 0
	if err != nil {
		return fmt.Errorf("close radio mutex: %w", err)
	}

	return nil
}

// Serial ports are machine-wide, so the mutex lives in the global namespace.
func mutexName(name string) string {
	return `Global\simsnode-radio-` + name
}
