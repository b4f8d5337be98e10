//go:build !linux

package ble

import (
	"tinygo.org/x/bluetooth"

	"github.com/skobkin/simsnode/internal/domain"
)

func ResolveAdapter(_ string) *bluetooth.Adapter {
	// tinygo.org/x/bluetooth exposes custom adapter IDs via NewAdapter only on Linux.
	// On non-Linux platforms, use the default adapter.
	return bluetooth.DefaultAdapter
}

func AdapterDeviceID(_ *bluetooth.Adapter) (domain.DeviceID, error) {
	return 0, ErrUnsupported
}
