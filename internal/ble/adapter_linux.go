//go:build linux

package ble

import (
	"fmt"
	"net"
	"strings"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"

	"github.com/skobkin/simsnode/internal/domain"
)

const defaultAdapterID = "hci0"

func ResolveAdapter(adapterID string) *bluetooth.Adapter {
	trimmed := strings.TrimSpace(adapterID)
	if trimmed == "" {
		return bluetooth.DefaultAdapter
	}
	return bluetooth.NewAdapter(trimmed)
}

// AdapterDeviceID derives the node number from the adapter's public address.
func AdapterDeviceID(adapter *bluetooth.Adapter) (domain.DeviceID, error) {
	addr, err := adapter.Address()
	if err != nil {
		return 0, fmt.Errorf("read adapter address: %w", err)
	}
	mac, err := net.ParseMAC(addr.String())
	if err != nil {
		return 0, fmt.Errorf("parse adapter address %q: %w", addr.String(), err)
	}

	return domain.DeviceIDFromMAC(mac)
}

func adapterObjectPath(adapterID string) dbus.ObjectPath {
	trimmed := strings.TrimSpace(adapterID)
	if trimmed == "" {
		trimmed = defaultAdapterID
	}

	return dbus.ObjectPath("/org/bluez/" + trimmed)
}
