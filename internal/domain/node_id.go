package domain

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DeviceID is the 32-bit node address shared by the native mesh and the
// Meshtastic bridge. It never changes while the process runs.
type DeviceID uint32

// Broadcast addresses every node.
const Broadcast DeviceID = 0xFFFFFFFF

// DeviceIDFromMAC takes the last four bytes of a hardware address, big-endian,
// which is how Meshtastic firmware derives its node number.
func DeviceIDFromMAC(mac net.HardwareAddr) (DeviceID, error) {
	if len(mac) < 4 {
		return 0, fmt.Errorf("hardware address too short: %d bytes", len(mac))
	}
	id := DeviceID(binary.BigEndian.Uint32(mac[len(mac)-4:]))
	if id == 0 || id == Broadcast {
		return 0, fmt.Errorf("hardware address %s yields reserved node id %s", mac, id)
	}

	return id, nil
}

// String renders the canonical "!1234abcd" form.
func (id DeviceID) String() string {
	return fmt.Sprintf("!%08x", uint32(id))
}

// ParseDeviceID accepts "!1234abcd", "0x1234abcd" or plain hex.
func ParseDeviceID(raw string) (DeviceID, error) {
	v := strings.TrimSpace(raw)
	v = strings.TrimPrefix(v, "!")
	v = strings.TrimPrefix(strings.TrimPrefix(v, "0x"), "0X")
	if v == "" || len(v) > 8 {
		return 0, fmt.Errorf("invalid node id %q", raw)
	}
	n, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", raw, err)
	}

	return DeviceID(n), nil
}

// LastByte is the node's short suffix shown on the display.
func (id DeviceID) LastByte() uint8 {
	return uint8(id & 0xFF)
}
