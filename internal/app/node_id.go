package app

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"net"
	"sort"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/skobkin/simsnode/internal/ble"
	"github.com/skobkin/simsnode/internal/config"
	"github.com/skobkin/simsnode/internal/domain"
)

// resolveDeviceID picks the node number once per process. The Bluetooth
// adapter address wins so phones see the same number the firmware would
// derive; a network interface address and finally a random id follow.
// The enabled adapter is returned for reuse by the BLE server.
func resolveDeviceID(logger *slog.Logger, cfg config.BluetoothConfig) (domain.DeviceID, *bluetooth.Adapter) {
	var adapter *bluetooth.Adapter
	if cfg.Enabled {
		a := ble.ResolveAdapter(cfg.Adapter)
		if err := ble.EnableAdapter(a); err != nil {
			logger.Warn("bluetooth adapter unavailable for node id", "adapter", cfg.Adapter, "error", err)
		} else {
			adapter = a
			id, err := ble.AdapterDeviceID(a)
			if err == nil {
				logger.Info("node id from bluetooth adapter", "node_id", id.String())
				return id, adapter
			}
			logger.Warn("read bluetooth adapter address", "error", err)
		}
	}

	if ifaces, err := net.Interfaces(); err == nil {
		if id, ok := deviceIDFromInterfaces(ifaces); ok {
			logger.Info("node id from network interface", "node_id", id.String())
			return id, adapter
		}
	} else {
		logger.Warn("list network interfaces", "error", err)
	}

	id := randomDeviceID()
	logger.Warn("no hardware address found, using random node id", "node_id", id.String())

	return id, adapter
}

// deviceIDFromInterfaces uses the hardware address of the first non-loopback
// interface, by name, so the choice is stable across boots.
func deviceIDFromInterfaces(ifaces []net.Interface) (domain.DeviceID, bool) {
	sorted := append([]net.Interface(nil), ifaces...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, iface := range sorted {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) < 6 {
			continue
		}
		if bytes.Equal(iface.HardwareAddr, make([]byte, len(iface.HardwareAddr))) {
			continue
		}
		if id, err := domain.DeviceIDFromMAC(iface.HardwareAddr); err == nil {
			return id, true
		}
	}

	return 0, false
}

func randomDeviceID() domain.DeviceID {
	for {
		u := uuid.New()
		id := domain.DeviceID(binary.BigEndian.Uint32(u[12:]))
		if id != 0 && id != domain.Broadcast {
			return id
		}
	}
}
