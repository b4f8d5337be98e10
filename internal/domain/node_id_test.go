package domain

import (
	"net"
	"testing"
)

func TestDeviceIDFromMAC(t *testing.T) {
	mac := net.HardwareAddr{0x24, 0x6F, 0x28, 0xA1, 0xB2, 0xC3}
	id, err := DeviceIDFromMAC(mac)
	if err != nil {
		t.Fatalf("device id from mac: %v", err)
	}
	if id != 0x28A1B2C3 {
		t.Fatalf("unexpected id: %#x", uint32(id))
	}
	if id.String() != "!28a1b2c3" {
		t.Fatalf("unexpected string form: %q", id.String())
	}
	if id.LastByte() != 0xC3 {
		t.Fatalf("unexpected last byte: %#x", id.LastByte())
	}
}

func TestDeviceIDFromMACRejectsReserved(t *testing.T) {
	if _, err := DeviceIDFromMAC(net.HardwareAddr{0x01, 0x02}); err == nil {
		t.Fatalf("expected error for short address")
	}
	if _, err := DeviceIDFromMAC(net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}); err == nil {
		t.Fatalf("expected error for zero id")
	}
	if _, err := DeviceIDFromMAC(net.HardwareAddr{0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}); err == nil {
		t.Fatalf("expected error for broadcast id")
	}
}

func TestParseDeviceID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want DeviceID
		ok   bool
	}{
		{name: "bang form", in: "!1234abcd", want: 0x1234abcd, ok: true},
		{name: "upper hex", in: " !1234ABCD ", want: 0x1234abcd, ok: true},
		{name: "0x prefix", in: "0x00000001", want: 1, ok: true},
		{name: "too long", in: "!1234abcde", ok: false},
		{name: "empty", in: "!", ok: false},
		{name: "not hex", in: "!zzzz", ok: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseDeviceID(tc.in)
			if (err == nil) != tc.ok {
				t.Fatalf("unexpected error state: %v", err)
			}
			if tc.ok && got != tc.want {
				t.Fatalf("unexpected id: got %s want %s", got, tc.want)
			}
		})
	}
}
