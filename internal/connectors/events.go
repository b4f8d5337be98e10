package connectors

import "time"

// RadioState is the persistent radio availability shown on the display.
type RadioState string

const (
	RadioStateStarting    RadioState = "starting"
	RadioStateReady       RadioState = "ready"
	RadioStateUnavailable RadioState = "unavailable"
)

// RadioStatus is a bus event snapshot of the radio state.
type RadioStatus struct {
	State     RadioState
	Driver    string
	Err       string
	Timestamp time.Time
}

// RawFrame carries air frame diagnostics for debug/log views.
type RawFrame struct {
	Hex  string
	Len  int
	RSSI int
	SNR  float32
}

// ConnectionState describes a phone client connection.
type ConnectionState string

const (
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
)

// ClientStatus is published whenever a BLE or stream client comes or goes.
type ClientStatus struct {
	State         ConnectionState
	TransportName string
	Connected     int
	Timestamp     time.Time
}

// HandshakeProgress reports each config phase served to a client.
type HandshakeProgress struct {
	Phase     string
	Nonce     uint32
	Timestamp time.Time
}

// MeshMessage is a native mesh message delivered to this node.
type MeshMessage struct {
	Source      uint32
	Destination uint32
	Sequence    uint16
	Type        uint8
	Priority    uint8
	Hops        uint8
	Payload     []byte
	RSSI        int
	SNR         float32
}

// Activity marks user-visible activity for the display (wake, blink).
type Activity struct {
	Kind      string
	Airtime   time.Duration
	Timestamp time.Time
}
