// Package wire encodes and inspects the subset of the Meshtastic protobuf
// messages the node exchanges with phone clients. It works directly on
// protowire tags so unknown payloads pass through untouched.
package wire

import "google.golang.org/protobuf/encoding/protowire"

// FromRadio fields.
const (
	fromRadioID               protowire.Number = 1
	fromRadioPacket           protowire.Number = 2
	fromRadioMyInfo           protowire.Number = 3
	fromRadioNodeInfo         protowire.Number = 4
	fromRadioConfigCompleteID protowire.Number = 7
	fromRadioChannel          protowire.Number = 10
)

// ToRadio fields.
const (
	toRadioPacket       protowire.Number = 1
	toRadioWantConfigID protowire.Number = 3
	toRadioDisconnect   protowire.Number = 4
	toRadioHeartbeat    protowire.Number = 7
)

// MyNodeInfo fields.
const (
	myInfoNodeNum         protowire.Number = 1
	myInfoRebootCount     protowire.Number = 8
	myInfoMinAppVersion   protowire.Number = 11
	myInfoFirmwareEdition protowire.Number = 14
)

// NodeInfo and User fields.
const (
	nodeInfoNum  protowire.Number = 1
	nodeInfoUser protowire.Number = 2

	userID        protowire.Number = 1
	userLongName  protowire.Number = 2
	userShortName protowire.Number = 3
	userHwModel   protowire.Number = 5
	userRole      protowire.Number = 7
)

// Channel and ChannelSettings fields.
const (
	channelIndex    protowire.Number = 1
	channelSettings protowire.Number = 2
	channelRole     protowire.Number = 3

	settingsPSK  protowire.Number = 2
	settingsName protowire.Number = 3
)

// MeshPacket fields. Exported so callers can pull routing data out of raw
// packets with the generic extractors.
const (
	MeshPacketFrom      protowire.Number = 1
	MeshPacketTo        protowire.Number = 2
	MeshPacketChannel   protowire.Number = 3
	MeshPacketDecoded   protowire.Number = 4
	MeshPacketEncrypted protowire.Number = 5
	MeshPacketID        protowire.Number = 6
	MeshPacketHopLimit  protowire.Number = 9
	MeshPacketWantAck   protowire.Number = 10
	MeshPacketPriority  protowire.Number = 11
)

// Data fields.
const (
	dataPortnum      protowire.Number = 1
	dataPayload      protowire.Number = 2
	dataWantResponse protowire.Number = 3
	dataRequestID    protowire.Number = 6
)

const routingErrorReason protowire.Number = 3

// ChannelRole mirrors the Meshtastic Channel.Role enum.
type ChannelRole uint32

const (
	ChannelRoleDisabled  ChannelRole = 0
	ChannelRolePrimary   ChannelRole = 1
	ChannelRoleSecondary ChannelRole = 2
)

func (r ChannelRole) String() string {
	switch r {
	case ChannelRolePrimary:
		return "primary"
	case ChannelRoleSecondary:
		return "secondary"
	default:
		return "disabled"
	}
}

const (
	// PortRouting is the ROUTING_APP port number.
	PortRouting uint32 = 5
	// PortText is the TEXT_MESSAGE_APP port number.
	PortText uint32 = 1

	// HwModelPrivate is PRIVATE_HW, used for boards unknown to the app.
	HwModelPrivate uint32 = 255
	// RoleClient is the default device role.
	RoleClient uint32 = 0

	// PriorityAck is MeshPacket.Priority ACK.
	PriorityAck uint32 = 120

	// FirmwareEditionVanilla identifies a stock firmware build.
	FirmwareEditionVanilla uint32 = 0
	// MinAppVersion is the oldest app build that understands this config stream.
	MinAppVersion uint32 = 30200

	// DefaultHopLimit is used for locally generated packets.
	DefaultHopLimit uint32 = 3

	// MaxPSKLen is the longest pre-shared key a channel can carry (AES-256).
	MaxPSKLen = 32
	// MaxChannelNameLen is the Meshtastic channel name limit.
	MaxChannelNameLen = 11
)
