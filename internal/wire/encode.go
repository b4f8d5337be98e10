package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// All encoders append into dst[:0] without growing it and report the number
// of bytes written. They return 0 when the message does not fit in dst or the
// input is invalid.

func EncodeMyNodeInfo(dst []byte, nodeNum uint32, rebootCount uint32) int {
	var inner []byte
	inner = appendVarintField(inner, myInfoNodeNum, uint64(nodeNum))
	inner = appendVarintField(inner, myInfoRebootCount, uint64(rebootCount))
	inner = appendVarintField(inner, myInfoMinAppVersion, uint64(MinAppVersion))
	inner = appendVarintField(inner, myInfoFirmwareEdition, uint64(FirmwareEditionVanilla))

	out := protowire.AppendTag(bounded(dst), fromRadioMyInfo, protowire.BytesType)
	out = protowire.AppendBytes(out, inner)

	return written(dst, out)
}

func EncodeNodeInfo(dst []byte, nodeNum uint32, longName, shortName string) int {
	if longName == "" || shortName == "" {
		return 0
	}

	var user []byte
	user = protowire.AppendTag(user, userID, protowire.BytesType)
	user = protowire.AppendString(user, FormatNodeID(nodeNum))
	user = protowire.AppendTag(user, userLongName, protowire.BytesType)
	user = protowire.AppendString(user, longName)
	user = protowire.AppendTag(user, userShortName, protowire.BytesType)
	user = protowire.AppendString(user, shortName)
	user = appendVarintField(user, userHwModel, uint64(HwModelPrivate))
	user = appendVarintField(user, userRole, uint64(RoleClient))

	var info []byte
	info = appendVarintField(info, nodeInfoNum, uint64(nodeNum))
	info = protowire.AppendTag(info, nodeInfoUser, protowire.BytesType)
	info = protowire.AppendBytes(info, user)

	out := protowire.AppendTag(bounded(dst), fromRadioNodeInfo, protowire.BytesType)
	out = protowire.AppendBytes(out, info)

	return written(dst, out)
}

func EncodeChannel(dst []byte, index uint32, role ChannelRole, name string, psk []byte) int {
	if role != ChannelRolePrimary && role != ChannelRoleSecondary {
		return 0
	}
	if len(psk) == 0 || len(psk) > MaxPSKLen || len(name) > MaxChannelNameLen {
		return 0
	}

	var settings []byte
	settings = protowire.AppendTag(settings, settingsPSK, protowire.BytesType)
	settings = protowire.AppendBytes(settings, psk)
	if name != "" {
		settings = protowire.AppendTag(settings, settingsName, protowire.BytesType)
		settings = protowire.AppendString(settings, name)
	}

	var ch []byte
	ch = appendVarintField(ch, channelIndex, uint64(index))
	ch = protowire.AppendTag(ch, channelSettings, protowire.BytesType)
	ch = protowire.AppendBytes(ch, settings)
	ch = appendVarintField(ch, channelRole, uint64(role))

	out := protowire.AppendTag(bounded(dst), fromRadioChannel, protowire.BytesType)
	out = protowire.AppendBytes(out, ch)

	return written(dst, out)
}

func EncodeConfigComplete(dst []byte, nonce uint32) int {
	out := appendVarintField(bounded(dst), fromRadioConfigCompleteID, uint64(nonce))

	return written(dst, out)
}

// EncodeFromRadioPacket wraps a raw MeshPacket in a FromRadio envelope.
func EncodeFromRadioPacket(dst []byte, id uint32, meshPacket []byte) int {
	if len(meshPacket) == 0 {
		return 0
	}

	out := bounded(dst)
	if id != 0 {
		out = appendVarintField(out, fromRadioID, uint64(id))
	}
	out = protowire.AppendTag(out, fromRadioPacket, protowire.BytesType)
	out = protowire.AppendBytes(out, meshPacket)

	return written(dst, out)
}

func EncodeWantConfig(dst []byte, nonce uint32) int {
	out := appendVarintField(bounded(dst), toRadioWantConfigID, uint64(nonce))

	return written(dst, out)
}

func EncodeToRadioPacket(dst []byte, meshPacket []byte) int {
	if len(meshPacket) == 0 {
		return 0
	}

	out := protowire.AppendTag(bounded(dst), toRadioPacket, protowire.BytesType)
	out = protowire.AppendBytes(out, meshPacket)

	return written(dst, out)
}

// MeshPacket describes a locally generated packet with a decoded payload.
type MeshPacket struct {
	From      uint32
	To        uint32
	ID        uint32
	Channel   uint32
	HopLimit  uint32
	WantAck   bool
	Priority  uint32
	Portnum   uint32
	Payload   []byte
	RequestID uint32
}

// EncodeMeshPacket writes p using fixed32 addressing, matching the firmware
// layout.
func EncodeMeshPacket(dst []byte, p MeshPacket) int {
	var data []byte
	data = appendVarintField(data, dataPortnum, uint64(p.Portnum))
	if len(p.Payload) > 0 {
		data = protowire.AppendTag(data, dataPayload, protowire.BytesType)
		data = protowire.AppendBytes(data, p.Payload)
	}
	if p.RequestID != 0 {
		data = protowire.AppendTag(data, dataRequestID, protowire.Fixed32Type)
		data = protowire.AppendFixed32(data, p.RequestID)
	}

	out := bounded(dst)
	out = protowire.AppendTag(out, MeshPacketFrom, protowire.Fixed32Type)
	out = protowire.AppendFixed32(out, p.From)
	out = protowire.AppendTag(out, MeshPacketTo, protowire.Fixed32Type)
	out = protowire.AppendFixed32(out, p.To)
	if p.Channel != 0 {
		out = appendVarintField(out, MeshPacketChannel, uint64(p.Channel))
	}
	out = protowire.AppendTag(out, MeshPacketDecoded, protowire.BytesType)
	out = protowire.AppendBytes(out, data)
	out = protowire.AppendTag(out, MeshPacketID, protowire.Fixed32Type)
	out = protowire.AppendFixed32(out, p.ID)
	if p.HopLimit != 0 {
		out = appendVarintField(out, MeshPacketHopLimit, uint64(p.HopLimit))
	}
	if p.WantAck {
		out = appendVarintField(out, MeshPacketWantAck, 1)
	}
	if p.Priority != 0 {
		out = appendVarintField(out, MeshPacketPriority, uint64(p.Priority))
	}

	return written(dst, out)
}

// EncodeRoutingAck builds a ROUTING_APP MeshPacket with error_reason NONE that
// acknowledges requestID back to the original sender.
func EncodeRoutingAck(dst []byte, from, to, packetID, requestID, channel uint32) int {
	// error_reason NONE is the zero value, but the app expects the field present.
	routing := []byte{byte(protowire.EncodeTag(routingErrorReason, protowire.VarintType)), 0x00}

	return EncodeMeshPacket(dst, MeshPacket{
		From:      from,
		To:        to,
		ID:        packetID,
		Channel:   channel,
		HopLimit:  DefaultHopLimit,
		Priority:  PriorityAck,
		Portnum:   PortRouting,
		Payload:   routing,
		RequestID: requestID,
	})
}

// FormatNodeID renders a node number the way Meshtastic user ids look.
func FormatNodeID(nodeNum uint32) string {
	return fmt.Sprintf("!%08x", nodeNum)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)

	return protowire.AppendVarint(b, v)
}

// bounded returns an empty slice over dst that append cannot grow in place
// past len(dst).
func bounded(dst []byte) []byte {
	return dst[:0:len(dst)]
}

func written(dst, out []byte) int {
	if len(out) == 0 || len(out) > len(dst) {
		return 0
	}

	return len(out)
}
