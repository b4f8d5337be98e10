package wire

import "fmt"

// BroadcastAddr is the Meshtastic broadcast node number.
const BroadcastAddr uint32 = 0xFFFFFFFF

// PacketHeader holds the routing fields of a raw MeshPacket. Everything else
// in the packet stays opaque.
type PacketHeader struct {
	From    uint32
	To      uint32
	ID      uint32
	Channel uint32
	WantAck bool
}

// ParsePacketHeader pulls the routing fields out of a raw MeshPacket without
// decoding its payload.
func ParsePacketHeader(meshPacket []byte) (PacketHeader, error) {
	if err := Validate(meshPacket); err != nil {
		return PacketHeader{}, err
	}

	from, ok := ExtractUint32(meshPacket, MeshPacketFrom)
	if !ok {
		return PacketHeader{}, fmt.Errorf("%w: mesh packet has no sender", ErrMalformed)
	}

	h := PacketHeader{From: from}
	h.To, _ = ExtractUint32(meshPacket, MeshPacketTo)
	h.ID, _ = ExtractUint32(meshPacket, MeshPacketID)
	h.Channel, _ = ExtractUint32(meshPacket, MeshPacketChannel)
	if wantAck, ok := ExtractVarint(meshPacket, MeshPacketWantAck); ok && wantAck != 0 {
		h.WantAck = true
	}

	return h, nil
}

// IsRoutingAck reports whether a raw MeshPacket carries a ROUTING_APP payload.
func IsRoutingAck(meshPacket []byte) bool {
	decoded, ok := ExtractLengthDelimited(meshPacket, MeshPacketDecoded)
	if !ok {
		return false
	}
	port, ok := ExtractVarint(decoded, dataPortnum)

	return ok && uint32(port) == PortRouting
}

// RequestID returns Data.request_id of a decoded MeshPacket.
func RequestID(meshPacket []byte) (uint32, bool) {
	decoded, ok := ExtractLengthDelimited(meshPacket, MeshPacketDecoded)
	if !ok {
		return 0, false
	}

	return ExtractUint32(decoded, dataRequestID)
}
