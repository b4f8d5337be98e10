package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/skobkin/simsnode/internal/domain"
)

const (
	frameMagic   = 0x53
	frameVersion = 1

	// HeaderSize is the fixed frame prefix before the payload.
	HeaderSize = 22
	// MaxPayload keeps a full frame well inside one LoRa packet.
	MaxPayload = 200
)

var (
	ErrPayloadTooLarge = errors.New("mesh payload too large")
	ErrBadMagic        = errors.New("not a mesh frame")
	ErrBadVersion      = errors.New("unsupported mesh frame version")
	ErrTruncated       = errors.New("mesh frame truncated")
)

type MessageType uint8

const (
	TypeData MessageType = iota + 1
	TypeIncident
	TypeAck
	TypeHeartbeat
)

func (t MessageType) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeIncident:
		return "incident"
	case TypeAck:
		return "ack"
	case TypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Priority orders traffic from 0 (critical) to 3 (low).
type Priority uint8

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// Message is one native mesh frame.
type Message struct {
	Source      domain.DeviceID
	Destination domain.DeviceID
	Sequence    uint16
	Type        MessageType
	Priority    Priority
	HopCount    uint8
	TTL         time.Duration
	Timestamp   time.Time
	Payload     []byte

	// Link quality of the last hop; set on received messages only.
	RSSI int
	SNR  float32
}

// Frame layout, little endian:
//
//	0  magic        1
//	1  version      1
//	2  source       4
//	6  destination  4
//	10 sequence     2
//	12 type         1
//	13 priority     1
//	14 hop count    1
//	15 ttl seconds  2
//	17 timestamp    4 (unix seconds)
//	21 payload len  1
//	22 payload
func EncodeFrame(m Message) ([]byte, error) {
	if len(m.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(m.Payload))
	}

	buf := make([]byte, HeaderSize+len(m.Payload))
	buf[0] = frameMagic
	buf[1] = frameVersion
	binary.LittleEndian.PutUint32(buf[2:6], uint32(m.Source))
	binary.LittleEndian.PutUint32(buf[6:10], uint32(m.Destination))
	binary.LittleEndian.PutUint16(buf[10:12], m.Sequence)
	buf[12] = byte(m.Type)
	buf[13] = byte(m.Priority)
	buf[14] = m.HopCount
	binary.LittleEndian.PutUint16(buf[15:17], ttlSeconds(m.TTL))
	binary.LittleEndian.PutUint32(buf[17:21], unixSeconds(m.Timestamp))
	// #nosec G115 -- bounded by MaxPayload above.
	buf[21] = byte(len(m.Payload))
	copy(buf[HeaderSize:], m.Payload)

	return buf, nil
}

func DecodeFrame(data []byte) (Message, error) {
	if len(data) < HeaderSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	if data[0] != frameMagic {
		return Message{}, ErrBadMagic
	}
	if data[1] != frameVersion {
		return Message{}, fmt.Errorf("%w: %d", ErrBadVersion, data[1])
	}
	size := int(data[21])
	if size > MaxPayload {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)
	}
	if len(data) < HeaderSize+size {
		return Message{}, fmt.Errorf("%w: want %d payload bytes, have %d", ErrTruncated, size, len(data)-HeaderSize)
	}

	m := Message{
		Source:      domain.DeviceID(binary.LittleEndian.Uint32(data[2:6])),
		Destination: domain.DeviceID(binary.LittleEndian.Uint32(data[6:10])),
		Sequence:    binary.LittleEndian.Uint16(data[10:12]),
		Type:        MessageType(data[12]),
		Priority:    Priority(data[13]),
		HopCount:    data[14],
		TTL:         time.Duration(binary.LittleEndian.Uint16(data[15:17])) * time.Second,
		Payload:     append([]byte(nil), data[HeaderSize:HeaderSize+size]...),
	}
	if ts := binary.LittleEndian.Uint32(data[17:21]); ts != 0 {
		m.Timestamp = time.Unix(int64(ts), 0)
	}

	return m, nil
}

func ttlSeconds(d time.Duration) uint16 {
	s := d / time.Second
	switch {
	case s <= 0:
		return 0
	case s > 0xFFFF:
		return 0xFFFF
	default:
		return uint16(s)
	}
}

func unixSeconds(t time.Time) uint32 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	// #nosec G115 -- timestamps wrap in 2106.
	return uint32(t.Unix())
}

func encodeAckPayload(sequence uint16) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, sequence)
	return out
}

func decodeAckPayload(payload []byte) (uint16, bool) {
	if len(payload) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(payload), true
}
