package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// ChannelRole says whether a channel is the primary or a secondary one.
type ChannelRole uint8

const (
	ChannelPrimary ChannelRole = iota + 1
	ChannelSecondary
)

// Channel is one entry of the fixed channel table advertised to clients.
type Channel struct {
	Index uint32
	Role  ChannelRole
	Name  string
	PSK   []byte
}

// DefaultPSK is the single-byte "default key" marker Meshtastic uses for the
// public LongFast channel.
var DefaultPSK = []byte{0x01}

// DefaultSecondaryName and DefaultSecondaryPSK describe the private incident
// channel.
const DefaultSecondaryName = "SIMS"

var DefaultSecondaryPSK = []byte{
	0x3a, 0x9f, 0x4c, 0x21, 0xd8, 0x07, 0x6e, 0xb5,
	0x12, 0xc4, 0x8d, 0x5f, 0xe0, 0x71, 0x2b, 0x96,
	0x44, 0xfa, 0x0c, 0x83, 0x5d, 0xe9, 0x37, 0xa2,
	0x18, 0x6b, 0xcf, 0x90, 0x2e, 0x75, 0xd1, 0x4b,
}

// ChannelTable builds the two channels the node advertises. An empty name or
// key falls back to the built-in secondary channel.
func ChannelTable(secondaryName, secondaryKeyB64 string) ([]Channel, error) {
	name := strings.TrimSpace(secondaryName)
	if name == "" {
		name = DefaultSecondaryName
	}

	key := DefaultSecondaryPSK
	if raw := strings.TrimSpace(secondaryKeyB64); raw != "" {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode secondary channel key: %w", err)
		}
		if len(decoded) != 32 {
			return nil, fmt.Errorf("secondary channel key must be 32 bytes, got %d", len(decoded))
		}
		key = decoded
	}

	return []Channel{
		{Index: 0, Role: ChannelPrimary, PSK: append([]byte(nil), DefaultPSK...)},
		{Index: 1, Role: ChannelSecondary, Name: name, PSK: append([]byte(nil), key...)},
	}, nil
}
