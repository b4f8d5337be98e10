package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ToRadioKind names the ToRadio variant a client wrote.
type ToRadioKind int

const (
	ToRadioUnknown ToRadioKind = iota
	ToRadioPacket
	ToRadioWantConfig
	ToRadioDisconnect
	ToRadioHeartbeat
)

func (k ToRadioKind) String() string {
	switch k {
	case ToRadioPacket:
		return "packet"
	case ToRadioWantConfig:
		return "want_config_id"
	case ToRadioDisconnect:
		return "disconnect"
	case ToRadioHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// ToRadio is a decoded ToRadio envelope. Packet aliases the input buffer.
type ToRadio struct {
	Kind         ToRadioKind
	Packet       []byte
	WantConfigID uint32
}

// DecodeToRadio identifies the oneof variant of a ToRadio write. Unknown
// fields are skipped; a message with none of the known variants decodes as
// ToRadioUnknown without error.
func DecodeToRadio(buf []byte) (ToRadio, error) {
	var msg ToRadio
	err := walk(buf, func(f field) bool {
		switch {
		case f.num == toRadioPacket && f.typ == protowire.BytesType:
			msg = ToRadio{Kind: ToRadioPacket, Packet: f.raw}
		case f.num == toRadioWantConfigID && f.typ == protowire.VarintType:
			// #nosec G115 -- want_config_id is uint32 on the wire.
			msg = ToRadio{Kind: ToRadioWantConfig, WantConfigID: uint32(f.u64)}
		case f.num == toRadioDisconnect && f.typ == protowire.VarintType:
			msg = ToRadio{Kind: ToRadioDisconnect}
		case f.num == toRadioHeartbeat && f.typ == protowire.BytesType:
			msg = ToRadio{Kind: ToRadioHeartbeat}
		}
		return true
	})
	if err != nil {
		return ToRadio{}, fmt.Errorf("decode toradio: %w", err)
	}
	if msg.Kind == ToRadioPacket && len(msg.Packet) == 0 {
		return ToRadio{}, fmt.Errorf("decode toradio: %w: empty packet", ErrMalformed)
	}

	return msg, nil
}

// FromRadioKind names the FromRadio variant produced by the node.
type FromRadioKind int

const (
	FromRadioUnknown FromRadioKind = iota
	FromRadioPacket
	FromRadioMyInfo
	FromRadioNodeInfo
	FromRadioConfigComplete
	FromRadioChannel
)

func (k FromRadioKind) String() string {
	switch k {
	case FromRadioPacket:
		return "packet"
	case FromRadioMyInfo:
		return "my_info"
	case FromRadioNodeInfo:
		return "node_info"
	case FromRadioConfigComplete:
		return "config_complete_id"
	case FromRadioChannel:
		return "channel"
	default:
		return "unknown"
	}
}

// FromRadio is a shallow decode of a FromRadio envelope. Body holds the
// sub-message for bytes variants; Value holds config_complete_id.
type FromRadio struct {
	Kind  FromRadioKind
	Body  []byte
	Value uint32
}

func DecodeFromRadio(buf []byte) (FromRadio, error) {
	var msg FromRadio
	err := walk(buf, func(f field) bool {
		switch {
		case f.num == fromRadioPacket && f.typ == protowire.BytesType:
			msg = FromRadio{Kind: FromRadioPacket, Body: f.raw}
		case f.num == fromRadioMyInfo && f.typ == protowire.BytesType:
			msg = FromRadio{Kind: FromRadioMyInfo, Body: f.raw}
		case f.num == fromRadioNodeInfo && f.typ == protowire.BytesType:
			msg = FromRadio{Kind: FromRadioNodeInfo, Body: f.raw}
		case f.num == fromRadioChannel && f.typ == protowire.BytesType:
			msg = FromRadio{Kind: FromRadioChannel, Body: f.raw}
		case f.num == fromRadioConfigCompleteID && f.typ == protowire.VarintType:
			// #nosec G115 -- config_complete_id is uint32 on the wire.
			msg = FromRadio{Kind: FromRadioConfigComplete, Value: uint32(f.u64)}
		}
		return true
	})
	if err != nil {
		return FromRadio{}, fmt.Errorf("decode fromradio: %w", err)
	}

	return msg, nil
}

// ChannelInfo is the decoded content of a FromRadio.channel body.
type ChannelInfo struct {
	Index uint32
	Role  ChannelRole
	Name  string
	PSK   []byte
}

func DecodeChannel(body []byte) (ChannelInfo, error) {
	if err := Validate(body); err != nil {
		return ChannelInfo{}, err
	}

	var info ChannelInfo
	if idx, ok := ExtractVarint(body, channelIndex); ok {
		// #nosec G115 -- channel index is small and non-negative.
		info.Index = uint32(idx)
	}
	if role, ok := ExtractVarint(body, channelRole); ok {
		// #nosec G115 -- enum value.
		info.Role = ChannelRole(role)
	}
	if settings, ok := ExtractLengthDelimited(body, channelSettings); ok {
		if psk, ok := ExtractLengthDelimited(settings, settingsPSK); ok {
			info.PSK = psk
		}
		if name, ok := ExtractLengthDelimited(settings, settingsName); ok {
			info.Name = string(name)
		}
	}

	return info, nil
}

// UserInfo is the decoded User part of a FromRadio.node_info body.
type UserInfo struct {
	NodeNum   uint32
	ID        string
	LongName  string
	ShortName string
	HwModel   uint32
}

func DecodeNodeInfo(body []byte) (UserInfo, error) {
	if err := Validate(body); err != nil {
		return UserInfo{}, err
	}

	var info UserInfo
	info.NodeNum, _ = ExtractUint32(body, nodeInfoNum)
	user, ok := ExtractLengthDelimited(body, nodeInfoUser)
	if !ok {
		return info, nil
	}
	if v, ok := ExtractLengthDelimited(user, userID); ok {
		info.ID = string(v)
	}
	if v, ok := ExtractLengthDelimited(user, userLongName); ok {
		info.LongName = string(v)
	}
	if v, ok := ExtractLengthDelimited(user, userShortName); ok {
		info.ShortName = string(v)
	}
	info.HwModel, _ = ExtractUint32(user, userHwModel)

	return info, nil
}

// MyInfo is the decoded content of a FromRadio.my_info body.
type MyInfo struct {
	NodeNum     uint32
	RebootCount uint32
}

func DecodeMyInfo(body []byte) (MyInfo, error) {
	if err := Validate(body); err != nil {
		return MyInfo{}, err
	}

	var info MyInfo
	info.NodeNum, _ = ExtractUint32(body, myInfoNodeNum)
	info.RebootCount, _ = ExtractUint32(body, myInfoRebootCount)

	return info, nil
}
