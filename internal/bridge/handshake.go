package bridge

import (
	"github.com/skobkin/simsnode/internal/domain"
	"github.com/skobkin/simsnode/internal/wire"
)

// Phase names where a client is in the config handshake.
type Phase int

const (
	PhaseNothing Phase = iota
	PhaseMyInfo
	PhaseOwnNodeInfo
	PhaseChannels
	PhaseCompleteID
	PhasePackets
)

func (p Phase) String() string {
	switch p {
	case PhaseMyInfo:
		return "my_info"
	case PhaseOwnNodeInfo:
		return "own_node_info"
	case PhaseChannels:
		return "channels"
	case PhaseCompleteID:
		return "complete_id"
	case PhasePackets:
		return "packets"
	default:
		return "nothing"
	}
}

// identity is everything the handshake needs to describe this node.
type identity struct {
	nodeNum     uint32
	rebootCount uint32
	longName    string
	shortName   string
	channels    []domain.Channel
	nonce       uint32
	queue       *OutboundQueue
}

// configState is one step of the handshake. read encodes this step's message
// into dst and returns the state for the following read. A step that writes
// nothing must return itself so an empty read never advances.
type configState interface {
	phase() Phase
	read(id *identity, dst []byte) (configState, int)
}

type stateNothing struct{}

func (stateNothing) phase() Phase { return PhaseNothing }

func (s stateNothing) read(*identity, []byte) (configState, int) {
	return s, 0
}

type stateMyInfo struct{}

func (stateMyInfo) phase() Phase { return PhaseMyInfo }

func (s stateMyInfo) read(id *identity, dst []byte) (configState, int) {
	n := wire.EncodeMyNodeInfo(dst, id.nodeNum, id.rebootCount)
	if n == 0 {
		return s, 0
	}

	return stateOwnNodeInfo{}, n
}

type stateOwnNodeInfo struct{}

func (stateOwnNodeInfo) phase() Phase { return PhaseOwnNodeInfo }

func (s stateOwnNodeInfo) read(id *identity, dst []byte) (configState, int) {
	n := wire.EncodeNodeInfo(dst, id.nodeNum, id.longName, id.shortName)
	if n == 0 {
		return s, 0
	}
	if len(id.channels) == 0 {
		return stateCompleteID{}, n
	}

	return stateChannels{index: 0}, n
}

// stateChannels serves one channel per read.
type stateChannels struct {
	index int
}

func (stateChannels) phase() Phase { return PhaseChannels }

func (s stateChannels) read(id *identity, dst []byte) (configState, int) {
	if s.index >= len(id.channels) {
		return stateCompleteID{}.read(id, dst)
	}
	ch := id.channels[s.index]
	role := wire.ChannelRoleSecondary
	if ch.Role == domain.ChannelPrimary {
		role = wire.ChannelRolePrimary
	}
	n := wire.EncodeChannel(dst, ch.Index, role, ch.Name, ch.PSK)
	if n == 0 {
		return s, 0
	}
	if s.index+1 < len(id.channels) {
		return stateChannels{index: s.index + 1}, n
	}

	return stateCompleteID{}, n
}

type stateCompleteID struct{}

func (stateCompleteID) phase() Phase { return PhaseCompleteID }

func (s stateCompleteID) read(id *identity, dst []byte) (configState, int) {
	n := wire.EncodeConfigComplete(dst, id.nonce)
	if n == 0 {
		return s, 0
	}

	return statePackets{}, n
}

// statePackets is terminal until the client goes away.
type statePackets struct{}

func (statePackets) phase() Phase { return PhasePackets }

func (s statePackets) read(id *identity, dst []byte) (configState, int) {
	return s, id.queue.Pop(dst)
}
