// Package bridge serves the Meshtastic phone protocol on top of the node's
// radio. Client callbacks (BLE or stream) and the main loop share only the
// config state and the outbound queue; the radio itself is driven from Poll.
package bridge

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/skobkin/simsnode/internal/bus"
	"github.com/skobkin/simsnode/internal/connectors"
	"github.com/skobkin/simsnode/internal/domain"
	"github.com/skobkin/simsnode/internal/radio"
	"github.com/skobkin/simsnode/internal/wire"
)

const (
	// MaxRelaySize is the largest raw packet wrapped for a client; bigger
	// ones would not fit a queue slot with the FromRadio envelope.
	MaxRelaySize = 240
	// AckDelay keeps routing ACKs out of the sender's own turnaround window.
	AckDelay = 50 * time.Millisecond
	// DefaultConfigNonce answers clients that request config with id 0.
	DefaultConfigNonce uint32 = 69420

	maxPendingTx = 16
)

// Radio is the transmit side of the node's radio.
type Radio interface {
	Send(payload []byte) error
	Airtime(n int) time.Duration
}

// Display receives fire-and-forget activity hints.
type Display interface {
	NotifyTx(airtime time.Duration)
	RegisterActivity()
}

// Notifier wakes polling clients when FromNum moves.
type Notifier interface {
	NotifyFromNum(value uint32)
}

// Config describes this node to clients.
type Config struct {
	NodeNum     domain.DeviceID
	LongName    string
	ShortName   string
	RebootCount uint32
	Channels    []domain.Channel
}

type pendingTx struct {
	due     time.Time
	payload []byte
	kind    string
}

type Bridge struct {
	logger  *slog.Logger
	bus     bus.MessageBus
	radio   Radio
	display Display
	now     func() time.Time

	mu        sync.Mutex
	id        identity
	state     configState
	connected int
	fromNum   uint32
	frameID   uint32
	pending   []pendingTx
	notifiers []Notifier
	queue     OutboundQueue
	rng       *rand.Rand
}

func New(logger *slog.Logger, b bus.MessageBus, cfg Config, r Radio, d Display) (*Bridge, error) {
	if cfg.NodeNum == 0 || cfg.NodeNum == domain.Broadcast {
		return nil, fmt.Errorf("invalid node number %s", cfg.NodeNum)
	}
	if strings.TrimSpace(cfg.LongName) == "" || strings.TrimSpace(cfg.ShortName) == "" {
		return nil, errors.New("node long and short names are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if b == nil {
		b = bus.Nop{}
	}

	br := &Bridge{
		logger:  logger,
		bus:     b,
		radio:   r,
		display: d,
		now:     time.Now,
		state:   stateNothing{},
		// #nosec G404 -- packet ids only need to be unlikely to repeat.
		rng: rand.New(rand.NewPCG(uint64(cfg.NodeNum), uint64(time.Now().UnixNano()))),
	}
	br.id = identity{
		nodeNum:     uint32(cfg.NodeNum),
		rebootCount: cfg.RebootCount,
		longName:    cfg.LongName,
		shortName:   cfg.ShortName,
		channels:    append([]domain.Channel(nil), cfg.Channels...),
		queue:       &br.queue,
	}

	return br, nil
}

// AddNotifier registers a client front-end that wants FromNum wakeups.
func (b *Bridge) AddNotifier(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifiers = append(b.notifiers, n)
}

func (b *Bridge) OnConnect(transportName string) {
	b.mu.Lock()
	b.connected++
	b.resetLocked()
	count := b.connected
	b.mu.Unlock()

	b.logger.Info("client connected", "transport", transportName, "connected", count)
	b.publishClient(transportName, connectors.ConnectionStateConnected, count)
	b.activity()
}

func (b *Bridge) OnDisconnect(transportName string) {
	b.mu.Lock()
	if b.connected > 0 {
		b.connected--
	}
	b.resetLocked()
	count := b.connected
	b.mu.Unlock()

	b.logger.Info("client disconnected", "transport", transportName, "connected", count)
	b.publishClient(transportName, connectors.ConnectionStateDisconnected, count)
}

// resetLocked returns to the start of the handshake. Queued frames belong to
// the session that is ending, so they go too.
func (b *Bridge) resetLocked() {
	b.state = stateNothing{}
	b.queue.Clear()
}

func (b *Bridge) IsConnected() bool {
	return b.ConnectedCount() > 0
}

func (b *Bridge) ConnectedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.connected
}

func (b *Bridge) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state.phase()
}

func (b *Bridge) FromNum() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.fromNum
}

func (b *Bridge) QueueLen() int {
	return b.queue.Len()
}

// HandleToRadio processes one client write. Malformed input is logged and
// dropped without touching any state.
func (b *Bridge) HandleToRadio(data []byte) {
	msg, err := wire.DecodeToRadio(append([]byte(nil), data...))
	if err != nil {
		b.logger.Warn("discarding malformed toradio", "len", len(data), "error", err)
		return
	}
	b.activity()

	switch msg.Kind {
	case wire.ToRadioWantConfig:
		b.startConfig(msg.WantConfigID)
	case wire.ToRadioPacket:
		b.acceptClientPacket(msg.Packet)
	case wire.ToRadioDisconnect:
		b.mu.Lock()
		b.resetLocked()
		b.mu.Unlock()
		b.logger.Info("client requested disconnect")
	case wire.ToRadioHeartbeat:
		b.logger.Debug("client heartbeat")
	default:
		b.logger.Debug("ignoring toradio variant", "len", len(data))
	}
}

func (b *Bridge) startConfig(nonce uint32) {
	if nonce == 0 {
		nonce = DefaultConfigNonce
	}

	b.mu.Lock()
	b.id.nonce = nonce
	b.state = stateMyInfo{}
	b.queue.Clear()
	b.mu.Unlock()

	b.logger.Info("config requested", "nonce", nonce)
	b.publishPhase(PhaseMyInfo, nonce)
	b.bumpFromNum()
}

func (b *Bridge) acceptClientPacket(packet []byte) {
	if len(packet) > radio.MaxPacketSize {
		b.logger.Warn("client packet too large for radio", "len", len(packet))
		return
	}

	b.mu.Lock()
	if b.state.phase() != PhasePackets {
		phase := b.state.phase()
		b.mu.Unlock()
		b.logger.Warn("client packet before config complete", "phase", phase.String())
		return
	}
	ok := b.scheduleLocked(pendingTx{due: b.now(), payload: packet, kind: "client"})
	b.mu.Unlock()

	if !ok {
		b.logger.Warn("radio send queue full, dropping client packet", "len", len(packet))
		return
	}
	b.logger.Debug("client packet queued for radio", "len", len(packet))
}

// scheduleLocked copies p.payload; callers may reuse their buffer.
func (b *Bridge) scheduleLocked(p pendingTx) bool {
	if len(b.pending) >= maxPendingTx {
		return false
	}
	p.payload = append([]byte(nil), p.payload...)
	b.pending = append(b.pending, p)

	return true
}

// ReadFromRadio serves one client read of FromRadio. During the handshake
// each non-empty read advances one step; afterwards it drains the queue.
// A zero return means "nothing right now".
func (b *Bridge) ReadFromRadio(dst []byte) int {
	b.mu.Lock()
	before := b.state.phase()
	next, n := b.state.read(&b.id, dst)
	b.state = next
	after := next.phase()
	nonce := b.id.nonce
	b.mu.Unlock()

	if n > 0 && before != after {
		b.logger.Debug("config phase advanced", "from", before.String(), "to", after.String())
		b.publishPhase(after, nonce)
		if after == PhasePackets {
			b.logger.Info("config handshake complete", "nonce", nonce)
		}
	}

	return n
}

// HandleRadioPacket relays a raw packet heard on the air to connected
// clients and schedules a routing ACK when the sender asked for one. It runs
// on the main loop.
func (b *Bridge) HandleRadioPacket(packet []byte) {
	h, err := wire.ParsePacketHeader(packet)
	if err != nil {
		b.logger.Debug("ignoring undecodable radio packet", "len", len(packet), "error", err)
		return
	}
	if h.From == b.id.nodeNum {
		return
	}

	logger := b.logger.With("from", wire.FormatNodeID(h.From), "packet_id", h.ID)
	b.relayToClients(logger, packet)

	if h.WantAck {
		b.scheduleAck(logger, h)
	}
}

func (b *Bridge) relayToClients(logger *slog.Logger, packet []byte) {
	b.mu.Lock()
	if b.connected == 0 || b.state.phase() != PhasePackets {
		b.mu.Unlock()
		return
	}
	if len(packet) > MaxRelaySize {
		b.mu.Unlock()
		logger.Warn("packet too large to relay", "len", len(packet))
		return
	}

	var frame [QueueSlotSize]byte
	b.frameID++
	n := wire.EncodeFromRadioPacket(frame[:], b.frameID, packet)
	queued := n > 0 && b.queue.Push(frame[:n])
	queueLen := b.queue.Len()
	b.mu.Unlock()

	if !queued {
		logger.Warn("outbound queue full, dropping relay", "len", len(packet), "queue_len", queueLen)
		return
	}
	logger.Debug("relayed packet to client", "len", len(packet), "queue_len", queueLen)
	b.bumpFromNum()
}

func (b *Bridge) scheduleAck(logger *slog.Logger, h wire.PacketHeader) {
	var buf [radio.MaxPacketSize]byte

	b.mu.Lock()
	n := wire.EncodeRoutingAck(buf[:], b.id.nodeNum, h.From, b.rng.Uint32(), h.ID, h.Channel)
	ok := n > 0 && b.scheduleLocked(pendingTx{due: b.now().Add(AckDelay), payload: buf[:n], kind: "ack"})
	b.mu.Unlock()

	if !ok {
		logger.Warn("could not schedule routing ack")
		return
	}
	logger.Debug("routing ack scheduled", "delay", AckDelay)
}

// Poll transmits every pending packet that is due. It must be called from
// the loop that owns the radio.
func (b *Bridge) Poll() {
	now := b.now()

	b.mu.Lock()
	var due []pendingTx
	kept := b.pending[:0]
	for _, p := range b.pending {
		if !now.Before(p.due) {
			due = append(due, p)
			continue
		}
		kept = append(kept, p)
	}
	b.pending = kept
	b.mu.Unlock()

	for _, p := range due {
		b.transmit(p)
	}
}

func (b *Bridge) transmit(p pendingTx) {
	if b.radio == nil {
		b.logger.Warn("radio unavailable, dropping packet", "kind", p.kind, "len", len(p.payload))
		return
	}
	if err := b.radio.Send(p.payload); err != nil {
		b.logger.Warn("radio send failed", "kind", p.kind, "len", len(p.payload), "error", err)
		return
	}

	airtime := b.radio.Airtime(len(p.payload))
	if b.display != nil {
		b.display.NotifyTx(airtime)
	}
	b.bus.Publish(connectors.TopicRadioTx, connectors.RawFrame{
		Hex: strings.ToUpper(hex.EncodeToString(p.payload)),
		Len: len(p.payload),
	})
}

// PendingTx reports how many packets wait for the radio.
func (b *Bridge) PendingTx() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

func (b *Bridge) bumpFromNum() {
	b.mu.Lock()
	b.fromNum++
	value := b.fromNum
	notifiers := append([]Notifier(nil), b.notifiers...)
	b.mu.Unlock()

	for _, n := range notifiers {
		n.NotifyFromNum(value)
	}
}

func (b *Bridge) activity() {
	if b.display != nil {
		b.display.RegisterActivity()
	}
}

func (b *Bridge) publishClient(transportName string, state connectors.ConnectionState, count int) {
	b.bus.Publish(connectors.TopicClientStatus, connectors.ClientStatus{
		State:         state,
		TransportName: transportName,
		Connected:     count,
		Timestamp:     time.Now(),
	})
}

func (b *Bridge) publishPhase(p Phase, nonce uint32) {
	b.bus.Publish(connectors.TopicHandshake, connectors.HandshakeProgress{
		Phase:     p.String(),
		Nonce:     nonce,
		Timestamp: time.Now(),
	})
}
