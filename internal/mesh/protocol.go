// Package mesh implements the node's own flood-routed message protocol. It
// runs instead of the Meshtastic bridge and owns the radio while active.
package mesh

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/skobkin/simsnode/internal/bus"
	"github.com/skobkin/simsnode/internal/connectors"
	"github.com/skobkin/simsnode/internal/domain"
	"github.com/skobkin/simsnode/internal/radio"
)

const (
	MaxHops           = 5
	DefaultTTL        = 300 * time.Second
	MaxRetries        = 3
	AckTimeout        = 5 * time.Second
	HeartbeatInterval = 60 * time.Second

	seenCacheSize     = 64
	inboxSize         = 16
	maxRxPerUpdate    = 4
	maxRelayJitter    = 150 * time.Millisecond
	neighbourLifetime = 3
)

var (
	ErrNoRadio    = errors.New("mesh radio is not attached")
	ErrNoDeviceID = errors.New("mesh device id is not set")
)

// Radio is the part of the LoRa transport the protocol drives.
type Radio interface {
	Send(payload []byte) error
	Available() bool
	Receive(buf []byte) (int, error)
	RSSI() int
	SNR() float32
	Airtime(n int) time.Duration
}

// Storage records outbound messages and learns when they were delivered.
type Storage interface {
	RecordOutbound(m Message) error
	MarkAsSent(sequence uint16) error
}

// Display gets transmit hints.
type Display interface {
	NotifyTx(airtime time.Duration)
}

type Stats struct {
	Sent     uint32
	Received uint32
	Relayed  uint32
	Dropped  uint32
}

type Neighbour struct {
	ID       domain.DeviceID
	LastSeen time.Time
	RSSI     int
	SNR      float32
}

type outgoing struct {
	msg   Message
	due   time.Time
	relay bool
}

type pendingAck struct {
	msg     Message
	frame   []byte
	retries int
	nextAt  time.Time
}

type Protocol struct {
	logger  *slog.Logger
	bus     bus.MessageBus
	storage Storage
	display Display
	now     func() time.Time

	heartbeatEvery time.Duration

	mu            sync.Mutex
	radio         Radio
	id            domain.DeviceID
	seq           uint16
	outbox        []outgoing
	pending       map[uint16]*pendingAck
	inbox         []Message
	neighbours    map[domain.DeviceID]Neighbour
	seen          *seenCache
	stats         Stats
	lastHeartbeat time.Time
	rng           *rand.Rand
	rxBuf         [radio.MaxPacketSize]byte
}

type Option func(*Protocol)

func WithStorage(s Storage) Option {
	return func(p *Protocol) { p.storage = s }
}

func WithDisplay(d Display) Option {
	return func(p *Protocol) { p.display = d }
}

// WithHeartbeatInterval overrides the heartbeat period; zero keeps the default.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(p *Protocol) {
		if d > 0 {
			p.heartbeatEvery = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

func New(logger *slog.Logger, b bus.MessageBus, opts ...Option) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	if b == nil {
		b = bus.Nop{}
	}

	p := &Protocol{
		logger:         logger,
		bus:            b,
		now:            time.Now,
		heartbeatEvery: HeartbeatInterval,
		pending:        make(map[uint16]*pendingAck),
		neighbours:     make(map[domain.DeviceID]Neighbour),
		seen:           newSeenCache(seenCacheSize, DefaultTTL),
		// #nosec G404 -- jitter and sequence seeding only.
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x53494d53)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.seq = uint16(p.rng.UintN(1 << 16))

	return p
}

// Begin attaches the radio. The radio must already be started.
func (p *Protocol) Begin(r Radio) error {
	if r == nil {
		return ErrNoRadio
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.radio = r

	return nil
}

func (p *Protocol) SetDeviceID(id domain.DeviceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.id = id
}

func (p *Protocol) DeviceID() domain.DeviceID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// Send queues a message for the next Update and returns its sequence number.
func (p *Protocol) Send(dest domain.DeviceID, typ MessageType, prio Priority, payload []byte) (uint16, error) {
	if len(payload) > MaxPayload {
		return 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	p.mu.Lock()
	if p.id == 0 {
		p.mu.Unlock()
		return 0, ErrNoDeviceID
	}
	msg := p.newMessageLocked(dest, typ, prio, payload)
	p.outbox = append(p.outbox, outgoing{msg: msg, due: msg.Timestamp})
	storage := p.storage
	p.mu.Unlock()

	if storage != nil && typ != TypeHeartbeat && typ != TypeAck {
		if err := storage.RecordOutbound(msg); err != nil {
			p.logger.Warn("failed to record outbound message", "sequence", msg.Sequence, "error", err)
		}
	}

	return msg.Sequence, nil
}

func (p *Protocol) newMessageLocked(dest domain.DeviceID, typ MessageType, prio Priority, payload []byte) Message {
	p.seq++
	return Message{
		Source:      p.id,
		Destination: dest,
		Sequence:    p.seq,
		Type:        typ,
		Priority:    prio,
		TTL:         DefaultTTL,
		Timestamp:   p.now(),
		Payload:     append([]byte(nil), payload...),
	}
}

// Update runs one protocol step. Call it from the main loop only.
func (p *Protocol) Update() {
	p.mu.Lock()
	r := p.radio
	p.mu.Unlock()
	if r == nil {
		return
	}

	for i := 0; i < maxRxPerUpdate && r.Available(); i++ {
		n, err := r.Receive(p.rxBuf[:])
		if err != nil {
			p.logger.Debug("mesh receive failed", "len", n, "error", err)
		}
		// A packet read before a failed rearm is still valid.
		if n > 0 {
			p.handleFrame(p.rxBuf[:n], r.RSSI(), r.SNR())
		}
	}

	now := p.now()
	p.maybeHeartbeat(now)
	p.flushOutbox(r, now)
	p.retryPending(r, now)
	p.expireNeighbours(now)
}

func (p *Protocol) handleFrame(data []byte, rssi int, snr float32) {
	msg, err := DecodeFrame(data)
	if err != nil {
		p.logger.Debug("ignoring non-mesh frame", "len", len(data), "error", err)
		return
	}
	msg.RSSI = rssi
	msg.SNR = snr
	now := p.now()

	p.mu.Lock()
	if msg.Source == p.id {
		p.mu.Unlock()
		return
	}
	if p.seen.check(seenKey{source: msg.Source, sequence: msg.Sequence}, now) {
		self := p.id
		p.mu.Unlock()
		p.logger.Debug("duplicate mesh message", "source", msg.Source.String(), "sequence", msg.Sequence)
		// A retransmission means our ACK was lost. Acknowledge again without
		// delivering or relaying a second time.
		if msg.Destination == self && requiresAck(msg) {
			p.queueAck(msg)
		}
		return
	}
	p.stats.Received++
	if msg.HopCount == 0 {
		p.neighbours[msg.Source] = Neighbour{ID: msg.Source, LastSeen: now, RSSI: rssi, SNR: snr}
	}
	self := p.id
	p.mu.Unlock()

	logger := p.logger.With("source", msg.Source.String(), "sequence", msg.Sequence, "type", msg.Type.String(), "hops", msg.HopCount)
	forMe := msg.Destination == self
	switch msg.Type {
	case TypeHeartbeat:
		logger.Debug("heartbeat heard", "rssi", rssi, "snr", snr)
		return
	case TypeAck:
		if forMe {
			p.handleAck(logger, msg)
			return
		}
	default:
		if forMe || msg.Destination == domain.Broadcast {
			p.deliver(logger, msg)
		}
		if forMe && requiresAck(msg) {
			p.queueAck(msg)
		}
	}

	if !forMe {
		p.maybeRelay(logger, msg, now)
	}
}

func (p *Protocol) handleAck(logger *slog.Logger, msg Message) {
	seq, ok := decodeAckPayload(msg.Payload)
	if !ok {
		logger.Debug("malformed ack payload")
		return
	}

	p.mu.Lock()
	_, waiting := p.pending[seq]
	delete(p.pending, seq)
	p.mu.Unlock()

	if !waiting {
		return
	}
	logger.Info("message acknowledged", "acked_sequence", seq)
	p.markSent(seq)
}

func (p *Protocol) deliver(logger *slog.Logger, msg Message) {
	p.mu.Lock()
	if len(p.inbox) >= inboxSize {
		p.stats.Dropped++
		p.mu.Unlock()
		logger.Warn("mesh inbox full, dropping message")
		return
	}
	p.inbox = append(p.inbox, msg)
	p.mu.Unlock()

	logger.Debug("mesh message delivered", "len", len(msg.Payload))
	p.bus.Publish(connectors.TopicMeshMessage, connectors.MeshMessage{
		Source:      uint32(msg.Source),
		Destination: uint32(msg.Destination),
		Sequence:    msg.Sequence,
		Type:        uint8(msg.Type),
		Priority:    uint8(msg.Priority),
		Hops:        msg.HopCount,
		Payload:     append([]byte(nil), msg.Payload...),
		RSSI:        msg.RSSI,
		SNR:         msg.SNR,
	})
}

func (p *Protocol) queueAck(orig Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ack := p.newMessageLocked(orig.Source, TypeAck, PriorityCritical, encodeAckPayload(orig.Sequence))
	p.outbox = append(p.outbox, outgoing{msg: ack, due: ack.Timestamp})
}

func (p *Protocol) maybeRelay(logger *slog.Logger, msg Message, now time.Time) {
	if msg.HopCount >= MaxHops {
		logger.Debug("not relaying: hop limit reached")
		return
	}
	if expired(msg, now) {
		logger.Debug("not relaying: message expired")
		return
	}

	msg.HopCount++
	msg.RSSI, msg.SNR = 0, 0

	p.mu.Lock()
	jitter := time.Duration(p.rng.Int64N(int64(maxRelayJitter)))
	p.outbox = append(p.outbox, outgoing{msg: msg, due: now.Add(jitter), relay: true})
	p.mu.Unlock()
}

func (p *Protocol) maybeHeartbeat(now time.Time) {
	p.mu.Lock()
	if p.id == 0 || (!p.lastHeartbeat.IsZero() && now.Sub(p.lastHeartbeat) < p.heartbeatEvery) {
		p.mu.Unlock()
		return
	}
	p.lastHeartbeat = now
	hb := p.newMessageLocked(domain.Broadcast, TypeHeartbeat, PriorityLow, nil)
	p.outbox = append(p.outbox, outgoing{msg: hb, due: now})
	p.mu.Unlock()
}

func (p *Protocol) flushOutbox(r Radio, now time.Time) {
	p.mu.Lock()
	var due []outgoing
	kept := p.outbox[:0]
	for _, o := range p.outbox {
		if now.Before(o.due) {
			kept = append(kept, o)
			continue
		}
		due = append(due, o)
	}
	p.outbox = kept
	p.mu.Unlock()

	for _, o := range due {
		frame, err := EncodeFrame(o.msg)
		if err != nil {
			p.logger.Warn("dropping unencodable mesh message", "sequence", o.msg.Sequence, "error", err)
			continue
		}
		txErr := p.transmit(r, frame)
		if txErr != nil {
			p.logger.Warn("mesh transmit failed", "sequence", o.msg.Sequence, "type", o.msg.Type.String(), "error", txErr)
		}
		waitAck := !o.relay && requiresAck(o.msg)
		if txErr != nil && !waitAck {
			continue
		}

		p.mu.Lock()
		switch {
		case txErr != nil:
		case o.relay:
			p.stats.Relayed++
		default:
			p.stats.Sent++
		}
		if waitAck {
			// A failed first attempt is retried like a lost one.
			p.pending[o.msg.Sequence] = &pendingAck{msg: o.msg, frame: frame, nextAt: now.Add(AckTimeout)}
		}
		p.mu.Unlock()

		if !o.relay && !waitAck && o.msg.Type != TypeHeartbeat && o.msg.Type != TypeAck {
			p.markSent(o.msg.Sequence)
		}
	}
}

func (p *Protocol) retryPending(r Radio, now time.Time) {
	type retry struct {
		seq   uint16
		frame []byte
	}
	var resend []retry
	var gaveUp []uint16

	p.mu.Lock()
	for seq, pa := range p.pending {
		if now.Before(pa.nextAt) {
			continue
		}
		if pa.retries >= MaxRetries {
			delete(p.pending, seq)
			p.stats.Dropped++
			gaveUp = append(gaveUp, seq)
			continue
		}
		pa.retries++
		pa.nextAt = now.Add(AckTimeout)
		resend = append(resend, retry{seq: seq, frame: pa.frame})
	}
	p.mu.Unlock()

	for _, seq := range gaveUp {
		p.logger.Warn("message not acknowledged, giving up", "sequence", seq, "retries", MaxRetries)
	}
	for _, rt := range resend {
		p.logger.Debug("retrying unacknowledged message", "sequence", rt.seq)
		if err := p.transmit(r, rt.frame); err != nil {
			p.logger.Warn("mesh retry failed", "sequence", rt.seq, "error", err)
		}
	}
}

func (p *Protocol) transmit(r Radio, frame []byte) error {
	if err := r.Send(frame); err != nil {
		return err
	}
	if p.display != nil {
		p.display.NotifyTx(r.Airtime(len(frame)))
	}

	return nil
}

func (p *Protocol) markSent(seq uint16) {
	if p.storage == nil {
		return
	}
	if err := p.storage.MarkAsSent(seq); err != nil {
		p.logger.Warn("failed to mark message as sent", "sequence", seq, "error", err)
	}
}

func (p *Protocol) expireNeighbours(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	window := time.Duration(neighbourLifetime) * p.heartbeatEvery
	for id, n := range p.neighbours {
		if now.Sub(n.LastSeen) > window {
			delete(p.neighbours, id)
		}
	}
}

func (p *Protocol) HasMessage() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inbox) > 0
}

// ReceiveMessage pops the oldest delivered message.
func (p *Protocol) ReceiveMessage() (Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.inbox) == 0 {
		return Message{}, false
	}
	msg := p.inbox[0]
	p.inbox = p.inbox[1:]

	return msg, true
}

func (p *Protocol) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// ConnectedNodes counts nodes heard directly within the last three
// heartbeat intervals.
func (p *Protocol) ConnectedNodes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.neighbours)
}

func (p *Protocol) Neighbours() []Neighbour {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Neighbour, 0, len(p.neighbours))
	for _, n := range p.neighbours {
		out = append(out, n)
	}

	return out
}

// PendingAcks is the number of sent messages still waiting for an ACK.
func (p *Protocol) PendingAcks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// requiresAck is true for incidents addressed to one node. Broadcasts are
// never acknowledged.
func requiresAck(m Message) bool {
	return m.Type == TypeIncident && m.Destination != domain.Broadcast
}

func expired(m Message, now time.Time) bool {
	if m.Timestamp.IsZero() {
		return false
	}
	ttl := m.TTL
	if ttl <= 0 || ttl > DefaultTTL {
		ttl = DefaultTTL
	}
	age := now.Sub(m.Timestamp)

	return age >= ttl
}
