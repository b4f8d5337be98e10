package bridge

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/skobkin/simsnode/internal/domain"
	"github.com/skobkin/simsnode/internal/wire"
)

const (
	testNode   = domain.DeviceID(0x0A0B0C0D)
	remoteNode = uint32(0x11223344)
)

type fakeRadio struct {
	sent [][]byte
	err  error
}

func (r *fakeRadio) Send(p []byte) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, append([]byte(nil), p...))
	return nil
}

func (r *fakeRadio) Airtime(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

type fakeDisplay struct {
	mu       sync.Mutex
	tx       []time.Duration
	activity int
}

func (d *fakeDisplay) NotifyTx(airtime time.Duration) {
	d.mu.Lock()
	d.tx = append(d.tx, airtime)
	d.mu.Unlock()
}

func (d *fakeDisplay) RegisterActivity() {
	d.mu.Lock()
	d.activity++
	d.mu.Unlock()
}

type fakeNotifier struct {
	values []uint32
}

func (n *fakeNotifier) NotifyFromNum(v uint32) {
	n.values = append(n.values, v)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	bridge   *Bridge
	radio    *fakeRadio
	display  *fakeDisplay
	notifier *fakeNotifier
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	chans, err := domain.ChannelTable("", "")
	if err != nil {
		t.Fatalf("channel table: %v", err)
	}
	h := &harness{
		radio:    &fakeRadio{},
		display:  &fakeDisplay{},
		notifier: &fakeNotifier{},
		clock:    &fakeClock{now: time.Unix(1_700_000_000, 0)},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b, err := New(logger, nil, Config{
		NodeNum:   testNode,
		LongName:  "SIMS Node",
		ShortName: "SIMS",
		Channels:  chans,
	}, h.radio, h.display)
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	b.now = h.clock.Now
	b.AddNotifier(h.notifier)
	h.bridge = b

	return h
}

func wantConfig(t *testing.T, nonce uint32) []byte {
	t.Helper()
	buf := make([]byte, 16)
	n := wire.EncodeWantConfig(buf, nonce)
	if n == 0 {
		t.Fatalf("encode want_config failed")
	}
	return buf[:n]
}

func (h *harness) handshake(t *testing.T) {
	t.Helper()
	h.bridge.OnConnect("test")
	h.bridge.HandleToRadio(wantConfig(t, 7))
	buf := make([]byte, QueueSlotSize)
	for i := 0; i < 5; i++ {
		if n := h.bridge.ReadFromRadio(buf); n == 0 {
			t.Fatalf("handshake read %d returned nothing", i)
		}
	}
	if h.bridge.Phase() != PhasePackets {
		t.Fatalf("expected packets phase, got %s", h.bridge.Phase())
	}
}

func meshPacket(t *testing.T, from, id uint32, wantAck bool, payloadLen int) []byte {
	t.Helper()
	buf := make([]byte, 512)
	n := wire.EncodeMeshPacket(buf, wire.MeshPacket{
		From:    from,
		To:      wire.BroadcastAddr,
		ID:      id,
		WantAck: wantAck,
		Portnum: wire.PortText,
		Payload: bytes.Repeat([]byte{'x'}, payloadLen),
	})
	if n == 0 {
		t.Fatalf("encode mesh packet failed")
	}
	return buf[:n]
}

func TestHandshakeOrder(t *testing.T) {
	h := newHarness(t)
	h.bridge.OnConnect("test")
	h.bridge.HandleToRadio(wantConfig(t, 4242))

	want := []wire.FromRadioKind{
		wire.FromRadioMyInfo,
		wire.FromRadioNodeInfo,
		wire.FromRadioChannel,
		wire.FromRadioChannel,
		wire.FromRadioConfigComplete,
	}
	buf := make([]byte, QueueSlotSize)
	for i, kind := range want {
		// Spacing between reads must not matter.
		h.clock.Advance(time.Duration(i*137) * time.Millisecond)
		n := h.bridge.ReadFromRadio(buf)
		if n == 0 {
			t.Fatalf("read %d: empty", i)
		}
		msg, err := wire.DecodeFromRadio(buf[:n])
		if err != nil {
			t.Fatalf("read %d: decode: %v", i, err)
		}
		if msg.Kind != kind {
			t.Fatalf("read %d: got %s want %s", i, msg.Kind, kind)
		}
		switch i {
		case 2, 3:
			ch, err := wire.DecodeChannel(msg.Body)
			if err != nil {
				t.Fatalf("decode channel: %v", err)
			}
			if ch.Index != uint32(i-2) {
				t.Fatalf("expected channel %d, got %d", i-2, ch.Index)
			}
		case 4:
			if msg.Value != 4242 {
				t.Fatalf("config complete must echo nonce, got %d", msg.Value)
			}
		}
	}

	if n := h.bridge.ReadFromRadio(buf); n != 0 {
		t.Fatalf("expected empty read after handshake, got %d bytes", n)
	}
	if h.bridge.Phase() != PhasePackets {
		t.Fatalf("expected packets phase, got %s", h.bridge.Phase())
	}
}

func TestReadBeforeWantConfigIsEmpty(t *testing.T) {
	h := newHarness(t)
	h.bridge.OnConnect("test")

	buf := make([]byte, QueueSlotSize)
	for i := 0; i < 3; i++ {
		if n := h.bridge.ReadFromRadio(buf); n != 0 {
			t.Fatalf("expected empty read, got %d bytes", n)
		}
	}
	if h.bridge.Phase() != PhaseNothing {
		t.Fatalf("state must not advance without want_config, got %s", h.bridge.Phase())
	}
}

func TestEmptyReadNeverAdvances(t *testing.T) {
	h := newHarness(t)
	h.bridge.OnConnect("test")
	h.bridge.HandleToRadio(wantConfig(t, 1))

	if n := h.bridge.ReadFromRadio(make([]byte, 4)); n != 0 {
		t.Fatalf("tiny buffer must yield empty read, got %d", n)
	}
	if h.bridge.Phase() != PhaseMyInfo {
		t.Fatalf("empty read advanced state to %s", h.bridge.Phase())
	}

	buf := make([]byte, QueueSlotSize)
	n := h.bridge.ReadFromRadio(buf)
	msg, err := wire.DecodeFromRadio(buf[:n])
	if err != nil || msg.Kind != wire.FromRadioMyInfo {
		t.Fatalf("expected my_info after retry, got %+v err=%v", msg, err)
	}
}

func TestZeroNonceUsesDefault(t *testing.T) {
	h := newHarness(t)
	h.bridge.OnConnect("test")
	h.bridge.HandleToRadio(wantConfig(t, 0))

	buf := make([]byte, QueueSlotSize)
	var last []byte
	for i := 0; i < 5; i++ {
		n := h.bridge.ReadFromRadio(buf)
		last = append(last[:0], buf[:n]...)
	}
	msg, err := wire.DecodeFromRadio(last)
	if err != nil || msg.Kind != wire.FromRadioConfigComplete || msg.Value != DefaultConfigNonce {
		t.Fatalf("unexpected final handshake message: %+v err=%v", msg, err)
	}
}

func TestWantConfigWakesClient(t *testing.T) {
	h := newHarness(t)
	h.bridge.OnConnect("test")
	h.bridge.HandleToRadio(wantConfig(t, 9))

	if len(h.notifier.values) != 1 || h.notifier.values[0] != 1 {
		t.Fatalf("expected one fromnum notification, got %v", h.notifier.values)
	}
}

func TestEmptyPacketsReadKeepsQueue(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	buf := make([]byte, QueueSlotSize)
	if n := h.bridge.ReadFromRadio(buf); n != 0 {
		t.Fatalf("expected empty read, got %d", n)
	}
	if h.bridge.QueueLen() != 0 {
		t.Fatalf("queue changed on empty read")
	}
	if h.bridge.Phase() != PhasePackets {
		t.Fatalf("empty read left packets phase")
	}
}

func TestOwnPacketIsNeverRelayedOrAcked(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)
	before := h.bridge.FromNum()

	h.bridge.HandleRadioPacket(meshPacket(t, uint32(testNode), 55, true, 10))
	h.clock.Advance(time.Second)
	h.bridge.Poll()

	if h.bridge.QueueLen() != 0 {
		t.Fatalf("own packet was queued for the client")
	}
	if len(h.radio.sent) != 0 {
		t.Fatalf("own packet triggered %d transmissions", len(h.radio.sent))
	}
	if h.bridge.FromNum() != before {
		t.Fatalf("fromnum moved for own packet")
	}
}

func TestWantAckRelaysOnceAndAcksOnce(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	pkt := meshPacket(t, remoteNode, 0xABCD, true, 12)
	h.bridge.HandleRadioPacket(pkt)

	if h.bridge.QueueLen() != 1 {
		t.Fatalf("expected exactly one relay frame, got %d", h.bridge.QueueLen())
	}
	buf := make([]byte, QueueSlotSize)
	n := h.bridge.ReadFromRadio(buf)
	msg, err := wire.DecodeFromRadio(buf[:n])
	if err != nil || msg.Kind != wire.FromRadioPacket {
		t.Fatalf("expected relayed packet, got %+v err=%v", msg, err)
	}
	if !bytes.Equal(msg.Body, pkt) {
		t.Fatalf("relayed packet was modified")
	}

	h.bridge.Poll()
	if len(h.radio.sent) != 0 {
		t.Fatalf("ack sent before delay elapsed")
	}
	h.clock.Advance(AckDelay)
	h.bridge.Poll()
	h.clock.Advance(time.Second)
	h.bridge.Poll()

	if len(h.radio.sent) != 1 {
		t.Fatalf("expected exactly one ack, got %d", len(h.radio.sent))
	}
	ack := h.radio.sent[0]
	hdr, err := wire.ParsePacketHeader(ack)
	if err != nil {
		t.Fatalf("parse ack: %v", err)
	}
	if hdr.To != remoteNode || hdr.From != uint32(testNode) {
		t.Fatalf("unexpected ack addressing: %+v", hdr)
	}
	if reqID, ok := wire.RequestID(ack); !ok || reqID != 0xABCD {
		t.Fatalf("ack must reference original id, got %#x ok=%v", reqID, ok)
	}
	if !wire.IsRoutingAck(ack) {
		t.Fatalf("ack must use routing port")
	}
	if len(h.display.tx) != 1 {
		t.Fatalf("expected display tx notification")
	}
}

func TestWantAckAddressedElsewhereIsAcked(t *testing.T) {
	h := newHarness(t)

	buf := make([]byte, 512)
	n := wire.EncodeMeshPacket(buf, wire.MeshPacket{
		From:    remoteNode,
		To:      0x0badbeef,
		ID:      0x1234,
		WantAck: true,
		Portnum: wire.PortText,
		Payload: []byte("relay me"),
	})
	h.bridge.HandleRadioPacket(buf[:n])
	h.clock.Advance(AckDelay)
	h.bridge.Poll()

	if len(h.radio.sent) != 1 {
		t.Fatalf("expected one ack for a want_ack packet to another node, got %d", len(h.radio.sent))
	}
	if reqID, ok := wire.RequestID(h.radio.sent[0]); !ok || reqID != 0x1234 {
		t.Fatalf("ack must reference original id, got %#x ok=%v", reqID, ok)
	}
}

func TestOversizeRelayDroppedButAcked(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	pkt := meshPacket(t, remoteNode, 1, true, 235)
	if len(pkt) <= MaxRelaySize {
		t.Fatalf("test packet too small: %d", len(pkt))
	}
	h.bridge.HandleRadioPacket(pkt)
	if h.bridge.QueueLen() != 0 {
		t.Fatalf("oversize packet must not be relayed")
	}
	h.clock.Advance(AckDelay)
	h.bridge.Poll()
	if len(h.radio.sent) != 1 {
		t.Fatalf("expected ack even when relay is dropped")
	}
}

func TestRelayQueueOverflowKeepsOldest(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	for i := 0; i < QueueSlots+1; i++ {
		h.bridge.HandleRadioPacket(meshPacket(t, remoteNode, uint32(100+i), false, 4))
	}
	if h.bridge.QueueLen() != QueueSlots {
		t.Fatalf("expected full queue, got %d", h.bridge.QueueLen())
	}

	buf := make([]byte, QueueSlotSize)
	for i := 0; i < QueueSlots; i++ {
		n := h.bridge.ReadFromRadio(buf)
		msg, err := wire.DecodeFromRadio(buf[:n])
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		hdr, err := wire.ParsePacketHeader(msg.Body)
		if err != nil {
			t.Fatalf("parse %d: %v", i, err)
		}
		if hdr.ID != uint32(100+i) {
			t.Fatalf("pop %d: got id %d", i, hdr.ID)
		}
	}
}

func TestNoRelayWithoutCompletedHandshake(t *testing.T) {
	h := newHarness(t)
	h.bridge.HandleRadioPacket(meshPacket(t, remoteNode, 1, false, 4))
	if h.bridge.QueueLen() != 0 {
		t.Fatalf("relay without client")
	}

	h.bridge.OnConnect("test")
	h.bridge.HandleToRadio(wantConfig(t, 3))
	h.bridge.HandleRadioPacket(meshPacket(t, remoteNode, 2, false, 4))
	if h.bridge.QueueLen() != 0 {
		t.Fatalf("relay during handshake")
	}
}

func TestClientPacketForwardedUnmodified(t *testing.T) {
	h := newHarness(t)
	h.bridge.OnConnect("test")

	inner := meshPacket(t, 0, 77, false, 8)
	toRadio := make([]byte, 300)
	n := wire.EncodeToRadioPacket(toRadio, inner)

	h.bridge.HandleToRadio(toRadio[:n])
	h.bridge.Poll()
	if len(h.radio.sent) != 0 {
		t.Fatalf("packet forwarded before handshake completed")
	}

	h.bridge.HandleToRadio(wantConfig(t, 5))
	buf := make([]byte, QueueSlotSize)
	for i := 0; i < 5; i++ {
		h.bridge.ReadFromRadio(buf)
	}
	h.bridge.HandleToRadio(toRadio[:n])
	toRadio[n-1] ^= 0xFF // caller reuses its buffer
	h.bridge.Poll()

	if len(h.radio.sent) != 1 || !bytes.Equal(h.radio.sent[0], inner) {
		t.Fatalf("expected inner packet forwarded verbatim, got %x", h.radio.sent)
	}
}

func TestMalformedToRadioChangesNothing(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)
	fromNum := h.bridge.FromNum()

	h.bridge.HandleToRadio([]byte{0x0A, 0x7F, 0x01})
	if h.bridge.Phase() != PhasePackets {
		t.Fatalf("malformed write changed phase to %s", h.bridge.Phase())
	}
	if h.bridge.FromNum() != fromNum || h.bridge.PendingTx() != 0 {
		t.Fatalf("malformed write mutated state")
	}
}

func TestConnectionCountNeverNegative(t *testing.T) {
	h := newHarness(t)
	h.bridge.OnDisconnect("test")
	if h.bridge.ConnectedCount() != 0 || h.bridge.IsConnected() {
		t.Fatalf("count went negative")
	}

	h.handshake(t)
	h.bridge.HandleRadioPacket(meshPacket(t, remoteNode, 1, false, 4))
	h.bridge.OnDisconnect("test")
	if h.bridge.Phase() != PhaseNothing {
		t.Fatalf("disconnect must reset state")
	}
	if h.bridge.QueueLen() != 0 {
		t.Fatalf("disconnect must clear queue")
	}

	// Mid-handshake disconnect then reconnect restarts cleanly.
	h.bridge.OnConnect("test")
	h.bridge.HandleToRadio(wantConfig(t, 8))
	h.bridge.ReadFromRadio(make([]byte, QueueSlotSize))
	h.bridge.OnDisconnect("test")
	h.bridge.OnConnect("test")
	if h.bridge.Phase() != PhaseNothing {
		t.Fatalf("reconnect must start from nothing")
	}
}

func TestRadioUnavailableDropsPending(t *testing.T) {
	h := newHarness(t)
	h.bridge.radio = nil
	h.handshake(t)

	h.bridge.HandleRadioPacket(meshPacket(t, remoteNode, 1, true, 4))
	h.clock.Advance(AckDelay)
	h.bridge.Poll()
	if h.bridge.PendingTx() != 0 {
		t.Fatalf("pending packets must be dropped when radio is absent")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(nil, nil, Config{NodeNum: 0, LongName: "a", ShortName: "b"}, nil, nil); err == nil {
		t.Fatalf("expected error for zero node number")
	}
	if _, err := New(nil, nil, Config{NodeNum: 1}, nil, nil); err == nil {
		t.Fatalf("expected error for missing names")
	}
}
