package radio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testParams(t *testing.T, network Network) Params {
	t.Helper()
	p, err := ParamsFor(RegionEU868, network, 0)
	if err != nil {
		t.Fatalf("params: %v", err)
	}

	return p
}

func startedPair(t *testing.T) (*Transport, *SimRadio, *Transport, *SimRadio) {
	t.Helper()
	air := NewAir()
	ra := air.Join(SignalInfo{RSSI: -80, SNR: 9.5})
	rb := air.Join(SignalInfo{RSSI: -101, SNR: -3.25})
	ta := NewTransport(testLogger(), ra, testParams(t, NetworkNative))
	tb := NewTransport(testLogger(), rb, testParams(t, NetworkNative))
	if err := ta.Begin(context.Background()); err != nil {
		t.Fatalf("begin a: %v", err)
	}
	if err := tb.Begin(context.Background()); err != nil {
		t.Fatalf("begin b: %v", err)
	}

	return ta, ra, tb, rb
}

func TestTransportSendReceive(t *testing.T) {
	ta, _, tb, rb := startedPair(t)

	if tb.Available() {
		t.Fatalf("nothing sent yet, expected no packet")
	}
	if err := ta.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !tb.Available() {
		t.Fatalf("expected packet ready after send")
	}

	buf := make([]byte, MaxPacketSize)
	n, err := tb.Receive(buf)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("hello")) {
		t.Fatalf("payload mismatch: %q", buf[:n])
	}
	if tb.Available() {
		t.Fatalf("flag must clear after receive")
	}
	if tb.RSSI() != -80 || tb.SNR() != 9.5 {
		t.Fatalf("unexpected link quality: rssi=%d snr=%v", tb.RSSI(), tb.SNR())
	}
	if !rb.Listening() {
		t.Fatalf("receiver must be re-armed after receive")
	}
	if got := ta.Stats().Sent; got != 1 {
		t.Fatalf("expected 1 sent, got %d", got)
	}
}

func TestTransportRejectsOversizeAndEmpty(t *testing.T) {
	ta, ra, _, _ := startedPair(t)

	if err := ta.Send(make([]byte, MaxPacketSize+1)); !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("expected ErrPacketTooLarge, got %v", err)
	}
	if err := ta.Send(nil); !errors.Is(err, ErrEmptyPacket) {
		t.Fatalf("expected ErrEmptyPacket, got %v", err)
	}
	if len(ra.Sent()) != 0 {
		t.Fatalf("rejected packets must not reach the chip")
	}
	if err := ta.Send(make([]byte, MaxPacketSize)); err != nil {
		t.Fatalf("max size packet must be accepted: %v", err)
	}
}

func TestTransportCountsTxErrorsAndRearms(t *testing.T) {
	ta, ra, _, _ := startedPair(t)
	ra.FailTransmit(true)

	if err := ta.Send([]byte{1}); err == nil {
		t.Fatalf("expected transmit error")
	}
	if ta.TxErrors() != 1 {
		t.Fatalf("expected 1 tx error, got %d", ta.TxErrors())
	}
	if !ra.Listening() {
		t.Fatalf("radio must return to receive after failed transmit")
	}
}

func TestTransportReceiveFailureStillRearms(t *testing.T) {
	_, _, tb, rb := startedPair(t)

	// Oversized frame makes the driver read fail.
	rb.Inject(make([]byte, 64), SignalInfo{RSSI: -90})
	if !tb.Available() {
		t.Fatalf("expected ready flag")
	}
	if _, err := tb.Receive(make([]byte, 8)); err == nil {
		t.Fatalf("expected read error for small buffer")
	}
	if !rb.Listening() {
		t.Fatalf("receiver must be re-armed after failed read")
	}
	if tb.Stats().RxErrors != 1 {
		t.Fatalf("expected rx error counted")
	}
}

func TestTransportSleepWake(t *testing.T) {
	ta, _, tb, rb := startedPair(t)

	if err := tb.Sleep(); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if err := ta.Send([]byte("lost")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if tb.Available() {
		t.Fatalf("sleeping radio must not receive")
	}
	if err := tb.Wake(); err != nil {
		t.Fatalf("wake: %v", err)
	}
	if !rb.Listening() {
		t.Fatalf("wake must re-enter receive mode")
	}
	if err := ta.Send([]byte("heard")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !tb.Available() {
		t.Fatalf("awake radio must receive")
	}
}

func TestTransportSyncWordsAreIsolated(t *testing.T) {
	air := NewAir()
	native := NewTransport(testLogger(), air.Join(SignalInfo{}), testParams(t, NetworkNative))
	mesh := NewTransport(testLogger(), air.Join(SignalInfo{}), testParams(t, NetworkMeshtastic))
	for _, tr := range []*Transport{native, mesh} {
		if err := tr.Begin(context.Background()); err != nil {
			t.Fatalf("begin: %v", err)
		}
	}

	if err := native.Send([]byte{1, 2, 3}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if mesh.Available() {
		t.Fatalf("meshtastic sync word must not hear native traffic")
	}
}

func TestTransportNotStarted(t *testing.T) {
	tr := NewTransport(testLogger(), NewAir().Join(SignalInfo{}), testParams(t, NetworkNative))
	if err := tr.Send([]byte{1}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if tr.Available() {
		t.Fatalf("unstarted radio cannot have packets")
	}
}

func TestBeginWithRetry(t *testing.T) {
	r := NewAir().Join(SignalInfo{})
	r.FailInits(2)
	tr := NewTransport(testLogger(), r, testParams(t, NetworkNative))

	if err := BeginWithRetry(context.Background(), testLogger(), tr, 3, time.Millisecond); err != nil {
		t.Fatalf("expected third attempt to succeed: %v", err)
	}
	if r.InitCalls() != 3 {
		t.Fatalf("expected 3 init calls, got %d", r.InitCalls())
	}
}

func TestBeginWithRetryExhausted(t *testing.T) {
	r := NewAir().Join(SignalInfo{})
	r.FailInits(5)
	tr := NewTransport(testLogger(), r, testParams(t, NetworkNative))

	err := BeginWithRetry(context.Background(), testLogger(), tr, 3, time.Millisecond)
	if !errors.Is(err, ErrRadioUnavailable) {
		t.Fatalf("expected ErrRadioUnavailable, got %v", err)
	}
	if r.InitCalls() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", r.InitCalls())
	}
	if tr.Available() {
		t.Fatalf("unavailable radio cannot report packets")
	}
}
