package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

var (
	ErrPacketTooLarge   = errors.New("packet exceeds radio payload limit")
	ErrEmptyPacket      = errors.New("packet is empty")
	ErrNotStarted       = errors.New("radio not started")
	ErrNoPacket         = errors.New("no packet received")
	ErrCRC              = errors.New("payload crc error")
	ErrInitFailed       = errors.New("radio did not acknowledge configuration")
	ErrRadioUnavailable = errors.New("radio unavailable")
	ErrTxTimeout        = errors.New("transmit timed out")
)

// SignalInfo is the link quality of the last received packet.
type SignalInfo struct {
	RSSI int
	SNR  float32
}

// Driver is one chip or modem implementation. Every method except the
// onPacket callback runs on the caller's goroutine; onPacket is invoked from
// the driver's interrupt goroutine and must stay a single atomic store.
type Driver interface {
	Name() string
	Init(ctx context.Context, p Params, onPacket func()) error
	Transmit(payload []byte) error
	StartReceive() error
	ReadPacket(buf []byte) (int, SignalInfo, error)
	Sleep() error
	Close() error
}

type powerState int

const (
	stateDown powerState = iota
	stateReceive
	stateSleep
)

// Stats counts transport activity since Begin.
type Stats struct {
	Sent      uint32
	Received  uint32
	TxErrors  uint32
	RxErrors  uint32
	LastRSSI  int
	LastSNR   float32
	Listening bool
}

// Transport owns one radio. The packet-ready flag is the only state touched
// outside the owning goroutine; everything else belongs to the main loop.
type Transport struct {
	driver Driver
	params Params
	logger *slog.Logger

	ready atomic.Bool

	state    powerState
	lastSig  SignalInfo
	sent     uint32
	received uint32
	txErrors uint32
	rxErrors uint32
}

func NewTransport(logger *slog.Logger, driver Driver, params Params) *Transport {
	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{
		driver: driver,
		params: params,
		logger: logger.With("driver", driver.Name()),
	}
}

func (t *Transport) Params() Params {
	return t.params
}

// Airtime estimates how long an n-byte packet keeps the channel busy.
func (t *Transport) Airtime(n int) time.Duration {
	return t.params.TimeOnAir(n)
}

// Begin configures the chip and leaves it listening.
func (t *Transport) Begin(ctx context.Context) error {
	if err := t.params.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInitFailed, err)
	}
	t.ready.Store(false)
	if err := t.driver.Init(ctx, t.params, t.markReady); err != nil {
		return fmt.Errorf("init %s: %w", t.driver.Name(), err)
	}
	if err := t.driver.StartReceive(); err != nil {
		return fmt.Errorf("start receive: %w", err)
	}
	t.state = stateReceive
	t.logger.Info("radio started",
		"frequency", t.params.Frequency,
		"bandwidth", t.params.Bandwidth,
		"sf", t.params.SpreadingFactor,
		"cr", fmt.Sprintf("4/%d", t.params.CodingRate),
		"sync_word", fmt.Sprintf("0x%02X", t.params.SyncWord),
		"tx_power", t.params.TxPower,
	)

	return nil
}

// markReady runs in interrupt context.
func (t *Transport) markReady() {
	t.ready.Store(true)
}

// Send transmits synchronously and always returns the radio to receive mode.
func (t *Transport) Send(payload []byte) error {
	if t.state == stateDown {
		return ErrNotStarted
	}
	if len(payload) == 0 {
		return ErrEmptyPacket
	}
	if len(payload) > MaxPacketSize {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(payload))
	}

	txErr := t.driver.Transmit(payload)
	if txErr != nil {
		t.txErrors++
		t.logger.Warn("transmit failed", "len", len(payload), "tx_errors", t.txErrors, "error", txErr)
	} else {
		t.sent++
		t.logger.Debug("transmitted", "len", len(payload))
	}
	if err := t.rearm(); err != nil {
		return errors.Join(txErr, err)
	}
	if txErr != nil {
		return fmt.Errorf("transmit: %w", txErr)
	}

	return nil
}

// Available reports whether a received packet is waiting.
func (t *Transport) Available() bool {
	return t.state == stateReceive && t.ready.Load()
}

// Receive copies the waiting packet into buf. Receive mode is re-armed
// whether or not the read succeeds.
func (t *Transport) Receive(buf []byte) (int, error) {
	if t.state == stateDown {
		return 0, ErrNotStarted
	}
	t.ready.Store(false)

	n, sig, readErr := t.driver.ReadPacket(buf)
	rearmErr := t.rearm()
	switch {
	case readErr == nil:
	case errors.Is(readErr, ErrNoPacket):
		return 0, errors.Join(readErr, rearmErr)
	default:
		t.rxErrors++
		t.logger.Warn("receive failed", "rx_errors", t.rxErrors, "error", readErr)
		return 0, errors.Join(fmt.Errorf("read packet: %w", readErr), rearmErr)
	}

	t.received++
	t.lastSig = sig
	t.logger.Debug("received", "len", n, "rssi", sig.RSSI, "snr", sig.SNR)

	return n, rearmErr
}

func (t *Transport) rearm() error {
	if err := t.driver.StartReceive(); err != nil {
		t.logger.Error("re-arm receive failed", "error", err)
		return fmt.Errorf("start receive: %w", err)
	}
	t.state = stateReceive

	return nil
}

func (t *Transport) Sleep() error {
	if t.state == stateDown {
		return ErrNotStarted
	}
	if err := t.driver.Sleep(); err != nil {
		return fmt.Errorf("sleep: %w", err)
	}
	t.state = stateSleep
	t.ready.Store(false)

	return nil
}

// Wake leaves sleep and re-enters receive mode.
func (t *Transport) Wake() error {
	if t.state == stateDown {
		return ErrNotStarted
	}
	if err := t.driver.StartReceive(); err != nil {
		return fmt.Errorf("wake: %w", err)
	}
	t.state = stateReceive

	return nil
}

func (t *Transport) RSSI() int {
	return t.lastSig.RSSI
}

func (t *Transport) SNR() float32 {
	return t.lastSig.SNR
}

func (t *Transport) TxErrors() uint32 {
	return t.txErrors
}

func (t *Transport) Stats() Stats {
	return Stats{
		Sent:      t.sent,
		Received:  t.received,
		TxErrors:  t.txErrors,
		RxErrors:  t.rxErrors,
		LastRSSI:  t.lastSig.RSSI,
		LastSNR:   t.lastSig.SNR,
		Listening: t.state == stateReceive,
	}
}

func (t *Transport) Close() error {
	t.state = stateDown
	t.ready.Store(false)

	return t.driver.Close()
}
