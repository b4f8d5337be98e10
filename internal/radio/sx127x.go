package radio

import (
	"context"
	"fmt"
	"time"

	"github.com/skobkin/simsnode/internal/hal"
)

// SX127x registers (LoRa mode).
const (
	regFifo              = 0x00
	regOpMode            = 0x01
	regFrfMsb            = 0x06
	regFrfMid            = 0x07
	regFrfLsb            = 0x08
	regPaConfig          = 0x09
	regOcp               = 0x0B
	regLna               = 0x0C
	regFifoAddrPtr       = 0x0D
	regFifoTxBaseAddr    = 0x0E
	regFifoRxBaseAddr    = 0x0F
	regFifoRxCurrentAddr = 0x10
	regIrqFlags          = 0x12
	regRxNbBytes         = 0x13
	regPktSnrValue       = 0x19
	regPktRssiValue      = 0x1A
	regModemConfig1      = 0x1D
	regModemConfig2      = 0x1E
	regPreambleMsb       = 0x20
	regPreambleLsb       = 0x21
	regPayloadLength     = 0x22
	regModemConfig3      = 0x26
	regSyncWord          = 0x39
	regDioMapping1       = 0x40
	regVersion           = 0x42
	regPaDac             = 0x4D
)

const (
	modeLongRange    = 0x80
	modeSleep        = 0x00
	modeStandby      = 0x01
	modeTx           = 0x03
	modeRxContinuous = 0x05

	irqTxDone          = 0x08
	irqRxDone          = 0x40
	irqPayloadCRCError = 0x20

	dio0RxDone = 0x00
	dio0None   = 0xC0

	chipVersion = 0x12

	freqStep = 32000000.0 / 524288.0

	// rssiOffsetHF applies to the 862-1020 MHz port.
	rssiOffsetHF = -157

	txTimeout  = 2 * time.Second
	txPollStep = time.Millisecond
)

// SX127x drives a Semtech SX1276/77/78/79 over SPI.
type SX127x struct {
	board *hal.Board
	now   func() time.Time
}

func NewSX127x(board *hal.Board) *SX127x {
	return &SX127x{board: board, now: time.Now}
}

func (d *SX127x) Name() string {
	return "sx127x"
}

func (d *SX127x) Init(ctx context.Context, p Params, onPacket func()) error {
	if err := d.reset(); err != nil {
		return err
	}

	version, err := d.read(regVersion)
	if err != nil {
		return err
	}
	if version != chipVersion {
		return fmt.Errorf("%w: unexpected chip version 0x%02X", ErrInitFailed, version)
	}

	// LoRa mode can only be selected while sleeping.
	if err := d.write(regOpMode, modeLongRange|modeSleep); err != nil {
		return err
	}

	frf := uint32(float64(p.Frequency) / freqStep)
	bw := bandwidthCodes[p.Bandwidth]
	config1 := bw<<4 | (p.CodingRate-4)<<1
	config2 := p.SpreadingFactor<<4 | 0x04
	writes := []struct {
		reg, val byte
	}{
		{regFrfMsb, byte(frf >> 16)},
		{regFrfMid, byte(frf >> 8)},
		{regFrfLsb, byte(frf)},
		{regFifoTxBaseAddr, 0x00},
		{regFifoRxBaseAddr, 0x00},
		{regLna, 0x23},
		{regModemConfig1, config1},
		{regModemConfig2, config2},
		{regModemConfig3, 0x04},
		{regPreambleMsb, byte(p.Preamble >> 8)},
		{regPreambleLsb, byte(p.Preamble)},
		{regSyncWord, p.SyncWord},
		{regOcp, 0x2B},
	}
	writes = append(writes, paSettings(p.TxPower)...)
	for _, w := range writes {
		if err := d.write(w.reg, w.val); err != nil {
			return err
		}
	}

	// Read back what the modem latched; a chip that is not listening on SPI
	// returns all zeroes or all ones here.
	for _, check := range []struct {
		reg, want byte
	}{
		{regModemConfig1, config1},
		{regModemConfig2, config2},
		{regSyncWord, p.SyncWord},
	} {
		got, err := d.read(check.reg)
		if err != nil {
			return err
		}
		if got != check.want {
			return fmt.Errorf("%w: register 0x%02X reads 0x%02X, want 0x%02X", ErrInitFailed, check.reg, got, check.want)
		}
	}

	if err := d.write(regOpMode, modeLongRange|modeStandby); err != nil {
		return err
	}
	if d.board.DIO0 != nil {
		if err := d.board.DIO0.Attach(ctx, onPacket); err != nil {
			return fmt.Errorf("attach dio0: %w", err)
		}
	}

	return nil
}

// paSettings returns PA_BOOST register values for power in dBm.
func paSettings(power int8) []struct{ reg, val byte } {
	if power > 17 {
		return []struct{ reg, val byte }{
			{regPaDac, 0x87},
			{regPaConfig, 0x80 | byte(power-5)},
		}
	}

	return []struct{ reg, val byte }{
		{regPaDac, 0x84},
		{regPaConfig, 0x80 | byte(power-2)},
	}
}

func (d *SX127x) Transmit(payload []byte) error {
	if err := d.write(regOpMode, modeLongRange|modeStandby); err != nil {
		return err
	}
	// DIO0 stays quiet during TX so the packet-ready flag only means RxDone.
	if err := d.write(regDioMapping1, dio0None); err != nil {
		return err
	}
	if err := d.write(regFifoAddrPtr, 0x00); err != nil {
		return err
	}
	if err := d.burstWrite(regFifo, payload); err != nil {
		return err
	}
	if err := d.write(regPayloadLength, byte(len(payload))); err != nil {
		return err
	}
	if err := d.write(regOpMode, modeLongRange|modeTx); err != nil {
		return err
	}

	deadline := d.now().Add(txTimeout)
	for {
		flags, err := d.read(regIrqFlags)
		if err != nil {
			return err
		}
		if flags&irqTxDone != 0 {
			return d.write(regIrqFlags, 0xFF)
		}
		if d.now().After(deadline) {
			_ = d.write(regOpMode, modeLongRange|modeStandby)
			return ErrTxTimeout
		}
		d.board.Sleep(txPollStep)
	}
}

func (d *SX127x) StartReceive() error {
	if err := d.write(regDioMapping1, dio0RxDone); err != nil {
		return err
	}
	if err := d.write(regFifoAddrPtr, 0x00); err != nil {
		return err
	}

	return d.write(regOpMode, modeLongRange|modeRxContinuous)
}

func (d *SX127x) ReadPacket(buf []byte) (int, SignalInfo, error) {
	flags, err := d.read(regIrqFlags)
	if err != nil {
		return 0, SignalInfo{}, err
	}
	if err := d.write(regIrqFlags, 0xFF); err != nil {
		return 0, SignalInfo{}, err
	}
	if flags&irqRxDone == 0 {
		return 0, SignalInfo{}, ErrNoPacket
	}
	if flags&irqPayloadCRCError != 0 {
		return 0, SignalInfo{}, ErrCRC
	}

	n, err := d.read(regRxNbBytes)
	if err != nil {
		return 0, SignalInfo{}, err
	}
	if int(n) > len(buf) {
		return 0, SignalInfo{}, fmt.Errorf("receive buffer too small: %d < %d", len(buf), n)
	}
	addr, err := d.read(regFifoRxCurrentAddr)
	if err != nil {
		return 0, SignalInfo{}, err
	}
	if err := d.write(regFifoAddrPtr, addr); err != nil {
		return 0, SignalInfo{}, err
	}
	if err := d.burstRead(regFifo, buf[:n]); err != nil {
		return 0, SignalInfo{}, err
	}

	rawSNR, err := d.read(regPktSnrValue)
	if err != nil {
		return 0, SignalInfo{}, err
	}
	rawRSSI, err := d.read(regPktRssiValue)
	if err != nil {
		return 0, SignalInfo{}, err
	}

	return int(n), SignalInfo{
		RSSI: rssiOffsetHF + int(rawRSSI),
		SNR:  float32(int8(rawSNR)) / 4,
	}, nil
}

func (d *SX127x) Sleep() error {
	return d.write(regOpMode, modeLongRange|modeSleep)
}

func (d *SX127x) Close() error {
	_ = d.Sleep()

	return d.board.Close()
}

func (d *SX127x) reset() error {
	if d.board.Reset == nil {
		return nil
	}
	if err := d.board.Reset.Set(false); err != nil {
		return fmt.Errorf("assert reset: %w", err)
	}
	d.board.Sleep(100 * time.Microsecond)
	if err := d.board.Reset.Set(true); err != nil {
		return fmt.Errorf("release reset: %w", err)
	}
	d.board.Sleep(5 * time.Millisecond)

	return nil
}

func (d *SX127x) read(reg byte) (byte, error) {
	w := []byte{reg & 0x7F, 0x00}
	r := make([]byte, 2)
	if err := d.board.SPI.Tx(w, r); err != nil {
		return 0, fmt.Errorf("spi read 0x%02X: %w", reg, err)
	}

	return r[1], nil
}

func (d *SX127x) write(reg, val byte) error {
	if err := d.board.SPI.Tx([]byte{reg | 0x80, val}, nil); err != nil {
		return fmt.Errorf("spi write 0x%02X: %w", reg, err)
	}

	return nil
}

func (d *SX127x) burstWrite(reg byte, data []byte) error {
	w := make([]byte, 1+len(data))
	w[0] = reg | 0x80
	copy(w[1:], data)
	if err := d.board.SPI.Tx(w, nil); err != nil {
		return fmt.Errorf("spi burst write 0x%02X: %w", reg, err)
	}

	return nil
}

func (d *SX127x) burstRead(reg byte, dst []byte) error {
	w := make([]byte, 1+len(dst))
	w[0] = reg & 0x7F
	r := make([]byte, len(w))
	if err := d.board.SPI.Tx(w, r); err != nil {
		return fmt.Errorf("spi burst read 0x%02X: %w", reg, err)
	}
	copy(dst, r[1:])

	return nil
}
