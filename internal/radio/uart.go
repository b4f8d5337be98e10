package radio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
)

// The UART modem speaks a tiny framed protocol: a three-letter tag, a length
// byte and the body. The host sends CFG, PKT, RXC and SLP; the modem answers
// every command with ACK and pushes received packets as PKT frames followed
// by RSSI (int8 dBm) and SNR (int8, quarter dB).
var (
	tagConfig  = [3]byte{'C', 'F', 'G'}
	tagPacket  = [3]byte{'P', 'K', 'T'}
	tagReceive = [3]byte{'R', 'X', 'C'}
	tagSleep   = [3]byte{'S', 'L', 'P'}
	tagAck     = [3]byte{'A', 'C', 'K'}
)

const (
	uartAckTimeout  = 2 * time.Second
	uartInboxSize   = 8
	uartConfigLen   = 12
	uartAckStatusOK = 0x00
)

type uartFrame struct {
	tag  [3]byte
	body []byte
}

type uartPacket struct {
	data []byte
	sig  SignalInfo
}

// UARTModem drives a LoRa modem attached over a serial port.
type UARTModem struct {
	portName string
	baudRate int
	logger   *slog.Logger
	open     func(name string, baud int) (io.ReadWriteCloser, error)

	port    io.ReadWriteCloser
	writeMu sync.Mutex
	acks    chan byte
	inbox   chan uartPacket
	done    chan struct{}
}

func NewUARTModem(logger *slog.Logger, portName string, baudRate int) *UARTModem {
	if logger == nil {
		logger = slog.Default()
	}

	return &UARTModem{
		portName: portName,
		baudRate: baudRate,
		logger:   logger.With("port", portName),
		open:     openSerialPort,
	}
}

func openSerialPort(name string, baud int) (io.ReadWriteCloser, error) {
	port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", name, err)
	}

	return port, nil
}

func (m *UARTModem) Name() string {
	return "uart"
}

func (m *UARTModem) Init(ctx context.Context, p Params, onPacket func()) error {
	if m.port != nil {
		_ = m.Close()
	}
	port, err := m.open(m.portName, m.baudRate)
	if err != nil {
		return err
	}
	m.port = port
	m.acks = make(chan byte, 1)
	m.inbox = make(chan uartPacket, uartInboxSize)
	m.done = make(chan struct{})

	go m.readLoop(ctx, port, onPacket)

	cfg := make([]byte, uartConfigLen)
	binary.LittleEndian.PutUint32(cfg[0:4], p.Frequency)
	binary.LittleEndian.PutUint32(cfg[4:8], p.Bandwidth)
	cfg[8] = p.SpreadingFactor
	cfg[9] = p.CodingRate
	cfg[10] = p.SyncWord
	cfg[11] = byte(p.TxPower)
	if err := m.command(tagConfig, cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInitFailed, err)
	}

	return nil
}

func (m *UARTModem) Transmit(payload []byte) error {
	return m.command(tagPacket, payload)
}

func (m *UARTModem) StartReceive() error {
	return m.command(tagReceive, nil)
}

func (m *UARTModem) ReadPacket(buf []byte) (int, SignalInfo, error) {
	select {
	case pkt := <-m.inbox:
		if len(pkt.data) > len(buf) {
			return 0, SignalInfo{}, fmt.Errorf("receive buffer too small: %d < %d", len(buf), len(pkt.data))
		}
		return copy(buf, pkt.data), pkt.sig, nil
	default:
		return 0, SignalInfo{}, ErrNoPacket
	}
}

func (m *UARTModem) Sleep() error {
	return m.command(tagSleep, nil)
}

func (m *UARTModem) Close() error {
	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	<-m.done
	m.port = nil

	return err
}

func (m *UARTModem) command(tag [3]byte, body []byte) error {
	if m.port == nil {
		return ErrNotStarted
	}
	if len(body) > MaxPacketSize {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(body))
	}

	frame := make([]byte, 0, 4+len(body))
	frame = append(frame, tag[:]...)
	frame = append(frame, byte(len(body)))
	frame = append(frame, body...)

	m.writeMu.Lock()
	_, err := m.port.Write(frame)
	m.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s: %w", tag[:], err)
	}

	select {
	case status := <-m.acks:
		if status != uartAckStatusOK {
			return fmt.Errorf("modem rejected %s: status 0x%02X", tag[:], status)
		}
		return nil
	case <-m.done:
		return fmt.Errorf("modem closed while waiting for %s ack", tag[:])
	case <-time.After(uartAckTimeout):
		return fmt.Errorf("%s ack: %w", tag[:], ErrTxTimeout)
	}
}

// readLoop is the modem's interrupt context: it only hands packets to the
// inbox and raises the ready flag.
func (m *UARTModem) readLoop(ctx context.Context, r io.Reader, onPacket func()) {
	defer close(m.done)
	for ctx.Err() == nil {
		f, err := readUARTFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				m.logger.Debug("modem read stopped", "error", err)
			}
			return
		}

		switch f.tag {
		case tagAck:
			status := byte(uartAckStatusOK)
			if len(f.body) > 0 {
				status = f.body[0]
			}
			select {
			case m.acks <- status:
			default:
				m.logger.Warn("unexpected modem ack", "status", status)
			}
		case tagPacket:
			if len(f.body) < 3 {
				m.logger.Warn("short modem packet frame", "len", len(f.body))
				continue
			}
			n := len(f.body) - 2
			pkt := uartPacket{
				data: append([]byte(nil), f.body[:n]...),
				sig: SignalInfo{
					RSSI: int(int8(f.body[n])),
					SNR:  float32(int8(f.body[n+1])) / 4,
				},
			}
			select {
			case m.inbox <- pkt:
				onPacket()
			default:
				m.logger.Warn("modem inbox full, dropping packet", "len", n)
			}
		default:
			m.logger.Debug("ignoring modem frame", "tag", string(f.tag[:]))
		}
	}
}

// readUARTFrame resynchronises on a known tag the same way the stream API
// resyncs on its magic header.
func readUARTFrame(r io.Reader) (uartFrame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return uartFrame{}, err
	}
	for !knownUARTTag([3]byte{hdr[0], hdr[1], hdr[2]}) {
		copy(hdr[:3], hdr[1:])
		if _, err := io.ReadFull(r, hdr[3:]); err != nil {
			return uartFrame{}, err
		}
	}

	f := uartFrame{tag: [3]byte{hdr[0], hdr[1], hdr[2]}}
	if n := int(hdr[3]); n > 0 {
		f.body = make([]byte, n)
		if _, err := io.ReadFull(r, f.body); err != nil {
			return uartFrame{}, fmt.Errorf("read %s body: %w", f.tag[:], err)
		}
	}

	return f, nil
}

func knownUARTTag(tag [3]byte) bool {
	return tag == tagAck || tag == tagPacket
}
