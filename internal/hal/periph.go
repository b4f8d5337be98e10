package hal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// PinConfig names the SPI device and GPIO lines wired to the radio.
type PinConfig struct {
	SPIDevice string
	SPISpeed  physic.Frequency
	ResetPin  string
	DIO0Pin   string
}

var (
	hostInitOnce sync.Once
	hostInitErr  error
)

// OpenPeriph initialises the host drivers and opens the radio's SPI port and
// control pins.
func OpenPeriph(cfg PinConfig) (*Board, error) {
	hostInitOnce.Do(func() {
		_, hostInitErr = host.Init()
	})
	if hostInitErr != nil {
		return nil, fmt.Errorf("init periph host: %w", hostInitErr)
	}

	port, err := spireg.Open(strings.TrimSpace(cfg.SPIDevice))
	if err != nil {
		return nil, fmt.Errorf("open spi %q: %w", cfg.SPIDevice, err)
	}
	speed := cfg.SPISpeed
	if speed <= 0 {
		speed = physic.MegaHertz
	}
	conn, err := port.Connect(speed, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("connect spi: %w", err)
	}

	reset := gpioreg.ByName(cfg.ResetPin)
	if reset == nil {
		_ = port.Close()
		return nil, fmt.Errorf("reset pin %q not found", cfg.ResetPin)
	}
	dio0 := gpioreg.ByName(cfg.DIO0Pin)
	if dio0 == nil {
		_ = port.Close()
		return nil, fmt.Errorf("dio0 pin %q not found", cfg.DIO0Pin)
	}

	irq := &periphIRQ{pin: dio0}
	return &Board{
		SPI:   spiConn{conn: conn},
		Reset: periphOut{pin: reset},
		DIO0:  irq,
		close: func() error {
			return errors.Join(irq.halt(), port.Close())
		},
	}, nil
}

type spiConn struct {
	conn spi.Conn
}

func (s spiConn) Tx(w, r []byte) error {
	if r == nil {
		r = make([]byte, len(w))
	}

	return s.conn.Tx(w, r)
}

type periphOut struct {
	pin gpio.PinIO
}

func (p periphOut) Set(high bool) error {
	level := gpio.Low
	if high {
		level = gpio.High
	}

	return p.pin.Out(level)
}

type periphIRQ struct {
	pin gpio.PinIO
}

func (p *periphIRQ) Attach(ctx context.Context, handler func()) error {
	if err := p.pin.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return fmt.Errorf("configure interrupt pin %s: %w", p.pin.Name(), err)
	}
	go watchEdges(ctx, p.pin, handler)

	return nil
}

func (p *periphIRQ) halt() error {
	return p.pin.Halt()
}
