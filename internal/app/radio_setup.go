package app

import (
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/physic"

	"github.com/skobkin/simsnode/internal/config"
	"github.com/skobkin/simsnode/internal/hal"
	"github.com/skobkin/simsnode/internal/radio"
)

// simLinkQuality is what a lone simulated radio reports for injected packets.
var simLinkQuality = radio.SignalInfo{RSSI: -60, SNR: 7.5}

// radioParams derives the LoRa modem settings. The sync word follows the
// operating mode so native and Meshtastic traffic never mix.
func radioParams(cfg config.AppConfig) (radio.Params, error) {
	network := radio.NetworkMeshtastic
	if cfg.Mode == config.ModeNative {
		network = radio.NetworkNative
	}

	p, err := radio.ParamsFor(radio.Region(cfg.Radio.Region), network, int8(cfg.Radio.TxPower))
	if err != nil {
		return radio.Params{}, err
	}
	if cfg.Radio.Preamble > 0 {
		p.Preamble = uint16(cfg.Radio.Preamble)
	}

	return p, p.Validate()
}

// openRadioDriver builds the configured backend without touching the chip.
// Hardware errors surface later from Begin.
func openRadioDriver(logger *slog.Logger, cfg config.RadioConfig) (radio.Driver, error) {
	switch cfg.Driver {
	case config.RadioDriverSX127x:
		board, err := hal.OpenPeriph(hal.PinConfig{
			SPIDevice: cfg.SPIDevice,
			SPISpeed:  physic.Frequency(cfg.SPISpeedHz) * physic.Hertz,
			ResetPin:  cfg.ResetPin,
			DIO0Pin:   cfg.DIO0Pin,
		})
		if err != nil {
			return nil, fmt.Errorf("open sx127x board: %w", err)
		}
		return radio.NewSX127x(board), nil
	case config.RadioDriverUART:
		return radio.NewUARTModem(logger, cfg.UARTPort, cfg.UARTBaud), nil
	case config.RadioDriverSim:
		return radio.NewAir().Join(simLinkQuality), nil
	default:
		return nil, fmt.Errorf("unknown radio driver %q", cfg.Driver)
	}
}

// radioDevice names the hardware the driver talks to, for the process lock.
// The simulated radio has none.
func radioDevice(cfg config.RadioConfig) string {
	switch cfg.Driver {
	case config.RadioDriverSX127x:
		return cfg.SPIDevice
	case config.RadioDriverUART:
		return cfg.UARTPort
	default:
		return ""
	}
}
