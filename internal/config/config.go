package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Mode selects what the radio carries.
type Mode string

// RadioDriver identifies the radio backend.
type RadioDriver string

const (
	ModeMeshtastic Mode = "meshtastic"
	ModeNative     Mode = "native"

	RadioDriverSX127x RadioDriver = "sx127x"
	RadioDriverUART   RadioDriver = "uart"
	RadioDriverSim    RadioDriver = "sim"

	DefaultSerialBaud    = 115200
	DefaultRegion        = "EU868"
	DefaultTxPower       = 17
	DefaultPreamble      = 8
	DefaultSPIDevice     = "/dev/spidev0.0"
	DefaultSPISpeedHz    = 8_000_000
	DefaultResetPin      = "GPIO22"
	DefaultDIO0Pin       = "GPIO4"
	DefaultTCPListen     = ":4403"
	DefaultRetentionDays = 30

	maxLongNameLen  = 39
	maxShortNameLen = 4
)

// NodeConfig names this node for clients.
type NodeConfig struct {
	LongName  string `json:"long_name"`
	ShortName string `json:"short_name"`
}

// RadioConfig selects and wires the LoRa radio.
type RadioConfig struct {
	Driver     RadioDriver `json:"driver"`
	Region     string      `json:"region"`
	TxPower    int         `json:"tx_power"`
	Preamble   int         `json:"preamble"`
	SPIDevice  string      `json:"spi_device"`
	SPISpeedHz int64       `json:"spi_speed_hz"`
	ResetPin   string      `json:"reset_pin"`
	DIO0Pin    string      `json:"dio0_pin"`
	UARTPort   string      `json:"uart_port"`
	UARTBaud   int         `json:"uart_baud"`
}

// BluetoothConfig controls the BLE peripheral.
type BluetoothConfig struct {
	Enabled bool   `json:"enabled"`
	Adapter string `json:"adapter"`
	Name    string `json:"name"`
}

// StreamAPIConfig controls the serial and TCP client API.
type StreamAPIConfig struct {
	SerialPort string `json:"serial_port"`
	SerialBaud int    `json:"serial_baud"`
	TCPListen  string `json:"tcp_listen"`
}

// HTTPAPIConfig controls the local status API. An empty listen address
// keeps it off.
type HTTPAPIConfig struct {
	Listen string `json:"listen"`
}

// ChannelsConfig overrides the secondary channel.
type ChannelsConfig struct {
	SecondaryName string `json:"secondary_name"`
	SecondaryKey  string `json:"secondary_key"`
}

// MeshConfig tunes the native mesh protocol.
type MeshConfig struct {
	HeartbeatSeconds int `json:"heartbeat_seconds"`
}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	Format    string `json:"format"`
	LogToFile bool   `json:"log_to_file"`
}

// StorageConfig controls the message log.
type StorageConfig struct {
	Enabled       bool `json:"enabled"`
	RetentionDays int  `json:"retention_days"`
}

// AppConfig is the root persisted node configuration.
type AppConfig struct {
	Node      NodeConfig      `json:"node"`
	Mode      Mode            `json:"mode"`
	Radio     RadioConfig     `json:"radio"`
	Bluetooth BluetoothConfig `json:"bluetooth"`
	StreamAPI StreamAPIConfig `json:"stream_api"`
	HTTPAPI   HTTPAPIConfig   `json:"http_api"`
	Channels  ChannelsConfig  `json:"channels"`
	Mesh      MeshConfig      `json:"mesh"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
}

func Default() AppConfig {
	return AppConfig{
		Node: NodeConfig{
			LongName:  "SIMS Node",
			ShortName: "SIMS",
		},
		Mode: ModeMeshtastic,
		Radio: RadioConfig{
			Driver:     RadioDriverSX127x,
			Region:     DefaultRegion,
			TxPower:    DefaultTxPower,
			Preamble:   DefaultPreamble,
			SPIDevice:  DefaultSPIDevice,
			SPISpeedHz: DefaultSPISpeedHz,
			ResetPin:   DefaultResetPin,
			DIO0Pin:    DefaultDIO0Pin,
			UARTBaud:   DefaultSerialBaud,
		},
		Bluetooth: BluetoothConfig{
			Enabled: true,
		},
		StreamAPI: StreamAPIConfig{
			SerialBaud: DefaultSerialBaud,
			TCPListen:  DefaultTCPListen,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
		Storage: StorageConfig{
			Enabled:       true,
			RetentionDays: DefaultRetentionDays,
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app runtime and points to user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	def := Default()
	c.Node.LongName = strings.TrimSpace(c.Node.LongName)
	c.Node.ShortName = strings.TrimSpace(c.Node.ShortName)
	if c.Node.LongName == "" {
		c.Node.LongName = def.Node.LongName
	}
	if c.Node.ShortName == "" {
		c.Node.ShortName = def.Node.ShortName
	}
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	if c.Mode == "" {
		c.Mode = def.Mode
	}

	c.Radio.Driver = RadioDriver(strings.ToLower(strings.TrimSpace(string(c.Radio.Driver))))
	if c.Radio.Driver == "" {
		c.Radio.Driver = def.Radio.Driver
	}
	c.Radio.Region = strings.ToUpper(strings.TrimSpace(c.Radio.Region))
	if c.Radio.Region == "" {
		c.Radio.Region = def.Radio.Region
	}
	if c.Radio.TxPower == 0 {
		c.Radio.TxPower = def.Radio.TxPower
	}
	if c.Radio.Preamble <= 0 {
		c.Radio.Preamble = def.Radio.Preamble
	}
	if c.Radio.SPIDevice == "" {
		c.Radio.SPIDevice = def.Radio.SPIDevice
	}
	if c.Radio.SPISpeedHz <= 0 {
		c.Radio.SPISpeedHz = def.Radio.SPISpeedHz
	}
	if c.Radio.ResetPin == "" {
		c.Radio.ResetPin = def.Radio.ResetPin
	}
	if c.Radio.DIO0Pin == "" {
		c.Radio.DIO0Pin = def.Radio.DIO0Pin
	}
	if c.Radio.UARTBaud <= 0 {
		c.Radio.UARTBaud = DefaultSerialBaud
	}

	if c.StreamAPI.SerialBaud <= 0 {
		c.StreamAPI.SerialBaud = DefaultSerialBaud
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage.RetentionDays < 0 {
		c.Storage.RetentionDays = 0
	}
}

func (c AppConfig) Validate() error {
	if c.Node.LongName == "" || utf8.RuneCountInString(c.Node.LongName) > maxLongNameLen {
		return fmt.Errorf("node long name must be 1..%d characters", maxLongNameLen)
	}
	if c.Node.ShortName == "" || utf8.RuneCountInString(c.Node.ShortName) > maxShortNameLen {
		return fmt.Errorf("node short name must be 1..%d characters", maxShortNameLen)
	}

	switch c.Mode {
	case ModeMeshtastic, ModeNative:
	default:
		return fmt.Errorf("unknown mode: %s", c.Mode)
	}

	switch c.Radio.Driver {
	case RadioDriverSX127x:
		if strings.TrimSpace(c.Radio.SPIDevice) == "" {
			return errors.New("radio spi device is required")
		}
		if strings.TrimSpace(c.Radio.ResetPin) == "" || strings.TrimSpace(c.Radio.DIO0Pin) == "" {
			return errors.New("radio reset and dio0 pins are required")
		}
	case RadioDriverUART:
		if strings.TrimSpace(c.Radio.UARTPort) == "" {
			return errors.New("radio uart port is required")
		}
		if c.Radio.UARTBaud <= 0 {
			return errors.New("radio uart baud must be positive")
		}
	case RadioDriverSim:
	default:
		return fmt.Errorf("unknown radio driver: %s", c.Radio.Driver)
	}
	switch c.Radio.Region {
	case "EU868", "US915":
	default:
		return fmt.Errorf("unknown radio region: %s", c.Radio.Region)
	}
	if c.Radio.TxPower < 2 || c.Radio.TxPower > 20 {
		return fmt.Errorf("radio tx power must be 2..20 dBm, got %d", c.Radio.TxPower)
	}
	if c.Radio.Preamble > 0xFFFF {
		return fmt.Errorf("radio preamble too long: %d", c.Radio.Preamble)
	}

	if c.StreamAPI.SerialPort != "" && c.StreamAPI.SerialBaud <= 0 {
		return errors.New("stream api serial baud must be positive")
	}
	if c.StreamAPI.SerialPort != "" && c.Radio.Driver == RadioDriverUART && c.StreamAPI.SerialPort == c.Radio.UARTPort {
		return errors.New("stream api serial port is already used by the radio")
	}

	if err := validateChannels(c.Channels); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format: %s", c.Logging.Format)
	}
	if addr := strings.TrimSpace(c.HTTPAPI.Listen); addr != "" && addr == strings.TrimSpace(c.StreamAPI.TCPListen) {
		return errors.New("http api listen address is already used by the stream api")
	}
	if c.Mesh.HeartbeatSeconds < 0 {
		return errors.New("mesh heartbeat must not be negative")
	}

	return nil
}

func validateChannels(c ChannelsConfig) error {
	if len(c.SecondaryName) > 11 {
		return fmt.Errorf("secondary channel name must be at most 11 bytes")
	}
	if c.SecondaryKey == "" {
		return nil
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.SecondaryKey))
	if err != nil {
		return fmt.Errorf("secondary channel key: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("secondary channel key must be 32 bytes, got %d", len(key))
	}

	return nil
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
