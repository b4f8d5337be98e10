package radio

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// MaxPacketSize is the LoRa physical payload limit.
const MaxPacketSize = 255

// Region selects the centre frequency.
type Region string

const (
	RegionEU868 Region = "EU868"
	RegionUS915 Region = "US915"
)

// Network picks the sync word. Native SIMS traffic and Meshtastic-compatible
// traffic never share a channel.
type Network string

const (
	NetworkNative     Network = "native"
	NetworkMeshtastic Network = "meshtastic"
)

const (
	SyncWordNative     byte = 0x12
	SyncWordMeshtastic byte = 0x2B

	DefaultBandwidth       = 125000
	DefaultSpreadingFactor = 7
	DefaultCodingRate      = 5 // 4/5
	DefaultPreamble        = 8
	DefaultTxPower         = 17
)

// Params are the fixed modulation settings applied by Begin.
type Params struct {
	Frequency       uint32
	Bandwidth       uint32
	SpreadingFactor uint8
	CodingRate      uint8
	SyncWord        byte
	TxPower         int8
	Preamble        uint16
}

func ParamsFor(region Region, network Network, txPower int8) (Params, error) {
	p := Params{
		Bandwidth:       DefaultBandwidth,
		SpreadingFactor: DefaultSpreadingFactor,
		CodingRate:      DefaultCodingRate,
		TxPower:         txPower,
		Preamble:        DefaultPreamble,
	}
	if p.TxPower == 0 {
		p.TxPower = DefaultTxPower
	}

	switch Region(strings.ToUpper(string(region))) {
	case RegionEU868:
		p.Frequency = 869525000
	case RegionUS915:
		p.Frequency = 906875000
	default:
		return Params{}, fmt.Errorf("unknown region: %q", region)
	}

	switch network {
	case NetworkNative:
		p.SyncWord = SyncWordNative
	case NetworkMeshtastic:
		p.SyncWord = SyncWordMeshtastic
	default:
		return Params{}, fmt.Errorf("unknown network: %q", network)
	}

	return p, p.Validate()
}

func (p Params) Validate() error {
	if p.Frequency < 137000000 || p.Frequency > 1020000000 {
		return fmt.Errorf("frequency out of range: %d", p.Frequency)
	}
	if _, ok := bandwidthCodes[p.Bandwidth]; !ok {
		return fmt.Errorf("unsupported bandwidth: %d", p.Bandwidth)
	}
	if p.SpreadingFactor < 6 || p.SpreadingFactor > 12 {
		return fmt.Errorf("spreading factor out of range: %d", p.SpreadingFactor)
	}
	if p.CodingRate < 5 || p.CodingRate > 8 {
		return fmt.Errorf("coding rate out of range: 4/%d", p.CodingRate)
	}
	if p.TxPower < 2 || p.TxPower > 20 {
		return fmt.Errorf("tx power out of range: %d dBm", p.TxPower)
	}
	if p.Preamble < 6 {
		return fmt.Errorf("preamble too short: %d", p.Preamble)
	}

	return nil
}

// bandwidth (Hz) -> SX127x RegModemConfig1 code.
var bandwidthCodes = map[uint32]byte{
	7800:   0x0,
	10400:  0x1,
	15600:  0x2,
	20800:  0x3,
	31250:  0x4,
	41700:  0x5,
	62500:  0x6,
	125000: 0x7,
	250000: 0x8,
	500000: 0x9,
}

// TimeOnAir estimates the airtime of an explicit-header, CRC-enabled packet
// of n bytes (Semtech AN1200.13).
func (p Params) TimeOnAir(n int) time.Duration {
	if p.Bandwidth == 0 {
		return 0
	}
	sf := float64(p.SpreadingFactor)
	tSym := math.Pow(2, sf) / float64(p.Bandwidth)
	lowRate := 0.0
	if tSym > 0.016 {
		lowRate = 1
	}

	preamble := (float64(p.Preamble) + 4.25) * tSym
	num := 8*float64(n) - 4*sf + 28 + 16
	den := 4 * (sf - 2*lowRate)
	symbols := 8 + math.Max(math.Ceil(num/den)*float64(p.CodingRate), 0)

	return time.Duration((preamble + symbols*tSym) * float64(time.Second))
}
