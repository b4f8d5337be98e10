package domain

const (
	SNRGood  = float32(-7)
	SNRFair  = float32(-15)
	RSSIGood = -115
	RSSIFair = -126
)

// SignalQuality buckets a received packet's link budget for the display.
type SignalQuality int

const (
	SignalUnknown SignalQuality = iota
	SignalBad
	SignalFair
	SignalGood
)

func (q SignalQuality) String() string {
	switch q {
	case SignalGood:
		return "good"
	case SignalFair:
		return "fair"
	case SignalBad:
		return "bad"
	default:
		return "unknown"
	}
}

// DetermineSignalQuality uses the same thresholds as the Meshtastic Android
// signal indicator so the node and the phone agree on what "good" means.
func DetermineSignalQuality(snr float32, rssi int) SignalQuality {
	if rssi == 0 {
		return SignalUnknown
	}
	if snr >= SNRGood && rssi >= RSSIGood {
		return SignalGood
	}
	if snr >= SNRFair && rssi >= RSSIFair {
		return SignalFair
	}

	return SignalBad
}
