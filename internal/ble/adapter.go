package ble

import (
	"runtime"
	"strings"
	"unicode/utf8"

	"tinygo.org/x/bluetooth"
)

func EnableAdapter(adapter *bluetooth.Adapter) error {
	if err := adapter.Enable(); err != nil {
		if isBenignEnableAdapterError(err) {
			return nil
		}
		return err
	}
	return nil
}

func isBenignEnableAdapterError(err error) bool {
	if err == nil || runtime.GOOS != "windows" {
		return false
	}

	// tinygo.org/x/bluetooth on Windows surfaces RoInitialize(S_FALSE=1) as
	// "Incorrect function.", even though this means COM is already initialized.
	msg := strings.TrimSpace(strings.ToLower(err.Error()))

	return msg == "incorrect function" || msg == "incorrect function."
}

// Advertiser announces the Meshtastic service under the node's long name.
type Advertiser struct {
	adv *bluetooth.Advertisement
}

func StartAdvertising(adapter *bluetooth.Adapter, localName string) (*Advertiser, error) {
	adv := adapter.DefaultAdvertisement()
	err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    advertisedName(localName),
		ServiceUUIDs: []bluetooth.UUID{MeshtasticServiceUUID()},
	})
	if err != nil {
		return nil, err
	}
	if err := adv.Start(); err != nil {
		if !IsAlreadyRegisteredError(err) {
			return nil, err
		}
	}

	return &Advertiser{adv: adv}, nil
}

func (a *Advertiser) Stop() error {
	if a == nil || a.adv == nil {
		return nil
	}
	if err := a.adv.Stop(); !IsBenignAdvertisementStopError(err) {
		return err
	}

	return nil
}

// maxAdvertisedName is what fits in a scan response (31 bytes minus the AD
// header). The primary packet is full with flags and the 128-bit service
// UUID, so BlueZ places the name in the scan response.
const maxAdvertisedName = 29

func advertisedName(name string) string {
	name = strings.TrimSpace(name)
	if len(name) <= maxAdvertisedName {
		return name
	}
	name = name[:maxAdvertisedName]
	for !utf8.ValidString(name) {
		name = name[:len(name)-1]
	}

	return name
}
