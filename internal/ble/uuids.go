package ble

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

const (
	serviceUUIDString   = "6ba1b218-15a8-461f-9fa8-5dcae273eafd"
	toRadioUUIDString   = "f75c76d2-129e-4dad-a1dd-7866124401e7"
	fromRadioUUIDString = "2c55e69e-4993-11ed-b878-0242ac120002"
	fromNumUUIDString   = "ed9da18c-a800-4f66-a670-aa7547e34453"
)

var (
	meshtasticServiceUUID   = mustParseUUID(serviceUUIDString)
	meshtasticToRadioUUID   = mustParseUUID(toRadioUUIDString)
	meshtasticFromRadioUUID = mustParseUUID(fromRadioUUIDString)
	meshtasticFromNumUUID   = mustParseUUID(fromNumUUIDString)
)

// mustParseUUID validates the canonical form with google/uuid before handing
// it to the bluetooth stack, so BlueZ and the advertiser see the same string.
func mustParseUUID(raw string) bluetooth.UUID {
	canonical, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid bluetooth UUID %q: %v", raw, err))
	}
	id, err := bluetooth.ParseUUID(canonical.String())
	if err != nil {
		panic(fmt.Sprintf("invalid bluetooth UUID %q: %v", raw, err))
	}

	return id
}

func MeshtasticServiceUUID() bluetooth.UUID {
	return meshtasticServiceUUID
}

func MeshtasticToRadioUUID() bluetooth.UUID {
	return meshtasticToRadioUUID
}

func MeshtasticFromRadioUUID() bluetooth.UUID {
	return meshtasticFromRadioUUID
}

func MeshtasticFromNumUUID() bluetooth.UUID {
	return meshtasticFromNumUUID
}
