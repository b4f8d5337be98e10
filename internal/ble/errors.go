package ble

import (
	"errors"
	"strings"

	"github.com/godbus/dbus/v5"
)

var ErrUnsupported = errors.New("ble peripheral is not supported on this platform")

func IsDBusErrorName(err error, want string) bool {
	var dbusErrPtr *dbus.Error
	if errors.As(err, &dbusErrPtr) && dbusErrPtr != nil && dbusErrPtr.Name == want {
		return true
	}

	var dbusErr dbus.Error
	return errors.As(err, &dbusErr) && dbusErr.Name == want
}

// IsAlreadyRegisteredError reports BlueZ refusing a second registration of
// the same application or advertisement path, which happens after a restart
// that raced the previous process's cleanup.
func IsAlreadyRegisteredError(err error) bool {
	if err == nil {
		return false
	}
	if IsDBusErrorName(err, "org.bluez.Error.AlreadyExists") {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// IsBenignAdvertisementStopError filters errors from stopping an
// advertisement that BlueZ already dropped.
func IsBenignAdvertisementStopError(err error) bool {
	if err == nil {
		return true
	}
	if IsDBusErrorName(err, "org.bluez.Error.DoesNotExist") || IsDBusErrorName(err, "org.bluez.Error.NotReady") {
		return true
	}
	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "not advertising")
}
