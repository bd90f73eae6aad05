// Package devicefactory opens the platform driver handle for a peer address.
package devicefactory

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/seclink/internal/device"
	goble "github.com/srg/seclink/internal/device/go-ble"
)

// NewPeripheral creates a device.Peripheral for address.
// This is a variable so that it can be overridden in tests.
var NewPeripheral = func(address string, opts *goble.Options, logger *logrus.Logger) (device.Peripheral, error) {
	if address == "" {
		return nil, &device.ConnectionError{State: device.NotInitialized, Msg: "empty peer address"}
	}
	return goble.NewPeripheral(address, opts, logger), nil
}
