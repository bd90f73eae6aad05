package main

import (
	"errors"
	"fmt"

	"github.com/srg/seclink/internal/device"
	"github.com/srg/seclink/pkg/sequencer"
	"github.com/srg/seclink/pkg/session"
)

// FormatUserError turns transport errors into messages for the terminal.
func FormatUserError(err error) string {
	var nf *device.NotFoundError
	var le *device.LinkError

	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off. Enable it and try again."
	case errors.As(err, &nf):
		return fmt.Sprintf("%s. Check the service and characteristic UUIDs.", nf.Error())
	case errors.Is(err, session.ErrInvalidKey):
		return fmt.Sprintf("%v. Session keys are 32 bytes, hex encoded.", err)
	case errors.Is(err, session.ErrNonceExhausted):
		return "The session has used all its nonces. Establish new session keys."
	case errors.Is(err, sequencer.ErrQueueFull):
		return "Too many operations are queued for this peer."
	case device.IsConnectionState(err, device.NotConnected):
		return "The peer dropped the connection. Check that it is in range and try again."
	case device.IsLinkError(err, "connect"):
		errors.As(err, &le)
		return fmt.Sprintf("Could not connect to the peer: %v", le.Err)
	case errors.As(err, &le):
		return fmt.Sprintf("%s failed: %v", le.Op, le.Err)
	default:
		return err.Error()
	}
}
