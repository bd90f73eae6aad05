package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// LinkError reports a failed call into the link driver.
type LinkError struct {
	Op   string // "connect", "disconnect", "write", "read", "discover"
	UUID string // characteristic UUID for write/read, empty otherwise
	Err  error
}

func (e *LinkError) Error() string {
	if e.UUID != "" {
		return fmt.Sprintf("link %s %s: %v", e.Op, e.UUID, e.Err)
	}
	return fmt.Sprintf("link %s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// IsLinkError reports whether err is a LinkError raised by the given operation.
// An empty op matches any operation.
func IsLinkError(err error, op string) bool {
	var lerr *LinkError
	if errors.As(err, &lerr) {
		return op == "" || lerr.Op == op
	}
	return false
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff}
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// NormalizeError maps known driver error strings to structured ConnectionError types.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	default:
		return err
	}
}

// Peripheral is the remote BLE device the transport is bound to.
// Implementations are owned by the caller; the transport never closes them
// beyond calling Disconnect.
type Peripheral interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// DiscoverCharacteristics resolves the given services and, within them,
	// the given characteristics. Empty results are not errors.
	DiscoverCharacteristics(ctx context.Context, serviceUUIDs, charUUIDs []string) ([]Service, error)
}

// Service represents a discovered GATT service
type Service interface {
	UUID() string
	Characteristics() []Characteristic
}

// CharacteristicReader provides read operations.
// A zero-length result signals end of data for the current transaction.
type CharacteristicReader interface {
	Read(ctx context.Context) ([]byte, error)
}

// CharacteristicWriter provides write operations
type CharacteristicWriter interface {
	Write(ctx context.Context, data []byte, withResponse bool) error
}

// Characteristic combines identity + operations
type Characteristic interface {
	UUID() string
	CharacteristicReader
	CharacteristicWriter
}
