package goble

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/seclink/internal/device"
)

// Characteristic is a device.Characteristic bound to a live go-ble handle.
type Characteristic struct {
	uuid       string
	char       *ble.Characteristic
	peripheral *Peripheral
}

var _ device.Characteristic = (*Characteristic)(nil)

// ErrReadPending is returned when a read abandoned by an earlier timeout has
// still not returned from the driver.
var ErrReadPending = errors.New("previous read still pending")

func (c *Characteristic) UUID() string {
	return c.uuid
}

// Write sends one value. withResponse selects an acknowledged ATT write.
func (c *Characteristic) Write(ctx context.Context, data []byte, withResponse bool) error {
	client := c.peripheral.currentClient()
	if client == nil {
		return fmt.Errorf("characteristic %s: %w", c.uuid, device.ErrNotConnected)
	}
	if err := c.peripheral.waitIdle(ctx); err != nil {
		return fmt.Errorf("characteristic %s: %w", c.uuid, err)
	}
	if err := client.WriteCharacteristic(c.char, data, !withResponse); err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", c.uuid, NormalizeError(err))
	}
	return nil
}

// Read reads the current value, bounded by the peripheral's read timeout and ctx.
func (c *Characteristic) Read(ctx context.Context) ([]byte, error) {
	client := c.peripheral.currentClient()
	if client == nil {
		return nil, fmt.Errorf("characteristic %s: %w", c.uuid, device.ErrNotConnected)
	}

	if err := c.peripheral.waitIdle(ctx); err != nil {
		return nil, fmt.Errorf("characteristic %s: %w", c.uuid, err)
	}

	// go-ble reads are not cancellable
	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		data, err := client.ReadCharacteristic(c.char)
		resultCh <- readResult{data: data, err: err}
	}()

	timeout := c.peripheral.opts.ReadTimeout
	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("failed to read characteristic %s: %w", c.uuid, NormalizeError(r.err))
		}
		return r.data, nil
	case <-time.After(timeout):
		c.peripheral.setStaleRead(done)
		return nil, fmt.Errorf("timeout reading characteristic %s after %v", c.uuid, timeout)
	case <-ctx.Done():
		c.peripheral.setStaleRead(done)
		return nil, ctx.Err()
	}
}
