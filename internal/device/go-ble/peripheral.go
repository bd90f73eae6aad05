package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/seclink/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// GATTClient is the part of ble.Client the adapter drives.
type GATTClient interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
}

// DialFunc opens a GATT client to address (can be overridden in tests).
var DialFunc = func(ctx context.Context, address string) (GATTClient, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	return ble.Dial(ctx, ble.NewAddr(address))
}

// Options tunes driver timeouts.
type Options struct {
	ConnectTimeout time.Duration `default:"10s"`
	ReadTimeout    time.Duration `default:"5s"`
}

// Peripheral is a device.Peripheral backed by go-ble.
type Peripheral struct {
	address string
	opts    Options
	logger  *logrus.Logger

	mu     sync.RWMutex
	client GATTClient
	// closed once a read abandoned by Characteristic.Read returns
	staleRead chan struct{}
}

var _ device.Peripheral = (*Peripheral)(nil)

// NewPeripheral creates a handle for address. Nothing is dialled until Connect.
func NewPeripheral(address string, opts *Options, logger *logrus.Logger) *Peripheral {
	if logger == nil {
		logger = logrus.New()
	}
	p := &Peripheral{address: address, logger: logger}
	if opts != nil {
		p.opts = *opts
	}
	defaults.SetDefaults(&p.opts)
	return p
}

// Connect dials the peripheral. A client left over from a dropped link is released first.
func (p *Peripheral) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		p.logger.WithField("address", p.address).Debug("Releasing stale BLE client before reconnecting")
		if err := p.client.CancelConnection(); err != nil {
			p.logger.WithField("error", err).Debug("Stale client cancel failed")
		}
		p.client = nil
	}

	connCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()

	p.logger.WithFields(logrus.Fields{
		"address": p.address,
		"timeout": p.opts.ConnectTimeout,
	}).Debug("Dialing BLE device...")

	client, err := DialFunc(connCtx, p.address)
	if err != nil {
		return fmt.Errorf("failed to connect to device with address %q: %w", p.address, NormalizeError(err))
	}
	p.client = client
	return nil
}

// Disconnect cancels the connection. The client is kept when cancelling fails.
func (p *Peripheral) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return nil
	}
	if err := p.client.CancelConnection(); err != nil {
		return NormalizeError(err)
	}
	p.client = nil
	return nil
}

// DiscoverCharacteristics resolves the requested services and, within each,
// the requested characteristics. Empty filters match everything.
func (p *Peripheral) DiscoverCharacteristics(ctx context.Context, serviceUUIDs, charUUIDs []string) ([]device.Service, error) {
	client := p.currentClient()
	if client == nil {
		return nil, device.ErrNotConnected
	}

	svcFilter, err := parseUUIDs(serviceUUIDs)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID: %w", err)
	}
	charFilter, err := parseUUIDs(charUUIDs)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID: %w", err)
	}

	if err := p.waitIdle(ctx); err != nil {
		return nil, err
	}

	bleServices, err := client.DiscoverServices(svcFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", NormalizeError(err))
	}

	var out []device.Service
	for _, bs := range bleServices {
		// Some backends ignore the filter.
		if !matches(svcFilter, bs.UUID) {
			continue
		}
		bleChars, err := client.DiscoverCharacteristics(charFilter, bs)
		if err != nil {
			return nil, fmt.Errorf("failed to discover characteristics of service %s: %w", bs.UUID, NormalizeError(err))
		}

		svc := &service{uuid: device.NormalizeUUID(bs.UUID.String())}
		for _, bc := range bleChars {
			if !matches(charFilter, bc.UUID) {
				continue
			}
			svc.chars = append(svc.chars, &Characteristic{
				uuid:       device.NormalizeUUID(bc.UUID.String()),
				char:       bc,
				peripheral: p,
			})
		}
		out = append(out, svc)
	}

	p.logger.WithFields(logrus.Fields{
		"address":  p.address,
		"services": len(out),
	}).Debug("GATT discovery finished")
	return out, nil
}

func (p *Peripheral) currentClient() GATTClient {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

func (p *Peripheral) setStaleRead(done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.staleRead = done
}

// waitIdle blocks until an abandoned read has returned from the driver, for
// at most one read timeout. go-ble serves one ATT request at a time.
func (p *Peripheral) waitIdle(ctx context.Context) error {
	p.mu.RLock()
	stale := p.staleRead
	p.mu.RUnlock()
	if stale == nil {
		return nil
	}

	p.logger.WithField("address", p.address).Debug("Waiting for abandoned read to return")
	select {
	case <-stale:
	case <-time.After(p.opts.ReadTimeout):
		return ErrReadPending
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	if p.staleRead == stale {
		p.staleRead = nil
	}
	p.mu.Unlock()
	return nil
}

func parseUUIDs(ids []string) ([]ble.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	out := make([]ble.UUID, 0, len(ids))
	for _, id := range ids {
		u, err := ble.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", id, err)
		}
		out = append(out, u)
	}
	return out, nil
}

func matches(filter []ble.UUID, u ble.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	return ble.Contains(filter, u)
}

type service struct {
	uuid  string
	chars []device.Characteristic
}

func (s *service) UUID() string                            { return s.uuid }
func (s *service) Characteristics() []device.Characteristic { return s.chars }
