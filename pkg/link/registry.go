package link

import (
	"context"
	"fmt"
	"strings"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/seclink/internal/device"
)

// PeripheralFactory opens the driver handle for a peer address.
type PeripheralFactory func(address string) (device.Peripheral, error)

// Registry holds one Connection per peer address.
// All methods are safe for concurrent use.
type Registry struct {
	conns   *hashmap.Map[string, *Connection]
	factory PeripheralFactory
	opts    *Options
	logger  *logrus.Logger
}

// NewRegistry creates an empty registry. Connections it creates share opts.
func NewRegistry(factory PeripheralFactory, opts *Options, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		conns:   hashmap.New[string, *Connection](),
		factory: factory,
		opts:    opts,
		logger:  logger,
	}
}

// normalizeAddress makes "aa:bb:..." and "AA-BB-..." address the same peer.
func normalizeAddress(address string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(address), "-", ":"))
}

// GetOrCreate returns the connection for address, creating it in the
// Disconnected state on first use.
func (r *Registry) GetOrCreate(address string) (*Connection, error) {
	id := normalizeAddress(address)
	if id == "" {
		return nil, fmt.Errorf("peer address is empty")
	}
	if conn, ok := r.conns.Get(id); ok {
		return conn, nil
	}

	p, err := r.factory(id)
	if err != nil {
		return nil, fmt.Errorf("failed to open peripheral %s: %w", id, err)
	}
	conn, loaded := r.conns.GetOrInsert(id, NewConnection(id, p, r.opts, r.logger))
	if !loaded {
		r.logger.WithField("peer", id).Debug("Registered peer connection")
	}
	return conn, nil
}

// Get returns the connection for address, if registered.
func (r *Registry) Get(address string) (*Connection, bool) {
	return r.conns.Get(normalizeAddress(address))
}

// Remove disconnects the peer and forgets it. Removing an unknown peer is a no-op.
// If the disconnect fails the peer stays registered.
func (r *Registry) Remove(ctx context.Context, address string) error {
	id := normalizeAddress(address)
	conn, ok := r.conns.Get(id)
	if !ok {
		return nil
	}
	if err := conn.Disconnect(ctx); err != nil {
		return err
	}
	r.conns.Del(id)
	r.logger.WithField("peer", id).Debug("Removed peer connection")
	return nil
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	return r.conns.Len()
}

// Range calls fn for every registered peer until fn returns false.
func (r *Registry) Range(fn func(address string, conn *Connection) bool) {
	r.conns.Range(fn)
}
