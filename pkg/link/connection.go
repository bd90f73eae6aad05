package link

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/seclink/internal/device"
	"github.com/srg/seclink/pkg/frame"
	"github.com/srg/seclink/pkg/sequencer"
	"github.com/srg/seclink/pkg/session"
)

// ErrKeysAlreadySet is returned when session keys are set a second time.
var ErrKeysAlreadySet = errors.New("session keys already set")

// DefaultTraceSize is the number of frame records kept for diagnostics.
const DefaultTraceSize = 64

// Options configures a Connection.
type Options struct {
	Retries    int    // automatic retries per operation
	MaxPending int    // queued operations before Enqueue fails; 0 = unbounded
	TraceSize  uint32 // frame records kept; 0 disables tracing
}

// DefaultOptions retries each failed operation once and never bounds the queue.
func DefaultOptions() *Options {
	return &Options{
		Retries:   1,
		TraceSize: DefaultTraceSize,
	}
}

// Stats is a snapshot of connection counters.
type Stats struct {
	State           State
	Encrypted       bool
	FramesWritten   uint64
	FramesRead      uint64
	FramesDropped   uint64
	Operations      uint64
	Retries         uint64
	Failures        uint64
	OutboundCounter uint64
	InboundCounter  uint64
}

// Connection is the transport bound to one remote peer.
// All methods are safe for concurrent use; link operations run one at a time.
type Connection struct {
	id         string
	peripheral device.Peripheral
	logger     *logrus.Logger
	seq        *sequencer.Sequencer
	trace      *frameTrace

	state  atomic.Int32
	keysMu sync.Mutex
	codec  atomic.Pointer[session.Codec]

	framesWritten atomic.Uint64
	framesRead    atomic.Uint64
	framesDropped atomic.Uint64
}

// NewConnection binds peripheral p, identified by id, in the Disconnected state.
// The connection never takes ownership of p beyond calling its methods.
func NewConnection(id string, p device.Peripheral, opts *Options, logger *logrus.Logger) *Connection {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Connection{
		id:         id,
		peripheral: p,
		logger:     logger,
		seq: sequencer.New(&sequencer.Options{
			Name:       "seq-" + id,
			Retries:    opts.Retries,
			MaxPending: opts.MaxPending,
		}, logger),
		trace: newFrameTrace(opts.TraceSize),
	}
}

// ID returns the peer identifier the connection was created with.
func (c *Connection) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.WithFields(logrus.Fields{
			"peer": c.id,
			"from": prev,
			"to":   s,
		}).Debug("Connection state changed")
	}
}

// SetSessionKeys switches the transport to encrypted mode. Keys can be set once
// per connection; frames already in flight finish under the previous mode.
func (c *Connection) SetSessionKeys(keys session.Keys) error {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()

	if c.codec.Load() != nil {
		return ErrKeysAlreadySet
	}
	codec, err := session.NewCodec(keys)
	if err != nil {
		return err
	}
	c.codec.Store(codec)
	c.logger.WithField("peer", c.id).Info("Session keys installed, transport encrypted")
	return nil
}

// Encrypted reports whether session keys are set.
func (c *Connection) Encrypted() bool {
	return c.codec.Load() != nil
}

// Connect brings the link to Connected. It is a no-op when already connected.
func (c *Connection) Connect(ctx context.Context) error {
	return c.seq.Enqueue(ctx, c.connect)
}

// Disconnect brings the link to Disconnected. It is a no-op when already disconnected.
// If the peripheral fails to disconnect, the state is left unchanged.
func (c *Connection) Disconnect(ctx context.Context) error {
	return c.seq.Enqueue(ctx, c.disconnect)
}

// FindAndWrite connects if needed, resolves the characteristic charID inside
// serviceID and performs a Write transaction on it.
// An empty pdus list turns the transaction into a pure read.
func (c *Connection) FindAndWrite(ctx context.Context, serviceID, charID string, pdus [][]byte) ([][]byte, error) {
	out := frame.NewOutbox(pdus)
	return sequencer.Submit(ctx, c.seq, func(ctx context.Context) ([][]byte, error) {
		return c.findAndWrite(ctx, serviceID, charID, out)
	})
}

// Write sends pdus to char and returns the PDUs the peer answered with.
// Writes acknowledged before a failure are not rolled back; a retry resumes
// at the first unacknowledged frame.
func (c *Connection) Write(ctx context.Context, char device.Characteristic, pdus [][]byte) ([][]byte, error) {
	out := frame.NewOutbox(pdus)
	return sequencer.Submit(ctx, c.seq, func(ctx context.Context) ([][]byte, error) {
		return c.write(ctx, char, out)
	})
}

// Read drains char without writing first.
func (c *Connection) Read(ctx context.Context, char device.Characteristic) ([][]byte, error) {
	return sequencer.Submit(ctx, c.seq, func(ctx context.Context) ([][]byte, error) {
		return c.drain(ctx, char)
	})
}

// Stats returns a snapshot of the connection counters.
func (c *Connection) Stats() Stats {
	seq := c.seq.Stats()
	st := Stats{
		State:         c.State(),
		FramesWritten: c.framesWritten.Load(),
		FramesRead:    c.framesRead.Load(),
		FramesDropped: c.framesDropped.Load(),
		Operations:    seq.Completed,
		Retries:       seq.Retries,
		Failures:      seq.Failures,
	}
	if codec := c.codec.Load(); codec != nil {
		st.Encrypted = true
		st.OutboundCounter, st.InboundCounter = codec.Counters()
	}
	return st
}

// TraceFrames returns and clears the recent frame records, oldest first.
func (c *Connection) TraceFrames() []FrameRecord {
	return c.trace.drain()
}

func (c *Connection) connect(ctx context.Context) error {
	if c.State() == Connected {
		return nil
	}
	if c.State() != Disconnected {
		if err := c.disconnect(ctx); err != nil {
			return err
		}
	}

	c.setState(Connecting)
	c.logger.WithField("peer", c.id).Info("Connecting to peripheral...")
	if err := c.peripheral.Connect(ctx); err != nil {
		c.setState(Disconnected)
		c.logger.WithFields(logrus.Fields{
			"peer":  c.id,
			"error": err,
		}).Error("Failed to connect to peripheral")
		return &device.LinkError{Op: "connect", Err: device.NormalizeError(err)}
	}
	c.setState(Connected)
	c.logger.WithField("peer", c.id).Info("Peripheral connected")
	return nil
}

func (c *Connection) disconnect(ctx context.Context) error {
	if c.State() == Disconnected {
		c.logger.WithField("peer", c.id).Debug("Disconnect called but already disconnected")
		return nil
	}
	if err := c.peripheral.Disconnect(ctx); err != nil {
		c.logger.WithFields(logrus.Fields{
			"peer":  c.id,
			"state": c.State(),
			"error": err,
		}).Warn("Failed to disconnect peripheral, state unchanged")
		return &device.LinkError{Op: "disconnect", Err: device.NormalizeError(err)}
	}
	c.setState(Disconnected)
	c.logger.WithField("peer", c.id).Info("Peripheral disconnected")
	return nil
}

func (c *Connection) findAndWrite(ctx context.Context, serviceID, charID string, out *frame.Outbox) ([][]byte, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	services, err := c.peripheral.DiscoverCharacteristics(ctx, []string{serviceID}, []string{charID})
	if err != nil {
		return nil, c.linkError("discover", "", err)
	}
	if len(services) == 0 {
		return nil, sequencer.Permanent(&device.NotFoundError{Resource: "service", UUIDs: []string{serviceID}})
	}
	chars := services[0].Characteristics()
	if len(chars) == 0 {
		return nil, sequencer.Permanent(&device.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceID, charID}})
	}

	return c.write(ctx, chars[0], out)
}

func (c *Connection) write(ctx context.Context, char device.Characteristic, out *frame.Outbox) ([][]byte, error) {
	tc := c.tracedCodec()

	var sealer frame.Sealer
	if tc != nil {
		sealer = tc
	}
	resumed := out.Sent()
	err := out.Flush(ctx, char, sealer, func(_ int, f []byte) {
		c.framesWritten.Add(1)
		if tc == nil {
			c.trace.add(FrameRecord{Direction: Outbound, Size: len(f)})
		}
	})
	if err != nil {
		if errors.Is(err, session.ErrNonceExhausted) {
			return nil, sequencer.Permanent(err)
		}
		c.logger.WithFields(logrus.Fields{
			"peer":   c.id,
			"char":   char.UUID(),
			"sent":   out.Sent(),
			"frames": out.Len(),
		}).Warn("Frame write failed")
		var we *frame.WriteError
		if errors.As(err, &we) {
			err = we.Err
		}
		return nil, c.linkError("write", char.UUID(), err)
	}

	c.logger.WithFields(logrus.Fields{
		"peer":    c.id,
		"char":    char.UUID(),
		"frames":  out.Len(),
		"resumed": resumed,
	}).Debug("PDUs written")

	return c.drainWith(ctx, char, tc)
}

func (c *Connection) drain(ctx context.Context, char device.Characteristic) ([][]byte, error) {
	return c.drainWith(ctx, char, c.tracedCodec())
}

func (c *Connection) drainWith(ctx context.Context, char device.Characteristic, tc *tracedCodec) ([][]byte, error) {
	frames, err := frame.Drain(ctx, char)
	c.framesRead.Add(uint64(len(frames)))
	if err != nil {
		// Frames received before the failure still hold inbound counters.
		if tc != nil && len(frames) > 0 {
			_, dropped := frame.Decode(frames, tc)
			c.framesDropped.Add(uint64(dropped))
			c.logger.WithFields(logrus.Fields{
				"peer":   c.id,
				"char":   char.UUID(),
				"frames": len(frames),
			}).Warn("Read failed mid-drain, discarding received frames")
		} else {
			for _, f := range frames {
				c.trace.add(FrameRecord{Direction: Inbound, Size: len(f)})
			}
		}
		return nil, c.linkError("read", char.UUID(), err)
	}

	if tc == nil {
		for _, f := range frames {
			c.trace.add(FrameRecord{Direction: Inbound, Size: len(f)})
		}
		return frames, nil
	}

	pdus, dropped := frame.Decode(frames, tc)
	if tc.exhausted {
		return nil, sequencer.Permanent(session.ErrNonceExhausted)
	}
	if dropped > 0 {
		c.framesDropped.Add(uint64(dropped))
		c.logger.WithFields(logrus.Fields{
			"peer":    c.id,
			"char":    char.UUID(),
			"frames":  len(frames),
			"dropped": dropped,
		}).Warn("Dropped frames that failed authentication")
	}
	return pdus, nil
}

// linkError wraps a driver failure. A driver reporting the peer gone moves the
// state machine to Disconnected so the retry reconnects.
func (c *Connection) linkError(op, uuid string, err error) error {
	err = device.NormalizeError(err)
	if errors.Is(err, device.ErrNotConnected) {
		c.setState(Disconnected)
	}
	return &device.LinkError{Op: op, UUID: uuid, Err: err}
}

func (c *Connection) tracedCodec() *tracedCodec {
	codec := c.codec.Load()
	if codec == nil {
		return nil
	}
	return &tracedCodec{codec: codec, trace: c.trace}
}

// tracedCodec records every sealed and opened frame in the trace.
type tracedCodec struct {
	codec     *session.Codec
	trace     *frameTrace
	exhausted bool
}

func (t *tracedCodec) Seal(plaintext []byte) ([]byte, error) {
	counter, _ := t.codec.Counters()
	ct, err := t.codec.Seal(plaintext)
	if err != nil {
		return nil, err
	}
	t.trace.add(FrameRecord{Direction: Outbound, Size: len(ct), Encrypted: true, Counter: counter})
	return ct, nil
}

func (t *tracedCodec) Open(ciphertext []byte) ([]byte, error) {
	_, counter := t.codec.Counters()
	pt, err := t.codec.Open(ciphertext)
	if errors.Is(err, session.ErrNonceExhausted) {
		t.exhausted = true
		return nil, err
	}
	t.trace.add(FrameRecord{Direction: Inbound, Size: len(ciphertext), Encrypted: true, Counter: counter, Dropped: err != nil})
	return pt, err
}
