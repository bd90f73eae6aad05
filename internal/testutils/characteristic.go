package testutils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ScriptedCharacteristic is an in-memory device.Characteristic.
//
// Writes are recorded; reads serve queued reply frames and then an empty
// read, which ends a transaction. Failures can be injected per call, and
// overlapping calls are detected so tests can check serialization.
type ScriptedCharacteristic struct {
	uuid string

	mu        sync.Mutex
	writes    [][]byte
	replies   [][]byte
	writeErrs []error
	readErrs  []error
	calls     []string
	onWrite   func(frame []byte)

	latency  time.Duration
	busy     atomic.Bool
	overlaps atomic.Int32
}

// NewScriptedCharacteristic creates a characteristic with no queued replies.
func NewScriptedCharacteristic(uuid string) *ScriptedCharacteristic {
	return &ScriptedCharacteristic{uuid: uuid}
}

func (c *ScriptedCharacteristic) UUID() string {
	return c.uuid
}

// QueueReplies appends frames returned by subsequent reads.
func (c *ScriptedCharacteristic) QueueReplies(frames ...[]byte) *ScriptedCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, frames...)
	return c
}

// FailWrites makes the next len(errs) writes return errs in order; nil entries succeed.
func (c *ScriptedCharacteristic) FailWrites(errs ...error) *ScriptedCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErrs = append(c.writeErrs, errs...)
	return c
}

// FailReads makes the next len(errs) reads return errs in order; nil entries succeed.
func (c *ScriptedCharacteristic) FailReads(errs ...error) *ScriptedCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErrs = append(c.readErrs, errs...)
	return c
}

// OnWrite registers a hook called with every successfully written frame.
func (c *ScriptedCharacteristic) OnWrite(fn func(frame []byte)) *ScriptedCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWrite = fn
	return c
}

// WithLatency delays every call, widening the window for overlap detection.
func (c *ScriptedCharacteristic) WithLatency(d time.Duration) *ScriptedCharacteristic {
	c.latency = d
	return c
}

func (c *ScriptedCharacteristic) Write(ctx context.Context, data []byte, withResponse bool) error {
	defer c.enter()()

	c.mu.Lock()
	var err error
	if len(c.writeErrs) > 0 {
		err, c.writeErrs = c.writeErrs[0], c.writeErrs[1:]
	}
	c.calls = append(c.calls, fmt.Sprintf("write:%d", len(data)))
	if err != nil {
		c.mu.Unlock()
		return err
	}
	frame := append([]byte(nil), data...)
	c.writes = append(c.writes, frame)
	hook := c.onWrite
	c.mu.Unlock()

	if hook != nil {
		hook(frame)
	}
	return nil
}

func (c *ScriptedCharacteristic) Read(ctx context.Context) ([]byte, error) {
	defer c.enter()()

	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if len(c.readErrs) > 0 {
		err, c.readErrs = c.readErrs[0], c.readErrs[1:]
	}
	if err != nil {
		c.calls = append(c.calls, "read:error")
		return nil, err
	}
	if len(c.replies) == 0 {
		c.calls = append(c.calls, "read:0")
		return []byte{}, nil
	}
	f := c.replies[0]
	c.replies = c.replies[1:]
	c.calls = append(c.calls, fmt.Sprintf("read:%d", len(f)))
	return f, nil
}

func (c *ScriptedCharacteristic) enter() func() {
	if !c.busy.CompareAndSwap(false, true) {
		c.overlaps.Add(1)
		return func() {}
	}
	if c.latency > 0 {
		time.Sleep(c.latency)
	}
	return func() { c.busy.Store(false) }
}

// Writes returns a copy of every successfully written frame.
func (c *ScriptedCharacteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// Calls returns the call log, e.g. "write:496", "read:0".
func (c *ScriptedCharacteristic) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Overlaps returns how many calls started while another was still running.
func (c *ScriptedCharacteristic) Overlaps() int {
	return int(c.overlaps.Load())
}
