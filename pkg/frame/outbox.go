package frame

import (
	"context"
	"fmt"
)

// Writer accepts one frame per call.
type Writer interface {
	Write(ctx context.Context, data []byte, withResponse bool) error
}

// Outbox holds the frames of one outbound transaction across attempts.
//
// A chunk is sealed right before its first write attempt, so a frame that
// was never attempted holds no counter. A frame whose write failed keeps its
// sealed bytes and is the first one sent by the next Flush; frames that were
// acknowledged are never sent again.
type Outbox struct {
	chunks [][]byte
	frames [][]byte
	sent   int
}

// NewOutbox splits pdus into chunks ready to be flushed.
func NewOutbox(pdus [][]byte) *Outbox {
	var chunks [][]byte
	for _, pdu := range pdus {
		chunks = append(chunks, Split(pdu)...)
	}
	return &Outbox{chunks: chunks, frames: make([][]byte, len(chunks))}
}

// Len is the number of frames in the transaction.
func (o *Outbox) Len() int {
	return len(o.chunks)
}

// Sent is the number of frames acknowledged so far.
func (o *Outbox) Sent() int {
	return o.sent
}

// Done reports whether every frame was acknowledged.
func (o *Outbox) Done() bool {
	return o.sent == len(o.chunks)
}

// Flush writes the remaining frames in order with response. Each chunk is
// sealed with s on its first attempt; a nil Sealer sends plaintext. onSent,
// when set, is called for every acknowledged frame. Flush stops at the first
// error and may be called again to resume.
func (o *Outbox) Flush(ctx context.Context, w Writer, s Sealer, onSent func(index int, frame []byte)) error {
	for o.sent < len(o.chunks) {
		i := o.sent
		if o.frames[i] == nil {
			if s == nil {
				o.frames[i] = o.chunks[i]
			} else {
				sealed, err := s.Seal(o.chunks[i])
				if err != nil {
					return fmt.Errorf("seal frame %d: %w", i, err)
				}
				o.frames[i] = sealed
			}
		}

		if err := w.Write(ctx, o.frames[i], true); err != nil {
			return &WriteError{Index: i, Err: err}
		}
		o.sent++
		if onSent != nil {
			onSent(i, o.frames[i])
		}
	}
	return nil
}

// WriteError reports the frame whose write failed.
type WriteError struct {
	Index int
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write frame %d: %v", e.Index, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
