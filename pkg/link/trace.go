package link

import (
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Direction of a traced frame.
type Direction string

const (
	Outbound Direction = "out"
	Inbound  Direction = "in"
)

// FrameRecord describes one frame that crossed the link.
type FrameRecord struct {
	Time      time.Time
	Direction Direction
	Size      int    // bytes on the wire
	Encrypted bool   // sealed with the session keys
	Counter   uint64 // nonce counter, meaningful only when Encrypted
	Dropped   bool   // inbound frame that failed authentication
}

// frameTrace keeps the most recent frame records, overwriting the oldest.
type frameTrace struct {
	buf mpmc.RichOverlappedRingBuffer[FrameRecord]
}

func newFrameTrace(size uint32) *frameTrace {
	if size == 0 {
		return nil
	}
	return &frameTrace{buf: mpmc.NewOverlappedRingBuffer[FrameRecord](size)}
}

func (t *frameTrace) add(r FrameRecord) {
	if t == nil {
		return
	}
	r.Time = time.Now()
	// Overwriting the oldest record is the point of the ring; nothing to report.
	_, _ = t.buf.EnqueueM(r)
}

func (t *frameTrace) drain() []FrameRecord {
	if t == nil {
		return nil
	}
	var out []FrameRecord
	for !t.buf.IsEmpty() {
		r, err := t.buf.Dequeue()
		if err != nil {
			break
		}
		out = append(out, r)
	}
	return out
}
