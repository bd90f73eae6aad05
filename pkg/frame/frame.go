// Package frame maps caller PDUs onto bounded link-layer frames and back.
//
// Outbound, a PDU is cut into plaintext chunks of at most MaxPlaintextSize
// bytes, each sealed into its own frame when a session is keyed. Inbound,
// frames are read until the peer signals end of data with an empty read; each
// frame that opens becomes one PDU for the caller.
package frame

import (
	"context"
	"fmt"
)

// MaxPlaintextSize is the largest plaintext chunk carried by a single frame.
// Both ends must agree on it; it is not negotiated.
const MaxPlaintextSize = 496

// Sealer encrypts one plaintext frame.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
}

// Opener decrypts one frame. An error means the frame did not authenticate.
type Opener interface {
	Open(ciphertext []byte) ([]byte, error)
}

// Reader yields frames; a zero-length frame terminates a transaction.
type Reader interface {
	Read(ctx context.Context) ([]byte, error)
}

// Split cuts pdu into chunks of at most MaxPlaintextSize bytes, preserving order.
// The chunks are copies. An empty pdu produces no chunks.
func Split(pdu []byte) [][]byte {
	chunks := make([][]byte, 0, (len(pdu)+MaxPlaintextSize-1)/MaxPlaintextSize)
	for offset := 0; offset < len(pdu); offset += MaxPlaintextSize {
		end := min(offset+MaxPlaintextSize, len(pdu))

		chunk := make([]byte, end-offset)
		copy(chunk, pdu[offset:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

// Encode splits every PDU and seals each chunk with s. A nil Sealer leaves
// chunks in plaintext.
func Encode(pdus [][]byte, s Sealer) ([][]byte, error) {
	var frames [][]byte
	for i, pdu := range pdus {
		for _, chunk := range Split(pdu) {
			if s == nil {
				frames = append(frames, chunk)
				continue
			}
			sealed, err := s.Seal(chunk)
			if err != nil {
				return nil, fmt.Errorf("seal pdu %d: %w", i, err)
			}
			frames = append(frames, sealed)
		}
	}
	return frames, nil
}

// Drain reads frames from r until a read returns no data.
// A read error aborts the drain; the frames read before it are returned
// alongside the error so a keyed caller can still account for their counters.
func Drain(ctx context.Context, r Reader) ([][]byte, error) {
	var frames [][]byte
	for {
		data, err := r.Read(ctx)
		if err != nil {
			return frames, err
		}
		if len(data) == 0 {
			return frames, nil
		}
		frames = append(frames, data)
	}
}

// Decode opens each frame with o. Frames that fail to open are left out of
// the result and counted in dropped. A nil Opener returns frames unchanged.
func Decode(frames [][]byte, o Opener) (pdus [][]byte, dropped int) {
	if o == nil {
		return frames, 0
	}
	pdus = make([][]byte, 0, len(frames))
	for _, f := range frames {
		pt, err := o.Open(f)
		if err != nil {
			dropped++
			continue
		}
		pdus = append(pdus, pt)
	}
	return pdus, dropped
}
