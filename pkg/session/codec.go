// Package session implements the per-frame AEAD used once a session is keyed.
//
// Every frame is sealed with ChaCha20-Poly1305 (IETF, 12-byte nonce), no
// associated data. The nonce is never transmitted: both sides derive it from a
// per-direction frame counter.
package session

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the AEAD nonce length.
	NonceSize = chacha20poly1305.NonceSize

	// TagSize is the authentication tag appended to every sealed frame.
	TagSize = chacha20poly1305.Overhead

	// counterOffset is where the little-endian counter starts inside the nonce.
	counterOffset = 4

	// counterLimit is the number of distinct counter values per direction.
	counterLimit = uint64(1) << 32
)

var (
	// ErrAuthentication is returned by Open when a frame fails verification.
	ErrAuthentication = errors.New("frame authentication failed")

	// ErrNonceExhausted is returned once a direction has used every counter value.
	// The session must be re-keyed; counters are never wrapped.
	ErrNonceExhausted = errors.New("nonce counter exhausted")
)

// Nonce returns the 12-byte nonce for counter: four zero bytes followed by
// the counter in little-endian order.
func Nonce(counter uint32) [NonceSize]byte {
	var n [NonceSize]byte
	binary.LittleEndian.PutUint32(n[counterOffset:], counter)
	return n
}

// Codec seals outbound and opens inbound frames, tracking one counter per
// direction. Safe for concurrent use.
type Codec struct {
	mu         sync.Mutex
	outbound   cipher.AEAD
	inbound    cipher.AEAD
	outCounter uint64
	inCounter  uint64
}

// NewCodec creates a codec with both counters at zero.
func NewCodec(keys Keys) (*Codec, error) {
	out, err := chacha20poly1305.New(keys.Outbound[:])
	if err != nil {
		return nil, fmt.Errorf("outbound cipher: %w", err)
	}
	in, err := chacha20poly1305.New(keys.Inbound[:])
	if err != nil {
		return nil, fmt.Errorf("inbound cipher: %w", err)
	}
	return &Codec{outbound: out, inbound: in}, nil
}

// Seal encrypts one plaintext frame with the next outbound counter.
// The result is len(plaintext)+TagSize bytes.
func (c *Codec) Seal(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outCounter >= counterLimit {
		return nil, fmt.Errorf("outbound: %w", ErrNonceExhausted)
	}
	nonce := Nonce(uint32(c.outCounter))
	c.outCounter++

	return c.outbound.Seal(make([]byte, 0, len(plaintext)+TagSize), nonce[:], plaintext, nil), nil
}

// Open decrypts one inbound frame with the next inbound counter.
// The counter advances whether or not the frame authenticates.
func (c *Codec) Open(ciphertext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inCounter >= counterLimit {
		return nil, fmt.Errorf("inbound: %w", ErrNonceExhausted)
	}
	counter := uint32(c.inCounter)
	nonce := Nonce(counter)
	c.inCounter++

	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: frame %d is %d bytes", ErrAuthentication, counter, len(ciphertext))
	}
	plaintext, err := c.inbound.Open(make([]byte, 0, len(ciphertext)-TagSize), nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d", ErrAuthentication, counter)
	}
	return plaintext, nil
}

// Counters returns the next outbound and inbound counter values.
func (c *Codec) Counters() (outbound, inbound uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outCounter, c.inCounter
}
