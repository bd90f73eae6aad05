package session

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of each session key in bytes.
const KeySize = chacha20poly1305.KeySize

// ErrInvalidKey is returned for session keys of the wrong length or encoding.
var ErrInvalidKey = errors.New("invalid session key")

// Keys is the pair of symmetric keys produced by pairing.
// Outbound encrypts frames sent to the peer, Inbound decrypts frames received from it.
type Keys struct {
	Outbound [KeySize]byte
	Inbound  [KeySize]byte
}

// NewKeys copies the two raw keys into a Keys value.
func NewKeys(outbound, inbound []byte) (Keys, error) {
	var k Keys
	if len(outbound) != KeySize {
		return k, fmt.Errorf("%w: outbound key is %d bytes, want %d", ErrInvalidKey, len(outbound), KeySize)
	}
	if len(inbound) != KeySize {
		return k, fmt.Errorf("%w: inbound key is %d bytes, want %d", ErrInvalidKey, len(inbound), KeySize)
	}
	copy(k.Outbound[:], outbound)
	copy(k.Inbound[:], inbound)
	return k, nil
}

// ParseKeys decodes hex-encoded outbound and inbound keys.
// Whitespace and ':' separators are ignored.
func ParseKeys(outboundHex, inboundHex string) (Keys, error) {
	out, err := decodeKeyHex(outboundHex)
	if err != nil {
		return Keys{}, fmt.Errorf("%w: outbound: %v", ErrInvalidKey, err)
	}
	in, err := decodeKeyHex(inboundHex)
	if err != nil {
		return Keys{}, fmt.Errorf("%w: inbound: %v", ErrInvalidKey, err)
	}
	return NewKeys(out, in)
}

func decodeKeyHex(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', ':', '\t', '\n':
			return -1
		}
		return r
	}, s)
	return hex.DecodeString(strings.TrimPrefix(cleaned, "0x"))
}
