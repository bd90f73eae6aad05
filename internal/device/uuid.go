package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// bluetoothBaseSuffix is the Bluetooth SIG base UUID tail shared by all 16-bit UUIDs
const bluetoothBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// Strips a 0x prefix if present (e.g., "0x2902" -> "2902").
// For full 128-bit UUIDs in Bluetooth SIG base format (0000xxxx-0000-1000-8000-00805f9b34fb),
// extracts the 16-bit short form (xxxx).
func NormalizeUUID(id string) string {
	s := strings.ToLower(strings.TrimSpace(id))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, bluetoothBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes a slice of UUID strings to internal format.
func NormalizeUUIDs(ids []string) []string {
	result := make([]string, len(ids))
	for i, id := range ids {
		result[i] = NormalizeUUID(id)
	}
	return result
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
func ShortenUUID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Accepted forms are 16-bit, 32-bit and 128-bit UUIDs.
// Returns normalized UUID strings or an error.
func ValidateUUID(ids ...string) ([]string, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(ids))
	for i, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(id)
		if !isWellFormed(normalized) {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, id)
		}
		result = append(result, normalized)
	}
	return result, nil
}

func isWellFormed(normalized string) bool {
	switch len(normalized) {
	case 4, 8:
		_, err := strconv.ParseUint(normalized, 16, 32)
		return err == nil
	case 32:
		_, err := uuid.Parse(normalized)
		return err == nil
	default:
		return false
	}
}
