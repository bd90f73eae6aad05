package testutils

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/srg/seclink/internal/device"
	"github.com/stretchr/testify/mock"
)

// Default profile used when a suite does not configure its own peripheral.
const (
	DefaultServiceUUID = "0000fe40-cc7a-482a-984a-7f2ed5b3e58f"
	DefaultCharUUID    = "0000fe41-8e22-4541-9d4c-21edae82ed19"
)

// PeripheralConfig is the JSON form accepted by PeripheralBuilder.FromJSON.
type PeripheralConfig struct {
	Services []ServiceConfig `json:"services"`
}

type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics"`
}

type CharacteristicConfig struct {
	UUID    string   `json:"uuid"`
	Replies []string `json:"replies,omitempty"` // hex encoded frames
}

// PeripheralBuilder assembles a MockPeripheral whose DiscoverCharacteristics
// resolves UUID filters against the configured GATT profile.
//
//	p := testutils.NewPeripheralBuilder(t).
//	    WithService("fe40").
//	    WithCharacteristic("fe41").
//	    Build()
type PeripheralBuilder struct {
	t         *testing.T
	services  []*StaticService
	configure []func(m *MockPeripheral)
}

func NewPeripheralBuilder(t *testing.T) *PeripheralBuilder {
	return &PeripheralBuilder{t: t}
}

// FromJSON appends the services described by a PeripheralConfig document.
// The document is a format string expanded with args.
func (b *PeripheralBuilder) FromJSON(jsonFmt string, args ...interface{}) *PeripheralBuilder {
	var cfg PeripheralConfig
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonFmt, args...)), &cfg); err != nil {
		b.t.Fatalf("invalid peripheral JSON: %v", err)
	}

	for _, svc := range cfg.Services {
		b.WithService(svc.UUID)
		for _, c := range svc.Characteristics {
			char := NewScriptedCharacteristic(c.UUID)
			for _, r := range c.Replies {
				frame, err := hex.DecodeString(r)
				if err != nil {
					b.t.Fatalf("invalid reply %q for characteristic %s: %v", r, c.UUID, err)
				}
				char.QueueReplies(frame)
			}
			b.WithCharacteristic(char)
		}
	}
	return b
}

// WithService starts a new service; following characteristics are added to it.
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.services = append(b.services, &StaticService{ID: uuid})
	return b
}

// WithCharacteristic adds chars to the last service.
func (b *PeripheralBuilder) WithCharacteristic(chars ...device.Characteristic) *PeripheralBuilder {
	if len(b.services) == 0 {
		b.t.Fatal("WithCharacteristic called before WithService")
	}
	svc := b.services[len(b.services)-1]
	svc.Chars = append(svc.Chars, chars...)
	return b
}

// WithScriptedCharacteristic adds a new ScriptedCharacteristic to the last service.
func (b *PeripheralBuilder) WithScriptedCharacteristic(uuid string) *PeripheralBuilder {
	return b.WithCharacteristic(NewScriptedCharacteristic(uuid))
}

// WithMock registers expectations applied before the defaults, so they take
// precedence until exhausted (e.g. .Once()).
func (b *PeripheralBuilder) WithMock(fn func(m *MockPeripheral)) *PeripheralBuilder {
	b.configure = append(b.configure, fn)
	return b
}

// Characteristic returns the scripted characteristic registered under serviceUUID/charUUID.
func (b *PeripheralBuilder) Characteristic(serviceUUID, charUUID string) *ScriptedCharacteristic {
	for _, svc := range b.services {
		if device.NormalizeUUID(svc.ID) != device.NormalizeUUID(serviceUUID) {
			continue
		}
		for _, c := range svc.Chars {
			if device.NormalizeUUID(c.UUID()) == device.NormalizeUUID(charUUID) {
				if sc, ok := c.(*ScriptedCharacteristic); ok {
					return sc
				}
			}
		}
	}
	b.t.Fatalf("characteristic %s/%s is not configured", serviceUUID, charUUID)
	return nil
}

// Build creates the mock. Connect and Disconnect succeed unless overridden with WithMock.
func (b *PeripheralBuilder) Build() *MockPeripheral {
	m := &MockPeripheral{}
	for _, fn := range b.configure {
		fn(m)
	}

	m.On("Connect", mock.Anything).Return(nil).Maybe()
	m.On("Disconnect", mock.Anything).Return(nil).Maybe()
	m.On("DiscoverCharacteristics", mock.Anything, mock.Anything, mock.Anything).
		Return(b.discover, nil).
		Maybe()
	return m
}

func (b *PeripheralBuilder) discover(serviceUUIDs, charUUIDs []string) []device.Service {
	wantSvc := uuidSet(serviceUUIDs)
	wantChar := uuidSet(charUUIDs)

	var out []device.Service
	for _, svc := range b.services {
		if len(wantSvc) > 0 && !wantSvc[device.NormalizeUUID(svc.ID)] {
			continue
		}
		filtered := &StaticService{ID: svc.ID}
		for _, c := range svc.Chars {
			if len(wantChar) == 0 || wantChar[device.NormalizeUUID(c.UUID())] {
				filtered.Chars = append(filtered.Chars, c)
			}
		}
		out = append(out, filtered)
	}
	return out
}

func uuidSet(uuids []string) map[string]bool {
	set := make(map[string]bool, len(uuids))
	for _, u := range device.NormalizeUUIDs(uuids) {
		set[u] = true
	}
	return set
}
