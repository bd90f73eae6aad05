package testutils

import (
	"context"

	"github.com/srg/seclink/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockPeripheral is a testify mock of device.Peripheral.
// DiscoverCharacteristics accepts either a []device.Service or a
// func(serviceUUIDs, charUUIDs []string) []device.Service as its first return value.
type MockPeripheral struct {
	mock.Mock
}

func (m *MockPeripheral) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockPeripheral) Disconnect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockPeripheral) DiscoverCharacteristics(ctx context.Context, serviceUUIDs, charUUIDs []string) ([]device.Service, error) {
	args := m.Called(ctx, serviceUUIDs, charUUIDs)

	var services []device.Service
	if rf, ok := args.Get(0).(func([]string, []string) []device.Service); ok {
		services = rf(serviceUUIDs, charUUIDs)
	} else if args.Get(0) != nil {
		services = args.Get(0).([]device.Service)
	}
	return services, args.Error(1)
}

// StaticService is a device.Service with a fixed characteristic list.
type StaticService struct {
	ID    string
	Chars []device.Characteristic
}

func (s *StaticService) UUID() string {
	return s.ID
}

func (s *StaticService) Characteristics() []device.Characteristic {
	return s.Chars
}
