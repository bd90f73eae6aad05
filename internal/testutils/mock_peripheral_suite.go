package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// MockPeripheralSuite is a reusable suite that provides a freshly built
// MockPeripheral for every test.
//
// Default usage gets one service with one scripted characteristic
// (DefaultServiceUUID / DefaultCharUUID):
//
//	type LinkSuite struct {
//	    testutils.MockPeripheralSuite
//	}
//
// Custom profile usage:
//
//	func (s *LinkSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("fe40").
//	        WithScriptedCharacteristic("fe41")
//
//	    s.MockPeripheralSuite.SetupTest() // call parent last to apply configuration
//	}
type MockPeripheralSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	PeripheralBuilder *PeripheralBuilder
	Peripheral        *MockPeripheral
}

func (s *MockPeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 5 * time.Second
}

func (s *MockPeripheralSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralBuilder(s.T()).
			WithService(DefaultServiceUUID).
			WithScriptedCharacteristic(DefaultCharUUID)
	}
	s.Peripheral = s.PeripheralBuilder.Build()
}

func (s *MockPeripheralSuite) TearDownTest() {
	s.PeripheralBuilder = nil
	s.Peripheral = nil
}

// WithPeripheral returns the builder for the next test, creating an empty one if needed.
func (s *MockPeripheralSuite) WithPeripheral() *PeripheralBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralBuilder(s.T())
	}
	return s.PeripheralBuilder
}

// Characteristic returns a scripted characteristic of the current profile.
func (s *MockPeripheralSuite) Characteristic(serviceUUID, charUUID string) *ScriptedCharacteristic {
	return s.PeripheralBuilder.Characteristic(serviceUUID, charUUID)
}

// DefaultCharacteristic returns the characteristic of the default profile.
func (s *MockPeripheralSuite) DefaultCharacteristic() *ScriptedCharacteristic {
	return s.Characteristic(DefaultServiceUUID, DefaultCharUUID)
}
