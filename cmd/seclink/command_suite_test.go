package main

import (
	"bytes"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/seclink/internal/device"
	goble "github.com/srg/seclink/internal/device/go-ble"
	"github.com/srg/seclink/internal/devicefactory"
	"github.com/srg/seclink/internal/testutils"
)

// Test device address for consistent mock device identification
const TestDeviceAddress = "00:00:00:00:00:01"

// CommandTestSuite extends MockPeripheralSuite with command testing utilities.
// All cmd/seclink test suites should embed this instead of MockPeripheralSuite.
type CommandTestSuite struct {
	testutils.MockPeripheralSuite

	originalNewPeripheral func(string, *goble.Options, *logrus.Logger) (device.Peripheral, error)
	openedAddresses       []string
}

func (s *CommandTestSuite) SetupTest() {
	s.MockPeripheralSuite.SetupTest()

	s.openedAddresses = nil
	s.originalNewPeripheral = devicefactory.NewPeripheral
	devicefactory.NewPeripheral = func(address string, _ *goble.Options, _ *logrus.Logger) (device.Peripheral, error) {
		s.openedAddresses = append(s.openedAddresses, address)
		return s.Peripheral, nil
	}

	resetFlags()
}

func (s *CommandTestSuite) TearDownTest() {
	devicefactory.NewPeripheral = s.originalNewPeripheral
	s.MockPeripheralSuite.TearDownTest()
}

// resetFlags restores every command flag to its default for test isolation.
func resetFlags() {
	writeHex, writeJSON, writeTrace = false, false, false
	writeSession = sessionFlags{}
	readJSON, readTrace = false, false
	readSession = sessionFlags{}

	for _, name := range []string{"log-level", "config"} {
		_ = rootCmd.PersistentFlags().Set(name, "")
	}
	_ = rootCmd.PersistentFlags().Set("verbose", "false")
}

// ExecuteCommand runs a cobra command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
