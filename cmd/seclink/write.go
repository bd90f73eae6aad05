package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <service-uuid> <char-uuid> <data>...",
	Short: "Send PDUs to a characteristic and print the reply",
	Long: `Sends each data argument as one PDU, then drains the characteristic and
prints every reply PDU.

Examples:
  # Plaintext PDU
  seclink write AA:BB:CC:DD:EE:FF fe40 fe41 "hello"

  # Two hex PDUs over an encrypted session
  seclink write AA:BB:CC:DD:EE:FF fe40 fe41 0102 0a0b --hex \
      --out-key <64 hex chars> --in-key <64 hex chars>

  # JSON output with the frame trace
  seclink write AA:BB:CC:DD:EE:FF fe40 fe41 "ping" --json --trace`,
	Args: cobra.MinimumNArgs(4),
	RunE: runWrite,
}

var (
	writeHex     bool
	writeJSON    bool
	writeTrace   bool
	writeSession sessionFlags
)

func init() {
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse data as hex strings (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().BoolVar(&writeJSON, "json", false, "Print the reply as JSON")
	writeCmd.Flags().BoolVar(&writeTrace, "trace", false, "Print the frames that crossed the link")
	writeSession.register(writeCmd)
}

func runWrite(cmd *cobra.Command, args []string) error {
	pdus := make([][]byte, 0, len(args)-3)
	for i, arg := range args[3:] {
		data, err := parseWriteData(arg)
		if err != nil {
			return fmt.Errorf("failed to parse PDU %d: %w", i+1, err)
		}
		pdus = append(pdus, data)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	tx := &transaction{
		address:   args[0],
		serviceID: args[1],
		charID:    args[2],
		pdus:      pdus,
		session:   &writeSession,
	}
	res, err := tx.run(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	return newPrinter(cmd.OutOrStdout(), writeJSON || cfg.OutputFormat == "json", writeTrace).print(res)
}

// parseWriteData converts input string to bytes based on format flags
func parseWriteData(dataStr string) ([]byte, error) {
	if !writeHex {
		return []byte(dataStr), nil
	}

	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(dataStr)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}
