package main

import (
	"github.com/spf13/cobra"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <service-uuid> <char-uuid>",
	Short: "Drain pending PDUs from a characteristic",
	Long: `Connects, resolves the characteristic and reads frames until the
peripheral returns an empty read. Nothing is written.

Examples:
  seclink read AA:BB:CC:DD:EE:FF fe40 fe41
  seclink read AA:BB:CC:DD:EE:FF fe40 fe41 --json`,
	Args: cobra.ExactArgs(3),
	RunE: runRead,
}

var (
	readJSON    bool
	readTrace   bool
	readSession sessionFlags
)

func init() {
	readCmd.Flags().BoolVar(&readJSON, "json", false, "Print the PDUs as JSON")
	readCmd.Flags().BoolVar(&readTrace, "trace", false, "Print the frames that crossed the link")
	readSession.register(readCmd)
}

func runRead(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	tx := &transaction{
		address:   args[0],
		serviceID: args[1],
		charID:    args[2],
		session:   &readSession,
	}
	res, err := tx.run(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	return newPrinter(cmd.OutOrStdout(), readJSON || cfg.OutputFormat == "json", readTrace).print(res)
}
