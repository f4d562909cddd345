// cmd/plateflo/root.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"plateflo/internal/config"
	"plateflo/internal/protocol/serial"
	"plateflo/internal/simulator"
	"plateflo/internal/utils"
)

// GlobalFlags are shared by every command
type GlobalFlags struct {
	ConfigFile string
	LogLevel   string
}

var globalFlags GlobalFlags

var rootCmd = &cobra.Command{
	Use:   "plateflo",
	Short: "Serial control service for FETbox boards and Reglo pumps",
	Long: `plateflo drives FETbox MOSFET boards and Ismatec Reglo pumps over
serial lines. "serve" runs the HTTP and WebSocket API, "scan" probes the
ports once and "send" exchanges a raw command with a device.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigFile, "config", "c", "", "config file (default: ./config.yaml, ./config/config.yaml, /etc/plateflo/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(sendCmd)
}

// loadRuntime loads the configuration and builds the logger
func loadRuntime() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(globalFlags.ConfigFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if globalFlags.LogLevel != "" {
		cfg.Logging.Level = globalFlags.LogLevel
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

// portOpener serves sim:// ports from a simulated bench in front of the
// real serial ports.
func portOpener() serial.Opener {
	return simulator.NewBench().Opener(serial.DefaultOpener)
}
