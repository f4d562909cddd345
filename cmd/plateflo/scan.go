// cmd/plateflo/scan.go
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var scanFlags struct {
	scanner string
	connect bool
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Probe the serial ports once and print what answered",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}

		app, err := NewApplication(cfg, logger, false)
		if err != nil {
			return err
		}
		defer app.deviceService.Shutdown(cmd.Context())

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")

		if scanFlags.connect {
			result, err := app.discoveryService.AutoConnect(cmd.Context())
			if result != nil {
				if encErr := encoder.Encode(result); encErr != nil {
					return encErr
				}
			}
			return err
		}

		result, err := app.discoveryService.ScanDevices(cmd.Context(), scanFlags.scanner)
		if err != nil {
			return err
		}
		if result.Warning != "" {
			fmt.Fprintf(os.Stderr, "warning: %s\n", result.Warning)
		}
		return encoder.Encode(result)
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanFlags.scanner, "scanner", "", "run only this scanner (serial or tcp)")
	scanCmd.Flags().BoolVar(&scanFlags.connect, "connect", false, "register and connect every device found")
}
