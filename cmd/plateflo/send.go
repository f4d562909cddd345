// cmd/plateflo/send.go
package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"plateflo/internal/protocol"
	"plateflo/internal/protocol/serial"
)

var sendFlags struct {
	port       string
	baud       int
	timeout    time.Duration
	eol        string
	length     int
	attempts   int
	disableDTR bool
}

var sendCmd = &cobra.Command{
	Use:   "send COMMAND",
	Short: "Send one raw command and print the reply",
	Long: `send writes COMMAND to a serial port and prints the reply. Escapes such
as \r and \n are interpreted. The reply ends at --eol, or after --len bytes.

  plateflo send --port /dev/ttyUSB0 --baud 115200 --disable-dtr '@#\n'
  plateflo send --port /dev/ttyUSB1 --baud 9600 --len 1 '1H\r'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}

		command, err := strconv.Unquote(`"` + args[0] + `"`)
		if err != nil {
			return fmt.Errorf("invalid command escape: %w", err)
		}
		framing, err := sendFraming()
		if err != nil {
			return err
		}
		req, err := protocol.NewRequest([]byte(command), framing)
		if err != nil {
			return err
		}

		transport, err := protocol.NewSerialTransport(&serial.Config{
			Port:       sendFlags.port,
			BaudRate:   sendFlags.baud,
			DataBits:   cfg.Serial.DataBits,
			StopBits:   cfg.Serial.StopBits,
			Parity:     cfg.Serial.Parity,
			Timeout:    sendFlags.timeout,
			DisableDTR: sendFlags.disableDTR,
		}, logger, protocol.WithOpener(portOpener()))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := transport.Open(ctx); err != nil {
			return err
		}
		defer transport.Close()

		attempt, err := protocol.NewRetrier(transport, sendFlags.attempts).Do(ctx, req, protocol.AcceptAny)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s %q (%s after %d attempt(s))\n",
			attempt.Outcome, attempt.Payload, attempt.Status, attempt.Attempts)
		if attempt.Outcome != protocol.OutcomePass {
			return errors.New("device did not answer")
		}
		return nil
	},
}

func sendFraming() (protocol.Framing, error) {
	if sendFlags.length > 0 {
		return protocol.FixedLength(sendFlags.length), nil
	}
	eol, err := strconv.Unquote(`"` + sendFlags.eol + `"`)
	if err != nil || len(eol) != 1 {
		return protocol.Framing{}, fmt.Errorf("--eol must be a single byte, got %q", sendFlags.eol)
	}
	return protocol.Terminator(eol[0]), nil
}

func init() {
	sendCmd.Flags().StringVarP(&sendFlags.port, "port", "p", "", "serial port, tcp:// bridge or sim:// device")
	sendCmd.Flags().IntVarP(&sendFlags.baud, "baud", "b", 115200, "baud rate")
	sendCmd.Flags().DurationVarP(&sendFlags.timeout, "timeout", "t", 300*time.Millisecond, "reply timeout, restarted by every byte")
	sendCmd.Flags().StringVar(&sendFlags.eol, "eol", `\n`, "reply terminator")
	sendCmd.Flags().IntVar(&sendFlags.length, "len", 0, "fixed reply length; overrides --eol")
	sendCmd.Flags().IntVar(&sendFlags.attempts, "attempts", protocol.DefaultMaxAttempts, "attempts before giving up")
	sendCmd.Flags().BoolVar(&sendFlags.disableDTR, "disable-dtr", false, "hold DTR low so the board does not reset")
	_ = sendCmd.MarkFlagRequired("port")
}
