// internal/driver/fetbox/command.go
package fetbox

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"plateflo/internal/protocol"
)

// FETbox firmware commands. Every command and reply ends in '\n'.
const (
	cmdGetID     = "@#\n"
	cmdHeartbeat = "@?\n"
	cmdEnable    = "@H%d\n"
	cmdDisable   = "@I%d\n"
	cmdPWM       = "@S%d%03d\n"
	cmdHitHold   = "@V%d%03d\n"
	cmdDigRead   = "@D%02d\n"
	cmdDigWrite  = "@E%02d%d\n"
	cmdAnaRead   = "@A%02d\n"
	cmdAnaWrite  = "@B%02d%03d\n"

	// ackToken marks a successful command in the reply.
	ackToken = "*"
	// idPrefix starts the reply to the ID query.
	idPrefix = "fetbox"
)

const (
	// Channels is the number of MOSFET outputs.
	Channels = 5
	// MaxPWM is the largest 8-bit PWM value.
	MaxPWM = 255

	// firstAnalogPin is the Arduino number of A0.
	firstAnalogPin = 14
	analogPins     = 8
	// unroutedPWMPin is the only PWM pin not wired to a MOSFET gate.
	unroutedPWMPin = 11
)

var pwmPins = []int{3, 5, 6, 9, 10, 11}

// DefaultDuty is the hit-and-hold duty cycle when none is given.
var DefaultDuty = decimal.RequireFromString("0.5")

var maxPWM = decimal.NewFromInt(MaxPWM)

var lineFraming = protocol.Terminator('\n')

func newRequest(format string, args ...interface{}) protocol.Request {
	// Commands are built from validated integers and are never empty.
	req, _ := protocol.NewRequest([]byte(fmt.Sprintf(format, args...)), lineFraming)
	return req
}

// ParsePin converts "A0".."A7" or a decimal pin number to an Arduino pin.
func ParsePin(name string) (int, error) {
	name = strings.TrimSpace(name)
	if len(name) > 1 && (name[0] == 'A' || name[0] == 'a') {
		n, err := strconv.Atoi(name[1:])
		if err != nil || n < 0 || n >= analogPins {
			return 0, fmt.Errorf("%q is not an analog pin, use A0-A7", name)
		}
		return firstAnalogPin + n, nil
	}
	n, err := strconv.Atoi(name)
	if err != nil {
		return 0, fmt.Errorf("invalid pin %q", name)
	}
	return n, nil
}

// PinName returns the friendly name of pin.
func PinName(pin int) string {
	if pin >= firstAnalogPin && pin < firstAnalogPin+analogPins {
		return fmt.Sprintf("A%d", pin-firstAnalogPin)
	}
	return strconv.Itoa(pin)
}

// isDigitalPin accepts 2-13 and A0-A5. A6 and A7 are analog input only.
func isDigitalPin(pin int) bool {
	return (pin >= 2 && pin <= 13) || (pin >= firstAnalogPin && pin < firstAnalogPin+6)
}

func isAnalogPin(pin int) bool {
	return pin >= firstAnalogPin && pin < firstAnalogPin+analogPins
}

func isPWMPin(pin int) bool {
	for _, p := range pwmPins {
		if p == pin {
			return true
		}
	}
	return false
}

func validateChannel(channel int) error {
	if channel < 1 || channel > Channels {
		return fmt.Errorf("invalid channel %d, must be 1-%d", channel, Channels)
	}
	return nil
}

func validatePWM(pwm int) error {
	if pwm < 0 || pwm > MaxPWM {
		return fmt.Errorf("invalid pwm %d, must be 0-%d", pwm, MaxPWM)
	}
	return nil
}

// dutyToPWM maps a 0..1 duty cycle to the 8-bit PWM scale, rounding half
// away from zero.
func dutyToPWM(duty decimal.Decimal) (int, error) {
	if duty.IsNegative() || duty.GreaterThan(decimal.NewFromInt(1)) {
		return 0, fmt.Errorf("invalid duty cycle %s, must be 0.0-1.0", duty)
	}
	return int(duty.Mul(maxPWM).Round(0).IntPart()), nil
}

// parseID extracts N from a "fetboxN" reply.
func parseID(payload []byte) (int, error) {
	reply := strings.TrimSpace(string(payload))
	if !strings.HasPrefix(reply, idPrefix) {
		return 0, fmt.Errorf("%w: reply %q", ErrNotFETbox, reply)
	}
	id, err := strconv.Atoi(reply[len(idPrefix):])
	if err != nil {
		return 0, fmt.Errorf("%w: bad id in %q", ErrNotFETbox, reply)
	}
	return id, nil
}

func parseReading(payload []byte) (int, error) {
	return strconv.Atoi(strings.TrimSpace(string(payload)))
}
