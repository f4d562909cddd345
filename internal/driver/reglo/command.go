// internal/driver/reglo/command.go
package reglo

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"plateflo/internal/protocol"
)

// Reglo Digital commands, each prefixed with the pump address and ended
// with CR. See the Reglo Digital manual, pp. 33-38.
const (
	cmdStart        = "%dH\r"
	cmdStop         = "%dI\r"
	cmdClockwise    = "%dJ\r"
	cmdCounterClock = "%dK\r"
	cmdModeRPM      = "%dL\r"
	cmdModeFlow     = "%dM\r"
	cmdSetFlow      = "%df%s\r"
	cmdGetFlow      = "%df\r"
	cmdSetCalFlow   = "%d!%s\r"
	cmdGetCalFlow   = "%d!\r"
	cmdSetAddress   = "%d@%d\r"
	cmdDisplayMan   = "%dA\r"
	cmdDisplayRem   = "%dB\r"
	cmdDisplayText  = "%dDA%s\r"
	cmdSetTubing    = "%d+%04d\r"
	cmdGetName      = "%d#\r"
	cmdRunState     = "%dE\r"

	tokenPass    = "*"
	tokenFail    = "#"
	tokenRunning = "+"
	tokenStopped = "-"

	// nameMarker appears in the name reply of every Reglo Digital.
	nameMarker = "Digital"
)

const (
	// MinAddress and MaxAddress bound the pump address.
	MinAddress = 1
	MaxAddress = 8
	// DisplayWidth is the number of characters the LCD shows.
	DisplayWidth = 4
	// DefaultCalFlow is the factory flow at maximum speed, mL/min.
	DefaultCalFlow = 12.4
)

// flowTolerance is the largest relative error accepted when the pump echoes
// a new flow rate.
var flowTolerance = decimal.RequireFromString("0.1")

// TubingDiameters are the inner diameters (mm) the pump is calibrated for.
var TubingDiameters = []decimal.Decimal{
	decimal.RequireFromString("0.13"), decimal.RequireFromString("0.19"),
	decimal.RequireFromString("0.25"), decimal.RequireFromString("0.38"),
	decimal.RequireFromString("0.44"), decimal.RequireFromString("0.51"),
	decimal.RequireFromString("0.57"), decimal.RequireFromString("0.64"),
	decimal.RequireFromString("0.76"), decimal.RequireFromString("0.89"),
	decimal.RequireFromString("0.95"), decimal.RequireFromString("1.02"),
	decimal.RequireFromString("1.09"), decimal.RequireFromString("1.14"),
	decimal.RequireFromString("1.22"), decimal.RequireFromString("1.30"),
	decimal.RequireFromString("1.42"), decimal.RequireFromString("1.52"),
	decimal.RequireFromString("1.65"), decimal.RequireFromString("1.75"),
	decimal.RequireFromString("1.85"), decimal.RequireFromString("2.06"),
	decimal.RequireFromString("2.29"), decimal.RequireFromString("2.54"),
	decimal.RequireFromString("2.79"), decimal.RequireFromString("3.17"),
}

var (
	ackFraming   = protocol.FixedLength(1)
	queryFraming = protocol.Terminator('\n')
)

func newRequest(framing protocol.Framing, format string, args ...interface{}) protocol.Request {
	req, _ := protocol.NewRequest([]byte(fmt.Sprintf(format, args...)), framing)
	return req
}

// EncodeFlow renders a flow rate in the pump's mmmm±e form, meaning
// mmmm × 10^±e with three significant digits: 12.2 becomes "0122-1".
func EncodeFlow(flow decimal.Decimal) (string, error) {
	if flow.IsNegative() {
		return "", fmt.Errorf("flow rate must not be negative, got %s", flow)
	}
	if flow.IsZero() {
		return "0000+0", nil
	}

	// scientific exponent of flow, then scale to a three digit mantissa
	exp := flow.NumDigits() + int(flow.Exponent()) - 1 - 2
	mantissa := flow.Shift(int32(-exp)).Round(0)
	if mantissa.GreaterThanOrEqual(decimal.NewFromInt(1000)) {
		mantissa = mantissa.Shift(-1).Round(0)
		exp++
	}
	if exp < -9 || exp > 9 {
		return "", fmt.Errorf("flow rate %s out of range", flow)
	}

	sign := '+'
	if exp < 0 {
		sign, exp = '-', -exp
	}
	return fmt.Sprintf("%04d%c%d", mantissa.IntPart(), sign, exp), nil
}

// ParseFlow reads a flow reply such as "12.20" or "12.20 mL/min".
func ParseFlow(payload []byte) (decimal.Decimal, error) {
	reply := strings.TrimSpace(string(payload))
	reply = strings.TrimSpace(strings.TrimSuffix(reply, "mL/min"))
	flow, err := decimal.NewFromString(reply)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("bad flow reply %q", string(payload))
	}
	return flow, nil
}

// NearestTubing snaps diameter to the closest calibrated size.
func NearestTubing(diameter decimal.Decimal) decimal.Decimal {
	best := TubingDiameters[0]
	bestDiff := diameter.Sub(best).Abs()
	for _, d := range TubingDiameters[1:] {
		if diff := diameter.Sub(d).Abs(); diff.LessThan(bestDiff) {
			best, bestDiff = d, diff
		}
	}
	return best
}

// tubingCode is the diameter in hundredths of a millimetre.
func tubingCode(diameter decimal.Decimal) int {
	return int(diameter.Shift(2).IntPart())
}

// acceptFlow passes a reply within flowTolerance of want.
func acceptFlow(want decimal.Decimal) protocol.Acceptor {
	return func(payload []byte) bool {
		got, err := ParseFlow(payload)
		if err != nil {
			return false
		}
		if want.IsZero() {
			return got.IsZero()
		}
		return want.Sub(got).Abs().Div(want).LessThan(flowTolerance)
	}
}

func validateAddress(addr int) error {
	if addr < MinAddress || addr > MaxAddress {
		return fmt.Errorf("invalid pump address %d, must be %d-%d", addr, MinAddress, MaxAddress)
	}
	return nil
}
