// internal/simulator/icc.go
package simulator

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"plateflo/internal/protocol/serial"
)

// ICCChannel is one simulated Reglo ICC channel.
type ICCChannel struct {
	Running   bool
	Clockwise bool
	Flow      decimal.Decimal
}

// ICC emulates a Reglo ICC. With channel addressing off the leading number
// of a command is the pump address; with it on, the leading number is a
// channel and the pump address follows the command letter. Flow replies are
// in µL/min.
type ICC struct {
	Name  string
	Delay time.Duration

	mu         sync.Mutex
	address    int
	addressing bool
	rpmMode    bool
	flow       decimal.Decimal
	maxFlow    decimal.Decimal
	display    string
	remote     bool
	channels   []ICCChannel
	silent     bool
}

// NewICC creates a pump at addr with the given number of channels.
func NewICC(addr, channels int) *ICC {
	p := &ICC{
		Name:     "REGLO ICC 0208 304",
		Delay:    time.Millisecond,
		address:  addr,
		flow:     decimal.NewFromInt(5),
		maxFlow:  decimal.NewFromInt(35),
		channels: make([]ICCChannel, channels),
	}
	for i := range p.channels {
		p.channels[i] = ICCChannel{Clockwise: true, Flow: p.flow}
	}
	return p
}

// Channel returns a copy of channel ch, numbered from 1.
func (p *ICC) Channel(ch int) (ICCChannel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch < 1 || ch > len(p.channels) {
		return ICCChannel{}, false
	}
	return p.channels[ch-1], true
}

// ChannelAddressing reports whether channel addressing is on.
func (p *ICC) ChannelAddressing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addressing
}

// Display returns the text on the LCD.
func (p *ICC) Display() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.display
}

// RPMMode reports whether the pump is in RPM mode.
func (p *ICC) RPMMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rpmMode
}

// Silence stops all replies until called again with false.
func (p *ICC) Silence(silent bool) {
	p.mu.Lock()
	p.silent = silent
	p.mu.Unlock()
}

// Responder answers Reglo ICC commands.
func (p *ICC) Responder() serial.SimResponder {
	return func(command []byte) []serial.SimChunk {
		reply, ok := p.handle(strings.TrimSuffix(string(command), "\r"))
		if !ok {
			return nil
		}
		return serial.ReplyAfter(p.Delay, reply)
	}
}

func (p *ICC) handle(cmd string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.silent {
		return "", false
	}
	i := 0
	for i < len(cmd) && cmd[i] >= '0' && cmd[i] <= '9' {
		i++
	}
	lead, err := strconv.Atoi(cmd[:i])
	if err != nil {
		return "", false
	}
	body := cmd[i:]

	if strings.HasPrefix(body, "~") {
		if lead != p.address {
			return "", false
		}
		switch body[1:] {
		case "0":
			p.addressing = false
		case "1":
			p.addressing = true
		default:
			return "#", true
		}
		return "*", true
	}
	if p.addressing {
		return p.channelCommand(lead, body)
	}
	if lead != p.address {
		return "", false
	}
	return p.pumpCommand(body)
}

func (p *ICC) pumpCommand(body string) (string, bool) {
	if body == "" {
		return "#", true
	}
	switch {
	case body == "H", body == "I":
		for i := range p.channels {
			p.channels[i].Running = body == "H"
		}
	case body == "J", body == "K":
		for i := range p.channels {
			p.channels[i].Clockwise = body == "J"
		}
	case body == "L":
		p.rpmMode = true
	case body == "M":
		p.rpmMode = false
	case body == "A":
		p.remote = false
		p.display = ""
	case body == "B":
		p.remote = true
	case body == "E":
		for _, ch := range p.channels {
			if ch.Running {
				return "+", true
			}
		}
		return "-", true
	case body == "xD":
		if len(p.channels) > 0 && !p.channels[0].Clockwise {
			return "K\r\n", true
		}
		return "J\r\n", true
	case body == "?":
		return p.maxFlow.StringFixed(2) + " ml/min\r\n", true
	case body == "#":
		return p.Name + "\r\n", true
	case body == "f":
		return microFlow(p.flow), true
	case body[0] == 'f':
		flow, ok := decodeICCFlow(body[1:])
		if !ok {
			return "#", true
		}
		p.flow = decimal.Min(flow, p.maxFlow)
		for i := range p.channels {
			p.channels[i].Flow = p.flow
		}
		return microFlow(p.flow), true
	case strings.HasPrefix(body, "DA"):
		if !p.remote || len(body) > 2+15 {
			return "#", true
		}
		p.display = body[2:]
	default:
		return "#", true
	}
	return "*", true
}

func (p *ICC) channelCommand(ch int, body string) (string, bool) {
	if ch < 1 || ch > len(p.channels) {
		return "#", true
	}
	c := &p.channels[ch-1]

	if strings.HasPrefix(body, "f") {
		if body == "f" {
			return microFlow(c.Flow), true
		}
		flow, ok := decodeICCFlow(body[1:])
		if !ok {
			return "#", true
		}
		c.Flow = decimal.Min(flow, p.maxFlow)
		return microFlow(c.Flow), true
	}

	verb := body
	if strings.HasPrefix(body, "xD") {
		verb = "xD"
	} else if body != "" {
		verb = body[:1]
	}
	if addr, err := strconv.Atoi(body[len(verb):]); err != nil || addr != p.address {
		return "#", true
	}
	switch verb {
	case "H":
		c.Running = true
	case "I":
		c.Running = false
	case "J":
		c.Clockwise = true
	case "K":
		c.Clockwise = false
	case "E":
		if c.Running {
			return "+", true
		}
		return "-", true
	case "xD":
		if c.Clockwise {
			return "J\r\n", true
		}
		return "K\r\n", true
	default:
		return "#", true
	}
	return "*", true
}

// microFlow renders flow, in mL/min, as the µL/min reply line.
func microFlow(flow decimal.Decimal) string {
	return fmt.Sprintf("%s\r\n", flow.Shift(3).StringFixed(1))
}

// decodeICCFlow parses the mmmm±e wire form, value = mmmm × 10^(±e-3) mL/min.
func decodeICCFlow(s string) (decimal.Decimal, bool) {
	flow, ok := decodeFlow(s)
	if !ok {
		return decimal.Decimal{}, false
	}
	return flow.Shift(-3), true
}
