// internal/simulator/reglo.go
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

// Pump is one simulated Reglo Digital pump head.
type Pump struct {
	Address   int
	Running   bool
	Clockwise bool
	RPMMode   bool
	Flow      decimal.Decimal
	MaxFlow   decimal.Decimal
	CalFlow   decimal.Decimal
	TubingID  int
	Display   string
	Remote    bool
	Overload  bool
}

// Reglo emulates Reglo Digital pumps sharing one RS-232 line. Pass/fail
// commands answer a bare '*' or '#', queries answer a CRLF-terminated line.
type Reglo struct {
	Name  string
	Delay time.Duration

	mu     sync.Mutex
	pumps  map[int]*Pump
	silent bool
}

// NewReglo creates pumps at the given addresses.
func NewReglo(addresses ...int) *Reglo {
	r := &Reglo{
		Name:  "REGLO Digital 1.09",
		Delay: time.Millisecond,
		pumps: make(map[int]*Pump, len(addresses)),
	}
	for _, addr := range addresses {
		r.pumps[addr] = &Pump{
			Address:   addr,
			Clockwise: true,
			Flow:      decimal.NewFromInt(10),
			MaxFlow:   decimal.NewFromInt(35),
			CalFlow:   decimal.RequireFromString("12.4"),
			TubingID:  164,
		}
	}
	return r
}

// Pump returns a copy of the pump at addr.
func (r *Reglo) Pump(addr int) (Pump, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pumps[addr]
	if !ok {
		return Pump{}, false
	}
	return *p, true
}

// Overload puts the pump at addr into motor overload.
func (r *Reglo) Overload(addr int, overload bool) {
	r.mu.Lock()
	if p, ok := r.pumps[addr]; ok {
		p.Overload = overload
	}
	r.mu.Unlock()
}

// Silence stops all replies until called again with false.
func (r *Reglo) Silence(silent bool) {
	r.mu.Lock()
	r.silent = silent
	r.mu.Unlock()
}

// Responder answers Reglo Digital commands.
func (r *Reglo) Responder() serial.SimResponder {
	return func(command []byte) []serial.SimChunk {
		reply, ok := r.handle(strings.TrimSuffix(string(command), "\r"))
		if !ok {
			return nil
		}
		return serial.ReplyAfter(r.Delay, reply)
	}
}

func (r *Reglo) handle(cmd string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.silent {
		return "", false
	}
	i := 0
	for i < len(cmd) && cmd[i] >= '0' && cmd[i] <= '9' {
		i++
	}
	addr, err := strconv.Atoi(cmd[:i])
	if err != nil {
		return "", false
	}
	p, ok := r.pumps[addr]
	if !ok {
		return "", false
	}
	body := cmd[i:]
	if body == "" {
		return "#", true
	}

	if p.Overload {
		return "#", true
	}

	switch body[0] {
	case 'H':
		p.Running = true
	case 'I':
		p.Running = false
	case 'J':
		p.Clockwise = true
	case 'K':
		p.Clockwise = false
	case 'L':
		p.RPMMode = true
	case 'M':
		p.RPMMode = false
	case 'A':
		p.Remote = false
		p.Display = ""
	case 'B':
		p.Remote = true
	case 'E':
		if p.Running {
			return "+", true
		}
		return "-", true
	case '#':
		return r.Name + "\r\n", true
	case 'f':
		if len(body) == 1 {
			return fmt.Sprintf("%s mL/min\r\n", p.Flow.StringFixed(2)), true
		}
		flow, ok := decodeFlow(body[1:])
		if !ok {
			return "#", true
		}
		if flow.GreaterThan(p.MaxFlow) {
			flow = p.MaxFlow
		}
		p.Flow = flow
		return p.Flow.StringFixed(2) + "\r\n", true
	case '!':
		if len(body) == 1 {
			return fmt.Sprintf("%s mL/min\r\n", p.CalFlow.StringFixed(2)), true
		}
		flow, ok := decodeFlow(body[1:])
		if !ok {
			return "#", true
		}
		p.CalFlow = flow
	case '+':
		id, err := strconv.Atoi(body[1:])
		if err != nil || len(body) != 5 {
			return "#", true
		}
		p.TubingID = id
	case '@':
		next, err := strconv.Atoi(body[1:])
		if err != nil || next < 1 || next > 8 {
			return "#", true
		}
		if _, taken := r.pumps[next]; taken && next != addr {
			return "#", true
		}
		delete(r.pumps, addr)
		p.Address = next
		r.pumps[next] = p
	case 'D':
		if !strings.HasPrefix(body, "DA") || !p.Remote || len(body) > 6 {
			return "#", true
		}
		p.Display = body[2:]
	default:
		return "#", true
	}
	return "*", true
}

// decodeFlow parses the mmmm±e wire form, value = mmmm × 10^±e.
func decodeFlow(s string) (decimal.Decimal, bool) {
	if len(s) != 6 || (s[4] != '+' && s[4] != '-') {
		return decimal.Decimal{}, false
	}
	mantissa, err1 := strconv.ParseInt(s[:4], 10, 64)
	exp, err2 := strconv.Atoi(s[5:])
	if err1 != nil || err2 != nil {
		return decimal.Decimal{}, false
	}
	if s[4] == '-' {
		exp = -exp
	}
	return decimal.New(mantissa, int32(exp)), true
}
