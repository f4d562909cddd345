// internal/simulator/bench.go
package simulator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"plateflo/internal/protocol/serial"
)

// Scheme prefixes simulated port names, e.g. sim://fetbox/3,
// sim://reglo/1,2 or sim://icc/1.
const Scheme = "sim://"

// Bench hands out simulated ports by name. The same name always maps to the
// same device, so state survives a close and reopen.
type Bench struct {
	mu    sync.Mutex
	ports map[string]*serial.SimPort
}

// NewBench creates an empty bench.
func NewBench() *Bench {
	return &Bench{ports: make(map[string]*serial.SimPort)}
}

// IsSimulated reports whether port names a simulated device.
func IsSimulated(port string) bool {
	return strings.HasPrefix(port, Scheme)
}

// Port returns the simulated port for name, creating its device on first use.
func (b *Bench) Port(name string) (*serial.SimPort, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.ports[name]; ok {
		return p, nil
	}
	responder, err := parse(name)
	if err != nil {
		return nil, err
	}
	p := serial.NewSimPort(responder)
	b.ports[name] = p
	return p, nil
}

// Names lists the ports created so far.
func (b *Bench) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.ports))
	for name := range b.ports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Opener serves sim:// names from the bench and everything else from next.
func (b *Bench) Opener(next serial.Opener) serial.Opener {
	if next == nil {
		next = serial.DefaultOpener
	}
	return func(config *serial.Config) (serial.Port, error) {
		if !IsSimulated(config.Port) {
			return next(config)
		}
		p, err := b.Port(config.Port)
		if err != nil {
			return nil, err
		}
		return p.Opener()(config)
	}
}

func parse(name string) (serial.SimResponder, error) {
	kind, arg, _ := strings.Cut(strings.TrimPrefix(name, Scheme), "/")
	switch kind {
	case "fetbox":
		id := 0
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil {
				return nil, fmt.Errorf("invalid fetbox id in %q", name)
			}
			id = n
		}
		return NewFETbox(id).Responder(), nil
	case "reglo":
		addrs := []int{1}
		if arg != "" {
			addrs = addrs[:0]
			for _, field := range strings.Split(arg, ",") {
				n, err := strconv.Atoi(field)
				if err != nil || n < 1 || n > 8 {
					return nil, fmt.Errorf("invalid reglo address in %q", name)
				}
				addrs = append(addrs, n)
			}
		}
		return NewReglo(addrs...).Responder(), nil
	case "icc":
		addr := 1
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n < 1 || n > 8 {
				return nil, fmt.Errorf("invalid icc address in %q", name)
			}
			addr = n
		}
		return NewICC(addr, 4).Responder(), nil
	case "empty":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown simulated device %q", name)
}
