// internal/sim/bench.go
package sim

import (
	"fmt"
	"sort"
	"sync"

	"psu-service/internal/driver"
	"psu-service/internal/protocol"
)

// Bench is a set of simulated serial ports, some with devices attached
type Bench struct {
	mu      sync.Mutex
	devices map[string]*Device
	broken  map[string]error
}

// NewBench creates an empty bench
func NewBench() *Bench {
	return &Bench{
		devices: make(map[string]*Device),
		broken:  make(map[string]error),
	}
}

// Attach places a device on a named port
func (b *Bench) Attach(port string, device *Device) *Bench {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[port] = device
	return b
}

// Break makes opening the named port fail with err
func (b *Bench) Break(port string, err error) *Bench {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broken[port] = err
	return b
}

// Ports lists every port on the bench, sorted
func (b *Bench) Ports() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.devices)+len(b.broken))
	for name := range b.devices {
		names = append(names, name)
	}
	for name := range b.broken {
		if _, dup := b.devices[name]; !dup {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Open opens a port on the bench. It satisfies protocol.PortOpener.
func (b *Bench) Open(name string, config *protocol.SerialConfig) (protocol.Port, error) {
	b.mu.Lock()
	err, isBroken := b.broken[name]
	device, ok := b.devices[name]
	b.mu.Unlock()

	if isBroken {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no such port %s", name)
	}
	port, err := device.attach()
	if err != nil {
		return nil, err
	}
	return port, nil
}

// SimulatedPort is the port name a family bench attaches its device to
const SimulatedPort = "/dev/ttySIM0"

// NewFamilyBench returns a bench with one simulated supply of the given
// family. Its identity contains the family marker so profile patterns match.
func NewFamilyBench(family driver.Family) (*Bench, *Device) {
	device := NewDevice(family.Name+" SIM V1.0", family.Channels)
	return NewBench().Attach(SimulatedPort, device), device
}
