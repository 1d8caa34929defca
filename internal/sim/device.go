// internal/sim/device.go
package sim

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"psu-service/internal/protocol"
)

// ErrPortClosed is returned by I/O on a closed simulated port
var ErrPortClosed = errors.New("simulated port closed")

// ChannelState is the simulated state of one output
type ChannelState struct {
	VSet float64
	ISet float64
	On   bool
}

// Device is an in-memory PSU that speaks the ASCII command set.
// It implements protocol.Port and records every line written to it.
type Device struct {
	mu sync.Mutex

	identity   string
	channels   map[int]*ChannelState
	locked     bool
	terminated bool
	silent     bool
	garbage    string
	loadOhms   float64

	open    bool
	timeout time.Duration
	out     []byte
	ready   chan struct{}
	writes  []string
}

// NewDevice creates a simulated PSU answering *IDN? with identity
func NewDevice(identity string, channels int) *Device {
	d := &Device{
		identity:   identity,
		channels:   make(map[int]*ChannelState, channels),
		terminated: true,
		loadOhms:   10,
		timeout:    50 * time.Millisecond,
		ready:      make(chan struct{}, 1),
	}
	for ch := 1; ch <= channels; ch++ {
		d.channels[ch] = &ChannelState{}
	}
	return d
}

// SetTerminated controls whether replies end with a newline.
// Unterminated replies are framed by the idle gap, like the real hardware.
func (d *Device) SetTerminated(terminated bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminated = terminated
}

// SetSilent makes the device ignore queries
func (d *Device) SetSilent(silent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = silent
}

// SetGarbage makes every numeric query answer with raw instead. Empty restores normal replies.
func (d *Device) SetGarbage(raw string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.garbage = raw
}

// Channel returns a copy of a channel's state
func (d *Device) Channel(ch int) (ChannelState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.channels[ch]
	if !ok {
		return ChannelState{}, false
	}
	return *st, true
}

// Locked reports whether the front panel keys are locked
func (d *Device) Locked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locked
}

// Writes returns every command line received, in order
func (d *Device) Writes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.writes...)
}

// WritesExcept returns the received commands, skipping identify probes
func (d *Device) WritesExcept(prefixes ...string) []string {
	var out []string
	for _, w := range d.Writes() {
		skip := false
		for _, p := range prefixes {
			if strings.HasPrefix(w, p) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, w)
		}
	}
	return out
}

// ResetWrites clears the command log
func (d *Device) ResetWrites() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = nil
}

// Opener returns a protocol.PortOpener that always opens this device
func (d *Device) Opener() protocol.PortOpener {
	return func(name string, config *protocol.SerialConfig) (protocol.Port, error) {
		port, err := d.attach()
		if err != nil {
			return nil, err
		}
		return port, nil
	}
}

func (d *Device) attach() (*Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return nil, fmt.Errorf("port busy")
	}
	d.open = true
	d.out = nil
	d.ready = make(chan struct{}, 1)
	return d, nil
}

// Write consumes command lines
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return 0, ErrPortClosed
	}

	for _, raw := range bytes.Split(p, []byte("\n")) {
		line := strings.TrimSpace(string(raw))
		if line == "" {
			continue
		}
		d.writes = append(d.writes, line)
		if reply, ok := d.execute(line); ok && !d.silent {
			d.out = append(d.out, reply...)
			if d.terminated {
				d.out = append(d.out, '\n')
			}
			select {
			case d.ready <- struct{}{}:
			default:
			}
		}
	}
	return len(p), nil
}

// Read returns pending reply bytes or (0, nil) after the read timeout
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return 0, ErrPortClosed
	}
	if len(d.out) > 0 {
		n := copy(p, d.out)
		d.out = d.out[n:]
		d.mu.Unlock()
		return n, nil
	}
	ready, timeout := d.ready, d.timeout
	d.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
	case <-timer.C:
		return 0, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return 0, ErrPortClosed
	}
	n := copy(p, d.out)
	d.out = d.out[n:]
	return n, nil
}

// Close detaches the port
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil
	}
	d.open = false
	d.out = nil
	select {
	case d.ready <- struct{}{}:
	default:
	}
	return nil
}

// SetReadTimeout sets the idle timeout of Read
func (d *Device) SetReadTimeout(timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = timeout
	return nil
}

// ResetInputBuffer drops unread reply bytes
func (d *Device) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out = nil
	return nil
}

// IsOpen reports whether a link currently holds the port
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// execute applies one command and returns the reply, if any. Caller holds d.mu.
func (d *Device) execute(line string) (string, bool) {
	switch {
	case line == "*IDN?":
		return d.identity, true
	case line == "LOCK:1":
		d.locked = true
		return "", false
	case line == "LOCK:0":
		d.locked = false
		return "", false
	case line == "OUT1" || line == "OUT0":
		// single-channel dialect
		if st, ok := d.channels[1]; ok {
			st.On = line == "OUT1"
		}
		return "", false
	}

	if strings.HasSuffix(line, "?") {
		return d.query(strings.TrimSuffix(line, "?"))
	}
	d.set(line)
	return "", false
}

func (d *Device) query(cmd string) (string, bool) {
	var prefix string
	for _, p := range []string{"VSET", "ISET", "VOUT", "IOUT"} {
		if strings.HasPrefix(cmd, p) {
			prefix = p
			break
		}
	}
	if prefix == "" {
		return "", false
	}
	ch, err := strconv.Atoi(strings.TrimPrefix(cmd, prefix))
	if err != nil {
		return "", false
	}
	st, ok := d.channels[ch]
	if !ok {
		return "", false
	}
	if d.garbage != "" {
		return d.garbage, true
	}

	var v float64
	switch prefix {
	case "VSET":
		v = st.VSet
	case "ISET":
		v = st.ISet
	case "VOUT":
		if st.On {
			v = st.VSet
		}
	case "IOUT":
		if st.On && d.loadOhms > 0 {
			v = st.VSet / d.loadOhms
			if v > st.ISet {
				v = st.ISet
			}
		}
	}
	return strconv.FormatFloat(v, 'f', 2, 64), true
}

func (d *Device) set(line string) {
	// OUT{ch}:1, VSET{ch}:{v}, ISET{ch}:{v}
	head, value, found := strings.Cut(line, ":")
	if !found {
		return
	}
	for _, p := range []string{"OUT", "VSET", "ISET"} {
		if !strings.HasPrefix(head, p) {
			continue
		}
		ch, err := strconv.Atoi(strings.TrimPrefix(head, p))
		if err != nil {
			return
		}
		st, ok := d.channels[ch]
		if !ok {
			return
		}
		switch p {
		case "OUT":
			st.On = value == "1"
		case "VSET":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				st.VSet = v
			}
		case "ISET":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				st.ISet = v
			}
		}
		return
	}
}
