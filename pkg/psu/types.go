// pkg/psu/types.go
package psu

import (
	"fmt"
	"strings"
	"time"
)

// Channel and set-point limits shared by every supported PSU family
const (
	MinChannel = 1
	MaxChannel = 4

	MinVoltage = 0.0
	MaxVoltage = 30.0

	MinCurrent = 0.0
	MaxCurrent = 5.0
)

// DeviceKind identifies the command dialect of a PSU family
type DeviceKind int

const (
	KindUnknown DeviceKind = iota
	KindSingle             // one output, OUT1/OUT0
	KindMulti              // four outputs, OUT{ch}:1/0
)

// String returns the config spelling of the kind
func (k DeviceKind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindMulti:
		return "multi"
	default:
		return "unknown"
	}
}

// ParseDeviceKind parses a config value into a DeviceKind
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single", "single-channel", "1":
		return KindSingle, nil
	case "multi", "multi-channel", "4":
		return KindMulti, nil
	default:
		return KindUnknown, fmt.Errorf("%w: kind %q", ErrUnknownFamily, s)
	}
}

// MarshalText lets the kind render as a string in JSON payloads
func (k DeviceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// DeviceProfile describes one PSU family and the channels wired on the rig.
// It is read once at session construction and never mutated.
type DeviceProfile struct {
	Setting  string           `json:"setting" mapstructure:"setting"`
	Regex    string           `json:"regex" mapstructure:"regex"`
	BaudRate int              `json:"baudrate" mapstructure:"baudrate"`
	Kind     string           `json:"kind,omitempty" mapstructure:"kind"`
	Channels []ChannelProfile `json:"channel" mapstructure:"channel"`
}

// ChannelProfile holds the defaults of one physical output
type ChannelProfile struct {
	ID          int     `json:"id" mapstructure:"id"`
	Usage       string  `json:"usage" mapstructure:"usage"`
	DefaultVout float64 `json:"defaultVout" mapstructure:"defaultVout"`
	DefaultImax float64 `json:"defaultImax" mapstructure:"defaultImax"`
	DefaultOn   bool    `json:"defaultOn" mapstructure:"defaultOn"`
}

// ChannelForTarget returns the channel serving the given usage label.
// Only channels enabled by default qualify; the last match wins.
func (p *DeviceProfile) ChannelForTarget(usage string) (int, bool) {
	channel := 0
	for _, ch := range p.Channels {
		if ch.Usage == usage && ch.DefaultOn {
			channel = ch.ID
		}
	}
	return channel, channel != 0
}

// Channel returns the profile entry for a channel number
func (p *DeviceProfile) Channel(id int) (ChannelProfile, bool) {
	for _, ch := range p.Channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return ChannelProfile{}, false
}

// ChannelIDs lists the configured channel numbers in profile order
func (p *DeviceProfile) ChannelIDs() []int {
	ids := make([]int, 0, len(p.Channels))
	for _, ch := range p.Channels {
		ids = append(ids, ch.ID)
	}
	return ids
}

// LinkState is the connection state owned by the device session
type LinkState struct {
	Connected bool   `json:"connected"`
	Identity  string `json:"identity,omitempty"`
	Port      string `json:"port,omitempty"`
}

// String mirrors the status line shown to operators
func (s LinkState) String() string {
	if !s.Connected {
		return "Not connected"
	}
	return fmt.Sprintf("%s connected to port %s", s.Identity, s.Port)
}

// PowerCycleReport is the diagnostic record of one power cycle.
// Voltage samples are nil when the read failed.
type PowerCycleReport struct {
	RequestedChannel int           `json:"requested_channel"`
	Channel          int           `json:"channel"`
	VoltageBefore    *float64      `json:"voltage_before"`
	VoltageAfter     *float64      `json:"voltage_after"`
	Waited           time.Duration `json:"waited"`
	StartedAt        time.Time     `json:"started_at"`
	CompletedAt      time.Time     `json:"completed_at"`
	Errors           []string      `json:"errors,omitempty"`
}

// ChannelReading is one telemetry sample of a channel
type ChannelReading struct {
	Channel         int       `json:"channel"`
	Usage           string    `json:"usage,omitempty"`
	SetVoltage      *float64  `json:"set_voltage,omitempty"`
	MeasuredVoltage *float64  `json:"measured_voltage"`
	MeasuredCurrent *float64  `json:"measured_current"`
	ReadAt          time.Time `json:"read_at"`
}

// Float returns a pointer to v, used for optional readings
func Float(v float64) *float64 {
	return &v
}
