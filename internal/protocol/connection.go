// internal/protocol/connection.go
package protocol

import "time"

// SerialConfig represents the line settings shared by every probed port.
// The baud rate comes from the device profile at open time.
type SerialConfig struct {
	BaudRate     int           `json:"baud_rate"`
	DataBits     int           `json:"data_bits"`
	StopBits     int           `json:"stop_bits"`
	Parity       string        `json:"parity"`
	FrameGap     time.Duration `json:"frame_gap"`
	LineEnding   string        `json:"line_ending"`
	ReadBufferSz int           `json:"read_buffer_size"`
}

// DefaultSerialConfig returns 8N1 with a 50ms inter-frame gap
func DefaultSerialConfig() *SerialConfig {
	return &SerialConfig{
		BaudRate:     9600,
		DataBits:     8,
		StopBits:     1,
		Parity:       "none",
		FrameGap:     50 * time.Millisecond,
		LineEnding:   "\n",
		ReadBufferSz: 256,
	}
}

func (c *SerialConfig) withDefaults() *SerialConfig {
	def := DefaultSerialConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.BaudRate <= 0 {
		out.BaudRate = def.BaudRate
	}
	if out.DataBits <= 0 {
		out.DataBits = def.DataBits
	}
	if out.StopBits <= 0 {
		out.StopBits = def.StopBits
	}
	if out.Parity == "" {
		out.Parity = def.Parity
	}
	if out.FrameGap <= 0 {
		out.FrameGap = def.FrameGap
	}
	if out.LineEnding == "" {
		out.LineEnding = def.LineEnding
	}
	if out.ReadBufferSz <= 0 {
		out.ReadBufferSz = def.ReadBufferSz
	}
	return &out
}
