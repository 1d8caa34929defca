// internal/protocol/protocol.go
package protocol

import (
	"context"
	"io"
	"time"
)

// Port is the raw byte stream of an opened serial port.
// Read must return (0, nil) when the read timeout elapses without data.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(timeout time.Duration) error
	ResetInputBuffer() error
}

// PortOpener opens a named port with the given line settings
type PortOpener func(name string, config *SerialConfig) (Port, error)

// PortLister enumerates the serial ports available on the host
type PortLister func() ([]string, error)

// FrameHandler receives one complete response frame
type FrameHandler func(frame []byte)

// Transport is a line-oriented link to a single device
type Transport interface {
	// Connection lifecycle
	Open(ctx context.Context, port string, baudRate int) error
	Close() error
	IsOpen() bool
	PortName() string

	// Data communication
	WriteLine(ctx context.Context, line []byte) error
	ReadAvailable() []byte
	ResetInput() error

	// SetFrameHandler registers the completion callback fired once per frame.
	// A nil handler routes frames back to ReadAvailable.
	SetFrameHandler(handler FrameHandler)

	// Diagnostics
	Stats() ProtocolStats
}

// ProtocolStats provides transport-level statistics
type ProtocolStats struct {
	BytesWritten   int64         `json:"bytes_written"`
	BytesRead      int64         `json:"bytes_read"`
	FramesRead     int64         `json:"frames_read"`
	OperationCount int64         `json:"operation_count"`
	ErrorCount     int64         `json:"error_count"`
	LastActivity   time.Time     `json:"last_activity"`
	AverageLatency time.Duration `json:"average_latency"`
	IsConnected    bool          `json:"is_connected"`
}
