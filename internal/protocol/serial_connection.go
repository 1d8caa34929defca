// internal/protocol/serial_connection.go
package protocol

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"psu-service/pkg/psu"
)

// SerialConnection implements Transport over a serial port.
// A background reader splits incoming bytes into frames: a frame ends at a
// line terminator or when the line stays idle for FrameGap.
type SerialConnection struct {
	config *SerialConfig
	opener PortOpener
	logger *zap.Logger

	mutex     sync.RWMutex
	port      Port
	portName  string
	isOpen    bool
	handler   FrameHandler
	unclaimed []byte
	pending   []byte
	stats     ProtocolStats

	stop chan struct{}
	done chan struct{}
}

// NewSerialConnection creates a closed serial connection.
// A nil opener uses the host serial driver.
func NewSerialConnection(config *SerialConfig, opener PortOpener, logger *zap.Logger) *SerialConnection {
	if opener == nil {
		opener = OpenSerialPort
	}
	return &SerialConnection{
		config: config.withDefaults(),
		opener: opener,
		logger: logger.With(zap.String("protocol", "serial")),
	}
}

// Open opens the named port. Any previously opened port is closed first.
// On failure no handle is kept and a *psu.OpenError is returned.
func (sc *SerialConnection) Open(ctx context.Context, portName string, baudRate int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if sc.IsOpen() {
		if err := sc.Close(); err != nil {
			sc.logger.Warn("Failed to close previous port", zap.Error(err))
		}
	}

	cfg := *sc.config
	if baudRate > 0 {
		cfg.BaudRate = baudRate
	}

	logger := sc.logger.With(zap.String("port", portName))
	logger.Debug("Opening serial port", zap.Int("baud_rate", cfg.BaudRate))

	port, err := sc.opener(portName, &cfg)
	if err != nil {
		logger.Debug("Failed to open serial port", zap.Error(err))
		return &psu.OpenError{Port: portName, Err: err}
	}

	if err := port.SetReadTimeout(cfg.FrameGap); err != nil {
		port.Close()
		return &psu.OpenError{Port: portName, Err: fmt.Errorf("failed to set read timeout: %w", err)}
	}

	sc.mutex.Lock()
	sc.port = port
	sc.portName = portName
	sc.isOpen = true
	sc.unclaimed = nil
	sc.pending = nil
	sc.stats.IsConnected = true
	sc.stats.LastActivity = time.Now()
	sc.stop = make(chan struct{})
	sc.done = make(chan struct{})
	stop, done := sc.stop, sc.done
	sc.mutex.Unlock()

	go sc.readLoop(port, stop, done)

	logger.Debug("Serial port opened")
	return nil
}

// Close closes the port and waits for the reader to exit
func (sc *SerialConnection) Close() error {
	sc.mutex.Lock()
	if !sc.isOpen || sc.port == nil {
		sc.mutex.Unlock()
		return nil
	}
	port, name := sc.port, sc.portName
	stop, done := sc.stop, sc.done
	sc.port = nil
	sc.isOpen = false
	sc.handler = nil
	sc.unclaimed = nil
	sc.pending = nil
	sc.stats.IsConnected = false
	sc.mutex.Unlock()

	close(stop)
	err := port.Close()
	<-done

	if err != nil {
		sc.logger.Error("Failed to close serial port", zap.String("port", name), zap.Error(err))
		return fmt.Errorf("failed to close serial port %s: %w", name, err)
	}

	sc.logger.Debug("Serial port closed", zap.String("port", name))
	return nil
}

// IsOpen returns whether the connection is open
func (sc *SerialConnection) IsOpen() bool {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	return sc.isOpen && sc.port != nil
}

// PortName returns the name of the open port, or "" when closed
func (sc *SerialConnection) PortName() string {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	if !sc.isOpen {
		return ""
	}
	return sc.portName
}

// WriteLine writes one terminated command line
func (sc *SerialConnection) WriteLine(ctx context.Context, line []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	sc.mutex.RLock()
	port, open := sc.port, sc.isOpen
	ending := sc.config.LineEnding
	sc.mutex.RUnlock()

	if !open || port == nil {
		return psu.ErrNotConnected
	}

	data := make([]byte, 0, len(line)+len(ending))
	data = append(data, line...)
	data = append(data, ending...)

	startTime := time.Now()
	n, err := port.Write(data)

	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if err != nil {
		sc.stats.ErrorCount++
		sc.logger.Error("Serial write failed", zap.Error(err))
		return fmt.Errorf("failed to write to serial port: %w", err)
	}
	if n != len(data) {
		sc.stats.ErrorCount++
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}

	sc.stats.BytesWritten += int64(n)
	sc.stats.OperationCount++
	sc.stats.LastActivity = time.Now()
	sc.updateAverageLatency(time.Since(startTime))

	sc.logger.Debug("Serial write completed", zap.ByteString("line", line))
	return nil
}

// ReadAvailable drains the frames no handler has claimed, including a
// partial frame still being assembled
func (sc *SerialConnection) ReadAvailable() []byte {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	out := append(sc.unclaimed, sc.pending...)
	sc.unclaimed = nil
	sc.pending = nil
	return out
}

// ResetInput discards buffered input on both sides of the driver
func (sc *SerialConnection) ResetInput() error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	sc.unclaimed = nil
	sc.pending = nil
	if !sc.isOpen || sc.port == nil {
		return nil
	}
	return sc.port.ResetInputBuffer()
}

// SetFrameHandler registers the frame callback
func (sc *SerialConnection) SetFrameHandler(handler FrameHandler) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	sc.handler = handler
}

// Stats returns a snapshot of the connection statistics
func (sc *SerialConnection) Stats() ProtocolStats {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	return sc.stats
}

func (sc *SerialConnection) readLoop(port Port, stop, done chan struct{}) {
	defer close(done)

	buf := make([]byte, sc.config.ReadBufferSz)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			select {
			case <-stop:
			default:
				sc.mutex.Lock()
				sc.stats.ErrorCount++
				sc.mutex.Unlock()
				sc.logger.Warn("Serial read failed, reader stopped", zap.Error(err))
			}
			return
		}

		if n > 0 {
			sc.receive(buf[:n])
			continue
		}

		// Read timed out: the line has been idle for a full frame gap
		sc.flushIdle()
	}
}

func (sc *SerialConnection) receive(data []byte) {
	sc.mutex.Lock()
	sc.stats.BytesRead += int64(len(data))
	sc.stats.LastActivity = time.Now()
	sc.pending = append(sc.pending, data...)

	var frames [][]byte
	for {
		idx := bytes.IndexByte(sc.pending, '\n')
		if idx < 0 {
			break
		}
		frame := bytes.TrimRight(sc.pending[:idx], "\r")
		frames = append(frames, append([]byte(nil), frame...))
		sc.pending = sc.pending[idx+1:]
	}
	if len(sc.pending) == 0 {
		sc.pending = nil
	}
	sc.mutex.Unlock()

	for _, frame := range frames {
		sc.deliver(frame)
	}
}

func (sc *SerialConnection) flushIdle() {
	sc.mutex.Lock()
	if len(sc.pending) == 0 {
		sc.mutex.Unlock()
		return
	}
	frame := bytes.TrimRight(sc.pending, "\r")
	sc.pending = nil
	sc.mutex.Unlock()

	sc.deliver(frame)
}

func (sc *SerialConnection) deliver(frame []byte) {
	sc.mutex.Lock()
	sc.stats.FramesRead++
	handler := sc.handler
	if handler == nil {
		sc.unclaimed = append(sc.unclaimed, frame...)
		sc.unclaimed = append(sc.unclaimed, '\n')
	}
	sc.mutex.Unlock()

	if handler != nil {
		handler(frame)
	}
}

// updateAverageLatency updates the running average latency
func (sc *SerialConnection) updateAverageLatency(newLatency time.Duration) {
	if sc.stats.AverageLatency == 0 {
		sc.stats.AverageLatency = newLatency
	} else {
		sc.stats.AverageLatency = (sc.stats.AverageLatency + newLatency) / 2
	}
}
