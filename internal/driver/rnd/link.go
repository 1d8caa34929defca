// internal/driver/rnd/link.go
package rnd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"psu-service/pkg/psu"
)

// Gate is consulted before every write
type Gate interface {
	Check() error
}

// onFrame hands a response frame to the waiting query. A frame nobody waits
// for is dropped here and never attributed to a later query.
func (d *Driver) onFrame(frame []byte) {
	select {
	case d.responses <- frame:
	default:
		d.logger.Debug("Dropping unsolicited frame")
	}
}

// drainResponses discards stale frames. Caller holds d.mu.
func (d *Driver) drainResponses() {
	for {
		select {
		case <-d.responses:
		default:
			return
		}
	}
}

// send writes one command under the link lock
func (d *Driver) send(ctx context.Context, cmd Command, channel int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendLocked(ctx, cmd, channel)
}

// sendLocked checks the gate, then the link, then writes. Caller holds d.mu.
func (d *Driver) sendLocked(ctx context.Context, cmd Command, channel int) error {
	if err := d.gate.Check(); err != nil {
		d.logger.LogRejectedWrite(cmd.Text, channel)
		return err
	}
	return d.writeLocked(ctx, cmd)
}

// writeLocked writes a command without consulting the gate. Caller holds d.mu.
func (d *Driver) writeLocked(ctx context.Context, cmd Command) error {
	if !d.state.Connected {
		return psu.ErrNotConnected
	}

	start := time.Now()
	err := d.transport.WriteLine(ctx, []byte(cmd.Text))
	d.logger.LogCommand(cmd.Text, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd.Text, err)
	}
	return nil
}

// query writes a query and waits for its response frame
func (d *Driver) query(ctx context.Context, cmd Command) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.state.Connected {
		return nil, psu.ErrNotConnected
	}

	d.drainResponses()

	start := time.Now()
	if err := d.transport.WriteLine(ctx, []byte(cmd.Text)); err != nil {
		d.logger.LogCommand(cmd.Text, time.Since(start), err)
		return nil, fmt.Errorf("%s: %w", cmd.Text, err)
	}

	timer := time.NewTimer(d.options.ResponseTimeout)
	defer timer.Stop()

	select {
	case frame := <-d.responses:
		d.logger.LogCommand(cmd.Text, time.Since(start), nil)
		return frame, nil
	case <-timer.C:
		err := fmt.Errorf("%s: %w", cmd.Text, psu.ErrResponseTimeout)
		d.logger.LogCommand(cmd.Text, time.Since(start), err)
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readValue runs a query and parses its decimal reply
func (d *Driver) readValue(ctx context.Context, cmd Command) (float64, error) {
	frame, err := d.query(ctx, cmd)
	if err != nil {
		d.logger.Warn("PSU read failed", zap.String("command", cmd.Text), zap.Error(err))
		return 0, err
	}
	value, err := ParseValue(cmd, frame)
	if err != nil {
		d.logger.Warn("PSU reply is not a number", zap.String("command", cmd.Text), zap.Error(err))
		return 0, err
	}
	return value, nil
}
