// internal/driver/rnd/channels.go
package rnd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ApplyDefaults writes every configured channel's defaults in the order
// enable state, voltage, current limit. Each write is gated on its own;
// a failed step does not stop the remaining ones.
func (d *Driver) ApplyDefaults(ctx context.Context) error {
	if err := d.gate.Check(); err != nil {
		d.logger.LogRejectedWrite("apply-defaults", 0)
		return err
	}

	var errs []error
	for _, ch := range d.profile.Channels {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		d.logger.Info("Applying channel defaults",
			zap.Int("channel", ch.ID),
			zap.String("usage", ch.Usage),
			zap.Bool("enabled", ch.DefaultOn),
			zap.Float64("voltage", ch.DefaultVout),
			zap.Float64("current", ch.DefaultImax),
		)

		if err := d.SetOutput(ctx, ch.ID, ch.DefaultOn); err != nil {
			errs = append(errs, fmt.Errorf("channel %d output: %w", ch.ID, err))
		}
		if err := d.SetVoltage(ctx, ch.ID, ch.DefaultVout); err != nil {
			errs = append(errs, fmt.Errorf("channel %d voltage: %w", ch.ID, err))
		}
		if err := d.SetCurrent(ctx, ch.ID, ch.DefaultImax); err != nil {
			errs = append(errs, fmt.Errorf("channel %d current: %w", ch.ID, err))
		}
	}
	return errors.Join(errs...)
}

// SetVoltage sets the voltage set-point of a channel
func (d *Driver) SetVoltage(ctx context.Context, channel int, volts float64) error {
	cmd, err := SetVoltage(channel, volts)
	if err != nil {
		return err
	}
	return d.send(ctx, cmd, channel)
}

// SetCurrent sets the current limit of a channel
func (d *Driver) SetCurrent(ctx context.Context, channel int, amps float64) error {
	cmd, err := SetCurrent(channel, amps)
	if err != nil {
		return err
	}
	return d.send(ctx, cmd, channel)
}

// SetOutput enables or disables a channel in the device's dialect
func (d *Driver) SetOutput(ctx context.Context, channel int, enabled bool) error {
	cmd, err := Output(d.family.Kind, channel, enabled)
	if err != nil {
		return err
	}
	return d.send(ctx, cmd, channel)
}

// LockKeys locks or unlocks the front panel
func (d *Driver) LockKeys(ctx context.Context, locked bool) error {
	return d.send(ctx, Lock(locked), 0)
}

// ReadSetVoltage reads back the voltage set-point
func (d *Driver) ReadSetVoltage(ctx context.Context, channel int) (float64, error) {
	cmd, err := QuerySetVoltage(channel)
	if err != nil {
		return 0, err
	}
	return d.readValue(ctx, cmd)
}

// ReadMeasuredVoltage reads the voltage present on the output
func (d *Driver) ReadMeasuredVoltage(ctx context.Context, channel int) (float64, error) {
	cmd, err := QueryMeasuredVoltage(channel)
	if err != nil {
		return 0, err
	}
	return d.readValue(ctx, cmd)
}

// ReadMeasuredCurrent reads the current drawn from the output
func (d *Driver) ReadMeasuredCurrent(ctx context.Context, channel int) (float64, error) {
	cmd, err := QueryMeasuredCurrent(channel)
	if err != nil {
		return 0, err
	}
	return d.readValue(ctx, cmd)
}
