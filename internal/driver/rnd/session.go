// internal/driver/rnd/session.go
package rnd

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"psu-service/pkg/psu"
)

// Connect probes every serial port for a supply whose *IDN? reply matches the
// profile regex. The first match is kept; unmatched ports are closed before
// moving on. Connecting while connected returns the current state.
func (d *Driver) Connect(ctx context.Context) (psu.LinkState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state.Connected {
		return d.state, nil
	}

	pattern, err := regexp.Compile(d.profile.Regex)
	if err != nil {
		return psu.LinkState{}, fmt.Errorf("invalid identity pattern %q: %w", d.profile.Regex, err)
	}

	ports, err := d.options.Lister()
	if err != nil {
		d.logger.LogConnection("enumerate", "", err)
		return psu.LinkState{}, err
	}

	d.logger.Info("Probing serial ports",
		zap.Strings("ports", ports),
		zap.String("pattern", d.profile.Regex),
	)

	for _, port := range ports {
		if err := ctx.Err(); err != nil {
			return psu.LinkState{}, err
		}

		identity, err := d.probe(ctx, port)
		if err != nil {
			var openErr *psu.OpenError
			if errors.As(err, &openErr) {
				d.logger.LogConnection("probe", port, err)
				continue
			}
			d.closeTransport()
			return psu.LinkState{}, err
		}

		if !pattern.MatchString(identity) {
			d.logger.Debug("Identity did not match",
				zap.String("port", port),
				zap.String("identity", identity),
			)
			d.closeTransport()
			continue
		}

		if err := d.transport.ResetInput(); err != nil {
			d.logger.Warn("Failed to reset input buffer", zap.String("port", port), zap.Error(err))
		}
		d.drainResponses()
		d.transport.SetFrameHandler(d.onFrame)

		d.setStateLocked(psu.LinkState{
			Connected: true,
			Identity:  identity,
			Port:      port,
		})
		d.logger.LogConnection("connect", port, nil)
		return d.state, nil
	}

	d.logger.LogConnection("connect", "", psu.ErrNotFound)
	return psu.LinkState{}, psu.ErrNotFound
}

// probe opens port, asks for the identity and returns whatever arrived
// within the settle time
func (d *Driver) probe(ctx context.Context, port string) (string, error) {
	if err := d.transport.Open(ctx, port, d.profile.BaudRate); err != nil {
		return "", err
	}

	if err := d.transport.WriteLine(ctx, []byte(Identify().Text)); err != nil {
		d.closeTransport()
		return "", &psu.OpenError{Port: port, Err: err}
	}

	timer := time.NewTimer(d.options.SettleTime)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return strings.TrimSpace(string(d.transport.ReadAvailable())), nil
}

// Disconnect unlocks the keys, closes the port and clears the link state.
// The unlock is best-effort and still subject to the deployment gate.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.state.Connected {
		return psu.ErrNotConnected
	}

	if err := d.sendLocked(ctx, Lock(false), 0); err != nil {
		d.logger.Warn("Unlock before disconnect failed", zap.Error(err))
	}

	port := d.state.Port
	d.transport.SetFrameHandler(nil)
	err := d.closeTransport()
	d.drainResponses()
	d.setStateLocked(psu.LinkState{})

	d.logger.LogConnection("disconnect", port, err)
	return err
}

func (d *Driver) closeTransport() error {
	if !d.transport.IsOpen() {
		return nil
	}
	return d.transport.Close()
}

// ListPorts returns the serial ports Connect would probe
func (d *Driver) ListPorts() ([]string, error) {
	return d.options.Lister()
}
