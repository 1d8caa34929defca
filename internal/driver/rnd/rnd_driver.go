// internal/driver/rnd/rnd_driver.go
package rnd

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"psu-service/internal/config"
	"psu-service/internal/driver"
	"psu-service/internal/protocol"
	"psu-service/internal/utils"
	"psu-service/pkg/psu"
)

const (
	DefaultSettleTime      = 1500 * time.Millisecond
	DefaultResponseTimeout = 2 * time.Second
)

// Options tunes the link timings and the port backend
type Options struct {
	// SettleTime is how long a probed port gets to answer *IDN?
	SettleTime time.Duration
	// ResponseTimeout bounds every query
	ResponseTimeout time.Duration

	Serial *protocol.SerialConfig
	Opener protocol.PortOpener
	Lister protocol.PortLister
	Clock  Clock
}

// OptionsFromConfig builds driver options from the service configuration.
// The port backend is left to the defaults.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SettleTime:      cfg.PSU.SettleTime,
		ResponseTimeout: cfg.PSU.ResponseTimeout,
		Serial: &protocol.SerialConfig{
			DataBits: cfg.Serial.DataBits,
			StopBits: cfg.Serial.StopBits,
			Parity:   cfg.Serial.Parity,
			FrameGap: cfg.Serial.FrameGap,
		},
	}
}

func (o Options) withDefaults() Options {
	if o.SettleTime <= 0 {
		o.SettleTime = DefaultSettleTime
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = DefaultResponseTimeout
	}
	if o.Serial == nil {
		o.Serial = protocol.DefaultSerialConfig()
	}
	if o.Opener == nil {
		o.Opener = protocol.OpenSerialPort
	}
	if o.Lister == nil {
		o.Lister = protocol.ListSerialPorts
	}
	if o.Clock == nil {
		o.Clock = RealClock{}
	}
	return o
}

// Driver implements psu.PowerSupply for RND Lab supplies.
// One mutex serializes every exchange on the link; LinkState lives under it.
// State() reads a copy kept under its own lock, so status reads do not wait
// behind a connect probe.
type Driver struct {
	profile   psu.DeviceProfile
	family    driver.Family
	options   Options
	transport protocol.Transport
	gate      Gate
	logger    *utils.DeviceLogger

	mu        sync.Mutex
	state     psu.LinkState
	responses chan []byte

	snapshotMu sync.RWMutex
	snapshot   psu.LinkState
}

var _ psu.PowerSupply = (*Driver)(nil)

// NewDriver creates a disconnected driver for profile. The command dialect is
// resolved here, once, from the family registry.
func NewDriver(profile psu.DeviceProfile, registry *driver.Registry, gate Gate, logger *zap.Logger, opts Options) (*Driver, error) {
	family, err := registry.Resolve(profile)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	deviceLogger := utils.NewDeviceLogger(logger, profile.Setting, family.Name)

	d := &Driver{
		profile:   profile,
		family:    family,
		options:   opts,
		transport: protocol.NewSerialConnection(opts.Serial, opts.Opener, deviceLogger.Logger),
		gate:      gate,
		logger:    deviceLogger,
		responses: make(chan []byte, 1),
	}

	deviceLogger.Info("PSU driver created",
		zap.Stringer("kind", family.Kind),
		zap.Int("baud_rate", profile.BaudRate),
		zap.Ints("channels", profile.ChannelIDs()),
	)
	return d, nil
}

// Profile returns the device profile the driver was built from
func (d *Driver) Profile() psu.DeviceProfile {
	return d.profile
}

// Kind returns the command dialect
func (d *Driver) Kind() psu.DeviceKind {
	return d.family.Kind
}

// State returns a snapshot of the link state
func (d *Driver) State() psu.LinkState {
	d.snapshotMu.RLock()
	defer d.snapshotMu.RUnlock()
	return d.snapshot
}

// setStateLocked replaces the link state. Caller holds d.mu.
func (d *Driver) setStateLocked(state psu.LinkState) {
	d.state = state
	d.snapshotMu.Lock()
	d.snapshot = state
	d.snapshotMu.Unlock()
}

// TransportStats exposes the serial statistics for diagnostics
func (d *Driver) TransportStats() protocol.ProtocolStats {
	return d.transport.Stats()
}

// targetChannel maps a requested channel onto the physical output.
// Single-channel supplies only have channel 1.
func (d *Driver) targetChannel(requested int) int {
	if d.family.Kind == psu.KindSingle {
		return psu.MinChannel
	}
	return requested
}
