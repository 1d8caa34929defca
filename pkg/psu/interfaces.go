// pkg/psu/interfaces.go
package psu

import "context"

// PowerSupply is the caller-facing surface of a PSU link.
// Every mutating call is checked against the deployment gate.
type PowerSupply interface {
	// Connection management
	Connect(ctx context.Context) (LinkState, error)
	Disconnect(ctx context.Context) error
	State() LinkState

	// Device information
	Profile() DeviceProfile
	Kind() DeviceKind

	// Writes
	ApplyDefaults(ctx context.Context) error
	SetVoltage(ctx context.Context, channel int, volts float64) error
	SetCurrent(ctx context.Context, channel int, amps float64) error
	SetOutput(ctx context.Context, channel int, enabled bool) error
	LockKeys(ctx context.Context, locked bool) error
	PowerCycle(ctx context.Context, channel int) (*PowerCycleReport, error)

	// Reads
	ReadSetVoltage(ctx context.Context, channel int) (float64, error)
	ReadMeasuredVoltage(ctx context.Context, channel int) (float64, error)
	ReadMeasuredCurrent(ctx context.Context, channel int) (float64, error)
}

// FlagSource reports host environment flags. Implementations must not cache.
type FlagSource interface {
	DeploymentActive() (bool, error)
	RigType() (string, error)
}
