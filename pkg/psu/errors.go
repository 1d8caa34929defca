// pkg/psu/errors.go
package psu

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no serial port answered with a matching identity
	ErrNotFound = errors.New("no power supply matched the identity pattern")

	// ErrNotConnected means the operation needs an active link
	ErrNotConnected = errors.New("power supply not connected")

	// ErrDeploymentActive means the host is deployed and writes are read-only
	ErrDeploymentActive = errors.New("deployment status active (read-only)")

	ErrInvalidChannel = errors.New("invalid channel")
	ErrInvalidVoltage = errors.New("invalid voltage")
	ErrInvalidCurrent = errors.New("invalid current")

	// ErrResponseTimeout means the device did not answer a query in time
	ErrResponseTimeout = errors.New("timed out waiting for power supply response")

	// ErrPowerCycleFailed means an output switch inside a power cycle failed
	ErrPowerCycleFailed = errors.New("power cycle output switch failed")

	// ErrUnknownFamily means the profile maps to no known command dialect
	ErrUnknownFamily = errors.New("unknown power supply family")
)

// OpenError indicates that a serial port could not be opened
type OpenError struct {
	Port string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("could not open port %s: %v", e.Port, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// ParseError indicates a response that is not a decimal value
type ParseError struct {
	Command string
	Raw     string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse response to %s: %q", e.Command, e.Raw)
}

// IsValidationError reports whether err is a local validation failure
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidChannel) ||
		errors.Is(err, ErrInvalidVoltage) ||
		errors.Is(err, ErrInvalidCurrent)
}
