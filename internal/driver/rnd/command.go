// internal/driver/rnd/command.go
package rnd

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"psu-service/pkg/psu"
)

// setpointPlaces is the number of decimals sent with VSET/ISET
const setpointPlaces = 3

// Command is one ASCII line of the RND command set
type Command struct {
	Text  string
	Query bool
}

func (c Command) String() string {
	return c.Text
}

// Identify builds *IDN?
func Identify() Command {
	return Command{Text: "*IDN?", Query: true}
}

// Lock builds LOCK:1 / LOCK:0
func Lock(locked bool) Command {
	return Command{Text: "LOCK:" + flag(locked)}
}

// Output builds the enable/disable command in the dialect of kind.
// Single-channel supplies always get OUT1/OUT0 whatever channel was asked for.
func Output(kind psu.DeviceKind, channel int, enabled bool) (Command, error) {
	if err := ValidateChannel(channel); err != nil {
		return Command{}, err
	}
	switch kind {
	case psu.KindSingle:
		return Command{Text: "OUT" + flag(enabled)}, nil
	case psu.KindMulti:
		return Command{Text: fmt.Sprintf("OUT%d:%s", channel, flag(enabled))}, nil
	default:
		return Command{}, fmt.Errorf("%w: kind %s", psu.ErrUnknownFamily, kind)
	}
}

// SetVoltage builds VSET{ch}:{v}
func SetVoltage(channel int, volts float64) (Command, error) {
	if err := ValidateChannel(channel); err != nil {
		return Command{}, err
	}
	if err := ValidateVoltage(volts); err != nil {
		return Command{}, err
	}
	return Command{Text: fmt.Sprintf("VSET%d:%s", channel, formatSetpoint(volts))}, nil
}

// SetCurrent builds ISET{ch}:{a}
func SetCurrent(channel int, amps float64) (Command, error) {
	if err := ValidateChannel(channel); err != nil {
		return Command{}, err
	}
	if err := ValidateCurrent(amps); err != nil {
		return Command{}, err
	}
	return Command{Text: fmt.Sprintf("ISET%d:%s", channel, formatSetpoint(amps))}, nil
}

// QuerySetVoltage builds VSET{ch}?
func QuerySetVoltage(channel int) (Command, error) {
	return channelQuery("VSET", channel)
}

// QueryMeasuredVoltage builds VOUT{ch}?
func QueryMeasuredVoltage(channel int) (Command, error) {
	return channelQuery("VOUT", channel)
}

// QueryMeasuredCurrent builds IOUT{ch}?
func QueryMeasuredCurrent(channel int) (Command, error) {
	return channelQuery("IOUT", channel)
}

func channelQuery(prefix string, channel int) (Command, error) {
	if err := ValidateChannel(channel); err != nil {
		return Command{}, err
	}
	return Command{Text: fmt.Sprintf("%s%d?", prefix, channel), Query: true}, nil
}

// ValidateChannel checks channel is within 1..4
func ValidateChannel(channel int) error {
	if channel < psu.MinChannel || channel > psu.MaxChannel {
		return fmt.Errorf("%w: %d (must be %d-%d)", psu.ErrInvalidChannel, channel, psu.MinChannel, psu.MaxChannel)
	}
	return nil
}

// ValidateVoltage checks volts is within 0..30
func ValidateVoltage(volts float64) error {
	if math.IsNaN(volts) || volts < psu.MinVoltage || volts > psu.MaxVoltage {
		return fmt.Errorf("%w: %v V (must be %.1f-%.1f)", psu.ErrInvalidVoltage, volts, psu.MinVoltage, psu.MaxVoltage)
	}
	return nil
}

// ValidateCurrent checks amps is within 0..5
func ValidateCurrent(amps float64) error {
	if math.IsNaN(amps) || amps < psu.MinCurrent || amps > psu.MaxCurrent {
		return fmt.Errorf("%w: %v A (must be %.1f-%.1f)", psu.ErrInvalidCurrent, amps, psu.MinCurrent, psu.MaxCurrent)
	}
	return nil
}

// ParseValue parses a decimal reply. The device never localizes numbers.
func ParseValue(cmd Command, raw []byte) (float64, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return 0, &psu.ParseError{Command: cmd.Text, Raw: string(raw)}
	}
	value, err := decimal.NewFromString(text)
	if err != nil {
		return 0, &psu.ParseError{Command: cmd.Text, Raw: string(raw)}
	}
	return value.InexactFloat64(), nil
}

func formatSetpoint(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(setpointPlaces)
}

func flag(on bool) string {
	if on {
		return "1"
	}
	return "0"
}
