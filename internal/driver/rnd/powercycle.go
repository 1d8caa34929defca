// internal/driver/rnd/powercycle.go
package rnd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"psu-service/internal/utils"
	"psu-service/pkg/psu"
)

// Clock abstracts time for the power-cycle runner
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the wall clock
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// CycleState is a step of the power-cycle sequence
type CycleState int

const (
	CycleIdle CycleState = iota
	CycleDisabling
	CycleWaitOff1
	CycleSampleBefore
	CycleWaitOff2
	CycleEnabling
	CycleWaitOn
	CycleSampleAfter
	CycleDone
)

var cycleStateNames = [...]string{
	"idle", "disabling", "wait_off_1", "sample_before",
	"wait_off_2", "enabling", "wait_on", "sample_after", "done",
}

func (s CycleState) String() string {
	if s < 0 || int(s) >= len(cycleStateNames) {
		return fmt.Sprintf("CycleState(%d)", int(s))
	}
	return cycleStateNames[s]
}

// CycleTimings are the three waits of a power cycle
type CycleTimings struct {
	DisableSettle time.Duration
	PreEnable     time.Duration
	PostEnable    time.Duration
}

// Total is the sum of all waits
func (t CycleTimings) Total() time.Duration {
	return t.DisableSettle + t.PreEnable + t.PostEnable
}

// TimingsFor returns the waits for a requested channel.
// Channel 4 feeds slower hardware and gets longer waits.
func TimingsFor(requested int) CycleTimings {
	if requested == 4 {
		return CycleTimings{
			DisableSettle: 3000 * time.Millisecond,
			PreEnable:     3000 * time.Millisecond,
			PostEnable:    2500 * time.Millisecond,
		}
	}
	return CycleTimings{
		DisableSettle: 1500 * time.Millisecond,
		PreEnable:     1500 * time.Millisecond,
		PostEnable:    1250 * time.Millisecond,
	}
}

// cycleIO is what a power cycle needs from the link
type cycleIO interface {
	SetOutput(ctx context.Context, channel int, enabled bool) error
	ReadMeasuredVoltage(ctx context.Context, channel int) (float64, error)
}

// PowerCycle is the power-cycle state machine. Each Step performs the
// current state's action, advances, and returns the delay before the next
// Step. Sample values are recorded for the report and never branched on.
type PowerCycle struct {
	io       cycleIO
	channel  int
	timings  CycleTimings
	state    CycleState
	report   psu.PowerCycleReport
	switches []error
}

// NewPowerCycle prepares a cycle of channel, timed for requested
func NewPowerCycle(io cycleIO, requested, channel int) *PowerCycle {
	return &PowerCycle{
		io:      io,
		channel: channel,
		timings: TimingsFor(requested),
		report: psu.PowerCycleReport{
			RequestedChannel: requested,
			Channel:          channel,
		},
	}
}

// State returns the current state
func (pc *PowerCycle) State() CycleState {
	return pc.state
}

// Done reports whether the sequence has completed
func (pc *PowerCycle) Done() bool {
	return pc.state == CycleDone
}

// Report returns the diagnostic record so far
func (pc *PowerCycle) Report() psu.PowerCycleReport {
	return pc.report
}

// Step runs one transition
func (pc *PowerCycle) Step(ctx context.Context) time.Duration {
	switch pc.state {
	case CycleIdle:
		pc.state = CycleDisabling
	case CycleDisabling:
		pc.switchOutput(ctx, false)
		pc.state = CycleWaitOff1
	case CycleWaitOff1:
		pc.state = CycleSampleBefore
		return pc.timings.DisableSettle
	case CycleSampleBefore:
		pc.report.VoltageBefore = pc.sample(ctx, "sample before")
		pc.state = CycleWaitOff2
	case CycleWaitOff2:
		pc.state = CycleEnabling
		return pc.timings.PreEnable
	case CycleEnabling:
		pc.switchOutput(ctx, true)
		pc.state = CycleWaitOn
	case CycleWaitOn:
		pc.state = CycleSampleAfter
		return pc.timings.PostEnable
	case CycleSampleAfter:
		pc.report.VoltageAfter = pc.sample(ctx, "sample after")
		pc.state = CycleDone
	}
	return 0
}

// Err reports the failed output switches, wrapped in psu.ErrPowerCycleFailed.
// Failed samples only show up in the report.
func (pc *PowerCycle) Err() error {
	if len(pc.switches) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", psu.ErrPowerCycleFailed, errors.Join(pc.switches...))
}

func (pc *PowerCycle) switchOutput(ctx context.Context, enabled bool) {
	step := "disable"
	if enabled {
		step = "enable"
	}
	if err := pc.io.SetOutput(ctx, pc.channel, enabled); err != nil {
		pc.record(err, step)
		pc.switches = append(pc.switches, fmt.Errorf("%s: %w", step, err))
	}
}

func (pc *PowerCycle) sample(ctx context.Context, step string) *float64 {
	v, err := pc.io.ReadMeasuredVoltage(ctx, pc.channel)
	if err != nil {
		pc.record(err, step)
		return nil
	}
	return psu.Float(v)
}

func (pc *PowerCycle) record(err error, step string) {
	if err != nil {
		pc.report.Errors = append(pc.report.Errors, fmt.Sprintf("%s: %v", step, err))
	}
}

// RunPowerCycle drives a cycle to completion on clock. Once started the
// sequence always runs to the end: cancelling ctx does not stop it, so a
// disabled output is always switched on again. The error is Err().
func RunPowerCycle(ctx context.Context, pc *PowerCycle, clock Clock, oplog *utils.OperationLogger) (*psu.PowerCycleReport, error) {
	ctx = context.WithoutCancel(ctx)

	pc.report.StartedAt = clock.Now()
	for !pc.Done() {
		state := pc.state
		wait := pc.Step(ctx)
		if wait <= 0 {
			continue
		}
		if oplog != nil {
			oplog.Progress("Power cycle waiting", float64(state)/float64(CycleDone),
				zap.Stringer("state", state),
				zap.Duration("wait", wait),
			)
		}
		<-clock.After(wait)
		pc.report.Waited += wait
	}
	pc.report.CompletedAt = clock.Now()
	report := pc.report
	return &report, pc.Err()
}

// cycleLink is the link as seen by a running power cycle. The gate is
// checked once before the cycle starts; the switches inside it are not gated.
type cycleLink struct {
	d *Driver
}

func (l cycleLink) SetOutput(ctx context.Context, channel int, enabled bool) error {
	cmd, err := Output(l.d.family.Kind, channel, enabled)
	if err != nil {
		return err
	}
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	return l.d.writeLocked(ctx, cmd)
}

func (l cycleLink) ReadMeasuredVoltage(ctx context.Context, channel int) (float64, error) {
	return l.d.ReadMeasuredVoltage(ctx, channel)
}

// PowerCycle switches a channel off and on again with the channel's settle
// times. Single-channel supplies always cycle their only output.
func (d *Driver) PowerCycle(ctx context.Context, channel int) (*psu.PowerCycleReport, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}
	if err := d.gate.Check(); err != nil {
		d.logger.LogRejectedWrite("power-cycle", channel)
		return nil, err
	}
	if !d.State().Connected {
		return nil, psu.ErrNotConnected
	}

	target := d.targetChannel(channel)
	oplog := utils.NewOperationLogger(d.logger.Logger, "power_cycle", uuid.NewString(), target)
	oplog.Start(
		zap.Int("requested_channel", channel),
		zap.Stringer("kind", d.family.Kind),
	)

	report, err := RunPowerCycle(ctx, NewPowerCycle(cycleLink{d}, channel, target), d.options.Clock, oplog)
	if err != nil {
		oplog.Error(err, zap.Duration("waited", report.Waited), zap.Strings("errors", report.Errors))
		return report, err
	}

	oplog.Success(
		zap.Any("voltage_before", report.VoltageBefore),
		zap.Any("voltage_after", report.VoltageAfter),
		zap.Strings("errors", report.Errors),
	)
	return report, nil
}
