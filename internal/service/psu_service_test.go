// internal/service/psu_service_test.go
package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"psu-service/internal/deployment"
	"psu-service/internal/driver"
	"psu-service/internal/driver/rnd"
	"psu-service/internal/model"
	"psu-service/internal/repository"
	"psu-service/internal/sim"
	"psu-service/pkg/psu"
)

var benchProfile = psu.DeviceProfile{
	Setting:  "rig-a",
	Regex:    "RND 790",
	BaudRate: 9600,
	Channels: []psu.ChannelProfile{
		{ID: 1, Usage: "dut", DefaultVout: 5, DefaultImax: 1, DefaultOn: true},
		{ID: 2, Usage: "fan", DefaultVout: 12, DefaultImax: 0.5, DefaultOn: true},
		{ID: 3, Usage: "dut", DefaultVout: 3.3, DefaultImax: 0.2, DefaultOn: false},
		{ID: 4, Usage: "heater", DefaultVout: 24, DefaultImax: 2, DefaultOn: true},
	},
}

type serviceRig struct {
	svc     *PSUService
	device  *sim.Device
	flag    *deployment.StaticSource
	journal repository.OperationRepository
	bus     *EventBus
	supply  *rnd.Driver
}

func newServiceRig(t *testing.T) *serviceRig {
	t.Helper()
	logger := zap.NewNop()

	registry := driver.NewRegistry(logger)
	driver.RegisterDefaultFamilies(registry, logger)

	device := sim.NewDevice("RND 790 V1.1", 4)
	bench := sim.NewBench().Attach("/dev/ttyUSB0", device)
	flag := deployment.NewStaticSource(false, "burn-in")
	gate := deployment.NewGate(flag, logger)

	supply, err := rnd.NewDriver(benchProfile, registry, gate, logger, rnd.Options{
		SettleTime:      100 * time.Millisecond,
		ResponseTimeout: 300 * time.Millisecond,
		Opener:          bench.Open,
		Lister:          bench.Ports,
		Clock:           sim.NewClock(time.Now()),
	})
	require.NoError(t, err)

	bus := NewEventBus(logger)
	go bus.Start()

	journal := repository.NewMemoryOperationRepository(100)
	rig := &serviceRig{
		svc:     NewPSUService(supply, gate, journal, bus, logger),
		device:  device,
		flag:    flag,
		journal: journal,
		bus:     bus,
		supply:  supply,
	}
	t.Cleanup(func() {
		bus.Stop()
		if supply.State().Connected {
			flag.Set(false)
			supply.Disconnect(context.Background())
		}
	})
	return rig
}

func (r *serviceRig) connect(t *testing.T) {
	t.Helper()
	_, err := r.svc.Connect(context.Background(), "setup")
	require.NoError(t, err)
	r.device.ResetWrites()
}

func (r *serviceRig) lastOperation(t *testing.T) *model.Operation {
	t.Helper()
	ops, _, err := r.journal.List(context.Background(), &repository.OperationFilter{PerPage: 1})
	require.NoError(t, err)
	require.NotEmpty(t, ops)
	return ops[0]
}

func waitEvent(t *testing.T, ch <-chan model.PSUEvent) model.PSUEvent {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
		return model.PSUEvent{}
	}
}

func TestPSUService_ConnectJournalsAndPublishes(t *testing.T) {
	rig := newServiceRig(t)
	connected := rig.bus.Subscribe(model.EventConnected)

	state, err := rig.svc.Connect(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", state.Port)

	op := rig.lastOperation(t)
	assert.Equal(t, model.OperationTypeConnect, op.OperationType)
	assert.Equal(t, model.OperationStatusSuccess, op.Status)
	assert.Equal(t, "req-1", op.RequestID)
	assert.Equal(t, "rig-a", op.Setting)
	assert.Equal(t, "RND 790 V1.1", op.Details["identity"])

	event := waitEvent(t, connected)
	assert.Equal(t, "RND 790 V1.1 connected to port /dev/ttyUSB0", event.Data["status"])
}

func TestPSUService_Status(t *testing.T) {
	rig := newServiceRig(t)

	status := rig.svc.Status()
	assert.False(t, status.Link.Connected)
	assert.Equal(t, "rig-a", status.Setting)
	assert.Equal(t, psu.KindMulti, status.Kind)
	assert.Len(t, status.Channels, 4)
	assert.False(t, status.DeploymentActive)
	assert.Equal(t, "burn-in", status.RigType)
	require.NotNil(t, status.Transport)
	assert.False(t, status.Transport.IsConnected)

	rig.connect(t)
	rig.flag.Set(true)
	status = rig.svc.Status()
	assert.True(t, status.Link.Connected)
	assert.True(t, status.DeploymentActive)
	assert.True(t, status.Transport.IsConnected)
}

func TestPSUService_SetVoltageReadsBack(t *testing.T) {
	rig := newServiceRig(t)
	rig.connect(t)

	result, err := rig.svc.SetVoltage(context.Background(), 2, 12.3456, "req-2")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Channel)
	assert.Equal(t, 12.3456, result.Requested)
	require.NotNil(t, result.Readback)
	assert.Equal(t, 12.35, *result.Readback)

	op := rig.lastOperation(t)
	assert.Equal(t, model.OperationTypeSetVoltage, op.OperationType)
	require.NotNil(t, op.Channel)
	assert.Equal(t, 2, *op.Channel)
	assert.True(t, op.Value.Valid)
	assert.Equal(t, "12.346", op.Value.Decimal.String())
}

func TestPSUService_SetVoltageWithoutReadback(t *testing.T) {
	rig := newServiceRig(t)
	rig.connect(t)
	rig.device.SetGarbage("??")

	result, err := rig.svc.SetVoltage(context.Background(), 1, 5, "")
	require.NoError(t, err)
	assert.Nil(t, result.Readback)
	assert.Equal(t, model.OperationStatusSuccess, rig.lastOperation(t).Status)
}

func TestPSUService_RejectedWrites(t *testing.T) {
	rig := newServiceRig(t)
	rig.connect(t)
	rejected := rig.bus.Subscribe(model.EventWriteRejected)
	ctx := context.Background()

	rig.flag.Set(true)

	_, err := rig.svc.SetVoltage(ctx, 1, 5, "req-3")
	assert.ErrorIs(t, err, psu.ErrDeploymentActive)
	_, err = rig.svc.SetCurrent(ctx, 1, 1, "req-3")
	assert.ErrorIs(t, err, psu.ErrDeploymentActive)
	assert.ErrorIs(t, rig.svc.ApplyDefaults(ctx, "req-3"), psu.ErrDeploymentActive)
	_, err = rig.svc.PowerCycle(ctx, 1, "req-3")
	assert.ErrorIs(t, err, psu.ErrDeploymentActive)

	assert.Empty(t, rig.device.Writes())

	status := model.OperationStatusRejected
	ops, total, err := rig.journal.List(ctx, &repository.OperationFilter{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.NotNil(t, ops[0].ErrorMessage)
	assert.Contains(t, *ops[0].ErrorMessage, "deployment status active")

	event := waitEvent(t, rejected)
	assert.Equal(t, model.SeverityWarning, event.Severity)
	assert.Equal(t, string(model.OperationTypeSetVoltage), event.Data["operation"])

	rig.flag.Set(false)
	_, err = rig.svc.SetVoltage(ctx, 1, 5, "req-4")
	require.NoError(t, err)
}

func TestPSUService_ReadChannel(t *testing.T) {
	rig := newServiceRig(t)

	_, err := rig.svc.ReadChannel(context.Background(), 7)
	assert.ErrorIs(t, err, psu.ErrInvalidChannel)

	// reads on a dropped link give empty fields, not an error
	reading, err := rig.svc.ReadChannel(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "dut", reading.Usage)
	assert.Nil(t, reading.SetVoltage)
	assert.Nil(t, reading.MeasuredVoltage)
	assert.Nil(t, reading.MeasuredCurrent)

	rig.connect(t)
	ctx := context.Background()
	_, err = rig.svc.SetVoltage(ctx, 4, 20, "")
	require.NoError(t, err)
	_, err = rig.svc.SetCurrent(ctx, 4, 3, "")
	require.NoError(t, err)
	require.NoError(t, rig.svc.SetOutput(ctx, 4, true, ""))

	reading, err = rig.svc.ReadChannel(ctx, 4)
	require.NoError(t, err)
	require.NotNil(t, reading.SetVoltage)
	assert.Equal(t, 20.0, *reading.SetVoltage)
	assert.Equal(t, 20.0, *reading.MeasuredVoltage)
	assert.Equal(t, 2.0, *reading.MeasuredCurrent)
}

func TestPSUService_PowerCycleTarget(t *testing.T) {
	rig := newServiceRig(t)
	rig.connect(t)
	completed := rig.bus.Subscribe(model.EventPowerCycleCompleted)
	ctx := context.Background()

	report, err := rig.svc.PowerCycleTarget(ctx, "heater", true, "req-5")
	require.NoError(t, err)
	assert.Equal(t, 4, report.Channel)
	assert.Equal(t, 8500*time.Millisecond, report.Waited)

	writes := rig.device.Writes()
	require.Len(t, writes, 12+4)
	assert.Equal(t, "OUT1:1", writes[0])
	assert.Equal(t, []string{"OUT4:0", "VOUT4?", "OUT4:1", "VOUT4?"}, writes[12:])

	op := rig.lastOperation(t)
	assert.Equal(t, model.OperationTypePowerCycle, op.OperationType)
	assert.Equal(t, int64(8500), op.Details["waited_ms"])

	event := waitEvent(t, completed)
	require.NotNil(t, event.Channel)
	assert.Equal(t, 4, *event.Channel)
}

func TestPSUService_PowerCycleTargetSkipsDisabledChannels(t *testing.T) {
	rig := newServiceRig(t)
	rig.connect(t)

	// channel 3 also serves "dut" but is off by default
	report, err := rig.svc.PowerCycleTarget(context.Background(), "dut", false, "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Channel)
	assert.Equal(t, 4250*time.Millisecond, report.Waited)
}

func TestPSUService_PowerCycleUnknownTarget(t *testing.T) {
	rig := newServiceRig(t)
	rig.connect(t)

	_, err := rig.svc.PowerCycleTarget(context.Background(), "pump", true, "")
	assert.ErrorIs(t, err, ErrUnknownTarget)
	assert.Contains(t, err.Error(), `"pump"`)
	assert.Empty(t, rig.device.Writes())
}

func TestPSUService_DisconnectAndLock(t *testing.T) {
	rig := newServiceRig(t)
	ctx := context.Background()

	err := rig.svc.Disconnect(ctx, "")
	assert.ErrorIs(t, err, psu.ErrNotConnected)
	assert.Equal(t, model.OperationStatusFailed, rig.lastOperation(t).Status)

	rig.connect(t)
	require.NoError(t, rig.svc.LockKeys(ctx, true, ""))
	assert.True(t, rig.device.Locked())
	assert.Equal(t, true, rig.lastOperation(t).Details["locked"])

	require.NoError(t, rig.svc.Disconnect(ctx, ""))
	assert.False(t, rig.device.Locked())
	assert.False(t, rig.svc.Status().Link.Connected)
}

func TestPSUService_ListPortsAndStats(t *testing.T) {
	rig := newServiceRig(t)

	ports, err := rig.svc.ListPorts()
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyUSB0"}, ports)

	rig.connect(t)
	rig.flag.Set(true)
	rig.svc.SetOutput(context.Background(), 1, true, "")

	stats, err := rig.svc.OperationStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalOperations)
	assert.Equal(t, 1, stats.RejectedOps)

	ops, total, err := rig.svc.ListOperations(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, model.OperationTypeSetOutput, ops[0].OperationType)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, model.OperationStatusSuccess, statusFor(nil))
	assert.Equal(t, model.OperationStatusRejected, statusFor(fmt.Errorf("wrapped: %w", psu.ErrDeploymentActive)))
	assert.Equal(t, model.OperationStatusTimeout, statusFor(fmt.Errorf("VSET1?: %w", psu.ErrResponseTimeout)))
	assert.Equal(t, model.OperationStatusTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, model.OperationStatusFailed, statusFor(errors.New("boom")))
	assert.Equal(t, model.OperationStatusFailed, statusFor(fmt.Errorf("%w: enable: OUT1:1: port closed", psu.ErrPowerCycleFailed)))
}

func TestPSUService_PowerCycleSwitchFailureIsJournaledAsFailed(t *testing.T) {
	rig := newServiceRig(t)
	rig.connect(t)
	completed := rig.bus.Subscribe(model.EventPowerCycleCompleted)

	// the port drops out from under an open link
	require.NoError(t, rig.device.Close())

	report, err := rig.svc.PowerCycle(context.Background(), 1, "req-cycle")
	require.Error(t, err)
	assert.ErrorIs(t, err, psu.ErrPowerCycleFailed)
	require.NotNil(t, report)
	assert.Len(t, report.Errors, 4)

	op := rig.lastOperation(t)
	assert.Equal(t, model.OperationTypePowerCycle, op.OperationType)
	assert.Equal(t, model.OperationStatusFailed, op.Status)
	require.NotNil(t, op.ErrorMessage)
	assert.Contains(t, *op.ErrorMessage, "enable")

	select {
	case <-completed:
		t.Fatal("a failed cycle must not be announced as completed")
	case <-time.After(50 * time.Millisecond):
	}
}
