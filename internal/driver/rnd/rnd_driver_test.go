// internal/driver/rnd/rnd_driver_test.go
package rnd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"psu-service/internal/deployment"
	"psu-service/internal/driver"
	"psu-service/internal/sim"
	"psu-service/pkg/psu"
)

var (
	multiProfile = psu.DeviceProfile{
		Setting:  "rig-a",
		Regex:    "RND 790",
		BaudRate: 9600,
		Channels: []psu.ChannelProfile{
			{ID: 1, Usage: "dut", DefaultVout: 5, DefaultImax: 1, DefaultOn: true},
			{ID: 2, Usage: "fan", DefaultVout: 12, DefaultImax: 0.5, DefaultOn: true},
			{ID: 4, Usage: "heater", DefaultVout: 24, DefaultImax: 2, DefaultOn: false},
		},
	}

	singleProfile = psu.DeviceProfile{
		Setting:  "rig-b",
		Regex:    "RND 320",
		BaudRate: 9600,
		Channels: []psu.ChannelProfile{
			{ID: 1, Usage: "dut", DefaultVout: 12, DefaultImax: 1.5, DefaultOn: true},
		},
	}
)

type testRig struct {
	driver *Driver
	bench  *sim.Bench
	flag   *deployment.StaticSource
	clock  *sim.Clock
}

func newTestRig(t *testing.T, profile psu.DeviceProfile, bench *sim.Bench) *testRig {
	t.Helper()

	logger := zap.NewNop()
	registry := driver.NewRegistry(logger)
	driver.RegisterDefaultFamilies(registry, logger)

	flag := deployment.NewStaticSource(false, "bench")
	clock := sim.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	d, err := NewDriver(profile, registry, deployment.NewGate(flag, logger), logger, Options{
		SettleTime:      100 * time.Millisecond,
		ResponseTimeout: 300 * time.Millisecond,
		Opener:          bench.Open,
		Lister:          bench.Ports,
		Clock:           clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if d.State().Connected {
			flag.Set(false)
			d.Disconnect(context.Background())
		}
	})

	return &testRig{driver: d, bench: bench, flag: flag, clock: clock}
}

// connectedRig returns a rig connected to a single simulated device
func connectedRig(t *testing.T, profile psu.DeviceProfile, device *sim.Device) *testRig {
	t.Helper()
	rig := newTestRig(t, profile, sim.NewBench().Attach("/dev/ttyUSB0", device))
	_, err := rig.driver.Connect(context.Background())
	require.NoError(t, err)
	device.ResetWrites()
	return rig
}

func TestConnect_SelectsMatchingPort(t *testing.T) {
	other := sim.NewDevice("RND 320-KA3005P V2.0", 1)
	target := sim.NewDevice("RND 790 V1.1 SN:0042", 4)
	bench := sim.NewBench().
		Attach("/dev/ttyUSB0", other).
		Attach("/dev/ttyUSB1", target)
	rig := newTestRig(t, multiProfile, bench)

	state, err := rig.driver.Connect(context.Background())
	require.NoError(t, err)

	assert.True(t, state.Connected)
	assert.Equal(t, "/dev/ttyUSB1", state.Port)
	assert.Equal(t, "RND 790 V1.1 SN:0042", state.Identity)
	assert.Equal(t, "RND 790 V1.1 SN:0042 connected to port /dev/ttyUSB1", state.String())
	assert.Equal(t, state, rig.driver.State())

	assert.False(t, other.IsOpen(), "unmatched port must be released")
	assert.True(t, target.IsOpen())
}

func TestConnect_NotFound(t *testing.T) {
	device := sim.NewDevice("RND 320-KA3005P V2.0", 1)
	rig := newTestRig(t, multiProfile, sim.NewBench().Attach("/dev/ttyUSB0", device))

	state, err := rig.driver.Connect(context.Background())
	assert.ErrorIs(t, err, psu.ErrNotFound)
	assert.False(t, state.Connected)
	assert.False(t, rig.driver.State().Connected)
	assert.Equal(t, "Not connected", rig.driver.State().String())
	assert.False(t, device.IsOpen())
}

func TestConnect_SkipsPortsThatFailToOpen(t *testing.T) {
	device := sim.NewDevice("RND 790 V1.1", 4)
	bench := sim.NewBench().
		Break("/dev/ttyS0", errors.New("permission denied")).
		Attach("/dev/ttyS1", device)
	rig := newTestRig(t, multiProfile, bench)

	state, err := rig.driver.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS1", state.Port)
}

func TestConnect_SilentDeviceDoesNotMatch(t *testing.T) {
	device := sim.NewDevice("RND 790 V1.1", 4)
	device.SetSilent(true)
	rig := newTestRig(t, multiProfile, sim.NewBench().Attach("/dev/ttyUSB0", device))

	_, err := rig.driver.Connect(context.Background())
	assert.ErrorIs(t, err, psu.ErrNotFound)
	assert.False(t, device.IsOpen())
}

func TestConnect_StateReadableDuringProbe(t *testing.T) {
	first := sim.NewDevice("RND 790 V1.1", 4)
	first.SetSilent(true)
	second := sim.NewDevice("RND 790 V1.1", 4)
	second.SetSilent(true)
	rig := newTestRig(t, multiProfile, sim.NewBench().
		Attach("/dev/ttyUSB0", first).
		Attach("/dev/ttyUSB1", second))

	done := make(chan error, 1)
	go func() {
		_, err := rig.driver.Connect(context.Background())
		done <- err
	}()

	require.Eventually(t, first.IsOpen, time.Second, time.Millisecond)

	start := time.Now()
	state := rig.driver.State()
	assert.Less(t, time.Since(start), 50*time.Millisecond, "State must not wait for the probe")
	assert.False(t, state.Connected)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, psu.ErrNotFound)
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not finish")
	}
}

func TestConnect_WhileConnectedReturnsCurrentState(t *testing.T) {
	device := sim.NewDevice("RND 790 V1.1", 4)
	rig := connectedRig(t, multiProfile, device)

	state, err := rig.driver.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Connected)
	assert.Empty(t, device.Writes(), "no second probe")
}

func TestConnect_InvalidPattern(t *testing.T) {
	profile := multiProfile
	profile.Regex = "RND (790"
	profile.Kind = "multi"
	rig := newTestRig(t, profile, sim.NewBench())

	_, err := rig.driver.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid identity pattern")
}

func TestDisconnect(t *testing.T) {
	device := sim.NewDevice("RND 790 V1.1", 4)
	rig := connectedRig(t, multiProfile, device)
	ctx := context.Background()

	require.NoError(t, rig.driver.LockKeys(ctx, true))
	assert.True(t, device.Locked())

	require.NoError(t, rig.driver.Disconnect(ctx))
	assert.Equal(t, []string{"LOCK:1", "LOCK:0"}, device.Writes())
	assert.False(t, device.Locked())
	assert.False(t, device.IsOpen())
	assert.Equal(t, psu.LinkState{}, rig.driver.State())

	assert.ErrorIs(t, rig.driver.Disconnect(ctx), psu.ErrNotConnected)
}

func TestDisconnect_WhileDeployedSkipsUnlock(t *testing.T) {
	device := sim.NewDevice("RND 790 V1.1", 4)
	rig := connectedRig(t, multiProfile, device)

	rig.flag.Set(true)
	require.NoError(t, rig.driver.Disconnect(context.Background()))
	assert.Empty(t, device.Writes())
	assert.False(t, device.IsOpen())
}

func TestOperationsRequireConnection(t *testing.T) {
	rig := newTestRig(t, multiProfile, sim.NewBench())
	ctx := context.Background()

	assert.ErrorIs(t, rig.driver.SetVoltage(ctx, 1, 5), psu.ErrNotConnected)
	assert.ErrorIs(t, rig.driver.SetOutput(ctx, 1, true), psu.ErrNotConnected)
	assert.ErrorIs(t, rig.driver.LockKeys(ctx, true), psu.ErrNotConnected)

	_, err := rig.driver.ReadMeasuredVoltage(ctx, 1)
	assert.ErrorIs(t, err, psu.ErrNotConnected)

	_, err = rig.driver.PowerCycle(ctx, 1)
	assert.ErrorIs(t, err, psu.ErrNotConnected)
}

func TestValidationHappensBeforeAnyWrite(t *testing.T) {
	device := sim.NewDevice("RND 790 V1.1", 4)
	rig := connectedRig(t, multiProfile, device)
	ctx := context.Background()

	assert.ErrorIs(t, rig.driver.SetVoltage(ctx, 5, 1), psu.ErrInvalidChannel)
	assert.ErrorIs(t, rig.driver.SetVoltage(ctx, 1, 31), psu.ErrInvalidVoltage)
	assert.ErrorIs(t, rig.driver.SetCurrent(ctx, 1, 5.1), psu.ErrInvalidCurrent)
	assert.ErrorIs(t, rig.driver.SetOutput(ctx, 0, true), psu.ErrInvalidChannel)

	_, err := rig.driver.PowerCycle(ctx, 9)
	assert.ErrorIs(t, err, psu.ErrInvalidChannel)

	_, err = rig.driver.ReadSetVoltage(ctx, 0)
	assert.ErrorIs(t, err, psu.ErrInvalidChannel)

	assert.Empty(t, device.Writes())
}

func TestVoltageRoundTrip(t *testing.T) {
	device := sim.NewDevice("RND 790 V1.1", 4)
	rig := connectedRig(t, multiProfile, device)
	ctx := context.Background()

	require.NoError(t, rig.driver.SetVoltage(ctx, 2, 12.5))
	require.NoError(t, rig.driver.SetCurrent(ctx, 2, 0.8))

	v, err := rig.driver.ReadSetVoltage(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	assert.Equal(t, []string{"VSET2:12.500", "ISET2:0.800", "VSET2?"}, device.Writes())
}

func TestMeasurements(t *testing.T) {
	device := sim.NewDevice("RND 790 V1.1", 4)
	rig := connectedRig(t, multiProfile, device)
	ctx := context.Background()

	require.NoError(t, rig.driver.SetVoltage(ctx, 1, 5))
	require.NoError(t, rig.driver.SetCurrent(ctx, 1, 1))

	v, err := rig.driver.ReadMeasuredVoltage(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, v, "output is off")

	require.NoError(t, rig.driver.SetOutput(ctx, 1, true))

	v, err = rig.driver.ReadMeasuredVoltage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	i, err := rig.driver.ReadMeasuredCurrent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.5, i)
}

func TestUnterminatedReplies(t *testing.T) {
	device := sim.NewDevice("RND 790 V1.1", 4)
	device.SetTerminated(false)
	rig := connectedRig(t, multiProfile, device)
	ctx := context.Background()

	require.NoError(t, rig.driver.SetVoltage(ctx, 3, 3.3))
	v, err := rig.driver.ReadSetVoltage(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3.3, v)
}

func TestOutputDialectOnTheWire(t *testing.T) {
	t.Run("single channel", func(t *testing.T) {
		device := sim.NewDevice("RND 320-KA3005P V2.0", 1)
		rig := connectedRig(t, singleProfile, device)
		ctx := context.Background()

		require.NoError(t, rig.driver.SetOutput(ctx, 1, true))
		require.NoError(t, rig.driver.SetOutput(ctx, 3, false))

		assert.Equal(t, []string{"OUT1", "OUT0"}, device.Writes())
		assert.Equal(t, psu.KindSingle, rig.driver.Kind())
	})

	t.Run("multi channel", func(t *testing.T) {
		device := sim.NewDevice("RND 790 V1.1", 4)
		rig := connectedRig(t, multiProfile, device)
		ctx := context.Background()

		require.NoError(t, rig.driver.SetOutput(ctx, 3, true))
		require.NoError(t, rig.driver.SetOutput(ctx, 1, false))

		assert.Equal(t, []string{"OUT3:1", "OUT1:0"}, device.Writes())
		st, _ := device.Channel(3)
		assert.True(t, st.On)
	})
}

func TestReadErrors(t *testing.T) {
	t.Run("garbage reply", func(t *testing.T) {
		device := sim.NewDevice("RND 790 V1.1", 4)
		rig := connectedRig(t, multiProfile, device)
		device.SetGarbage("ERR")

		_, err := rig.driver.ReadMeasuredVoltage(context.Background(), 1)
		var parseErr *psu.ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Equal(t, "VOUT1?", parseErr.Command)
		assert.Equal(t, "ERR", parseErr.Raw)
	})

	t.Run("no reply", func(t *testing.T) {
		device := sim.NewDevice("RND 790 V1.1", 4)
		rig := connectedRig(t, multiProfile, device)
		device.SetSilent(true)

		_, err := rig.driver.ReadSetVoltage(context.Background(), 1)
		assert.ErrorIs(t, err, psu.ErrResponseTimeout)

		// the link keeps working once the device answers again
		device.SetSilent(false)
		require.NoError(t, rig.driver.SetVoltage(context.Background(), 1, 7))
		v, err := rig.driver.ReadSetVoltage(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, 7.0, v)
	})
}

func TestApplyDefaults(t *testing.T) {
	device := sim.NewDevice("RND 790 V1.1", 4)
	rig := connectedRig(t, multiProfile, device)

	require.NoError(t, rig.driver.ApplyDefaults(context.Background()))

	assert.Equal(t, []string{
		"OUT1:1", "VSET1:5.000", "ISET1:1.000",
		"OUT2:1", "VSET2:12.000", "ISET2:0.500",
		"OUT4:0", "VSET4:24.000", "ISET4:2.000",
	}, device.Writes())

	st, _ := device.Channel(2)
	assert.Equal(t, sim.ChannelState{VSet: 12, ISet: 0.5, On: true}, st)
	st, _ = device.Channel(4)
	assert.False(t, st.On)
}

func TestDeploymentGate(t *testing.T) {
	device := sim.NewDevice("RND 790 V1.1", 4)
	rig := connectedRig(t, multiProfile, device)
	ctx := context.Background()

	rig.flag.Set(true)

	assert.ErrorIs(t, rig.driver.SetVoltage(ctx, 1, 5), psu.ErrDeploymentActive)
	assert.ErrorIs(t, rig.driver.SetCurrent(ctx, 1, 1), psu.ErrDeploymentActive)
	assert.ErrorIs(t, rig.driver.SetOutput(ctx, 1, true), psu.ErrDeploymentActive)
	assert.ErrorIs(t, rig.driver.LockKeys(ctx, true), psu.ErrDeploymentActive)
	assert.ErrorIs(t, rig.driver.ApplyDefaults(ctx), psu.ErrDeploymentActive)

	report, err := rig.driver.PowerCycle(ctx, 1)
	assert.ErrorIs(t, err, psu.ErrDeploymentActive)
	assert.Nil(t, report)

	assert.Empty(t, device.Writes(), "no write may reach a deployed supply")
	assert.Zero(t, rig.clock.Waited())

	// reads stay available
	_, err = rig.driver.ReadMeasuredVoltage(ctx, 1)
	require.NoError(t, err)

	// the flag is read on every call
	rig.flag.Set(false)
	require.NoError(t, rig.driver.SetVoltage(ctx, 1, 5))
	assert.Equal(t, []string{"VOUT1?", "VSET1:5.000"}, device.Writes())
}

func TestListPorts(t *testing.T) {
	bench := sim.NewBench().
		Attach("/dev/ttyUSB1", sim.NewDevice("RND 790", 4)).
		Break("/dev/ttyS0", errors.New("busy"))
	rig := newTestRig(t, multiProfile, bench)

	ports, err := rig.driver.ListPorts()
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyS0", "/dev/ttyUSB1"}, ports)
}

func TestNewDriver_UnknownFamily(t *testing.T) {
	logger := zap.NewNop()
	registry := driver.NewRegistry(logger)
	driver.RegisterDefaultFamilies(registry, logger)

	profile := psu.DeviceProfile{Setting: "odd", Regex: "ACME 9000", BaudRate: 9600}
	_, err := NewDriver(profile, registry, deployment.NewGate(deployment.NewStaticSource(false, ""), logger), logger, Options{})
	assert.ErrorIs(t, err, psu.ErrUnknownFamily)
}
