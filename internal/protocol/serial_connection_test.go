// internal/protocol/serial_connection_test.go
package protocol_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"psu-service/internal/protocol"
	"psu-service/internal/sim"
	"psu-service/pkg/psu"
)

func newConnection(t *testing.T, opener protocol.PortOpener) *protocol.SerialConnection {
	t.Helper()
	conn := protocol.NewSerialConnection(&protocol.SerialConfig{FrameGap: 20 * time.Millisecond}, opener, zap.NewNop())
	t.Cleanup(func() { conn.Close() })
	return conn
}

func collectFrames(conn *protocol.SerialConnection) <-chan string {
	frames := make(chan string, 16)
	conn.SetFrameHandler(func(frame []byte) {
		frames <- string(frame)
	})
	return frames
}

func nextFrame(t *testing.T, frames <-chan string) string {
	t.Helper()
	select {
	case frame := <-frames:
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return ""
	}
}

func TestSerialConnection_NewlineFraming(t *testing.T) {
	device := sim.NewDevice("RND 320-KD3005P V2.0", 1)
	conn := newConnection(t, device.Opener())
	ctx := context.Background()

	require.NoError(t, conn.Open(ctx, "/dev/ttyUSB0", 9600))
	assert.True(t, conn.IsOpen())
	assert.Equal(t, "/dev/ttyUSB0", conn.PortName())

	frames := collectFrames(conn)

	require.NoError(t, conn.WriteLine(ctx, []byte("VSET1:12.500")))
	require.NoError(t, conn.WriteLine(ctx, []byte("VSET1?")))
	assert.Equal(t, "12.50", nextFrame(t, frames))

	require.NoError(t, conn.WriteLine(ctx, []byte("*IDN?")))
	assert.Equal(t, "RND 320-KD3005P V2.0", nextFrame(t, frames))

	stats := conn.Stats()
	assert.True(t, stats.IsConnected)
	assert.Equal(t, int64(3), stats.OperationCount)
	assert.Equal(t, int64(2), stats.FramesRead)
	assert.Positive(t, stats.BytesWritten)
	assert.Positive(t, stats.BytesRead)
}

func TestSerialConnection_IdleGapFraming(t *testing.T) {
	device := sim.NewDevice("RND 790 V1.1", 4)
	device.SetTerminated(false)
	conn := newConnection(t, device.Opener())
	ctx := context.Background()

	require.NoError(t, conn.Open(ctx, "/dev/ttyUSB1", 9600))
	frames := collectFrames(conn)

	require.NoError(t, conn.WriteLine(ctx, []byte("VSET2:5")))
	require.NoError(t, conn.WriteLine(ctx, []byte("VSET2?")))
	assert.Equal(t, "5.00", nextFrame(t, frames))

	require.NoError(t, conn.WriteLine(ctx, []byte("ISET2?")))
	assert.Equal(t, "0.00", nextFrame(t, frames))
}

func TestSerialConnection_ReadAvailableWithoutHandler(t *testing.T) {
	device := sim.NewDevice("RND 320-KA3005P", 1)
	conn := newConnection(t, device.Opener())
	ctx := context.Background()

	require.NoError(t, conn.Open(ctx, "/dev/ttyACM0", 9600))
	require.NoError(t, conn.WriteLine(ctx, []byte("*IDN?")))

	var got []byte
	require.Eventually(t, func() bool {
		got = append(got, conn.ReadAvailable()...)
		return len(got) > 0 && got[len(got)-1] == '\n'
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "RND 320-KA3005P\n", string(got))

	assert.Empty(t, conn.ReadAvailable())
}

func TestSerialConnection_ClosedPort(t *testing.T) {
	device := sim.NewDevice("RND 320", 1)
	conn := newConnection(t, device.Opener())
	ctx := context.Background()

	err := conn.WriteLine(ctx, []byte("*IDN?"))
	assert.ErrorIs(t, err, psu.ErrNotConnected)

	require.NoError(t, conn.Open(ctx, "/dev/ttyUSB0", 9600))
	require.NoError(t, conn.Close())
	assert.False(t, conn.IsOpen())
	assert.False(t, device.IsOpen())
	assert.Empty(t, conn.PortName())
	assert.False(t, conn.Stats().IsConnected)

	assert.ErrorIs(t, conn.WriteLine(ctx, []byte("*IDN?")), psu.ErrNotConnected)
	assert.NoError(t, conn.Close())
}

func TestSerialConnection_OpenFailure(t *testing.T) {
	cause := errors.New("permission denied")
	bench := sim.NewBench().Break("/dev/ttyS0", cause)
	conn := newConnection(t, bench.Open)

	err := conn.Open(context.Background(), "/dev/ttyS0", 9600)

	var openErr *psu.OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "/dev/ttyS0", openErr.Port)
	assert.ErrorIs(t, err, cause)
	assert.False(t, conn.IsOpen())
}

func TestSerialConnection_ReopenClosesPrevious(t *testing.T) {
	first := sim.NewDevice("RND 320", 1)
	second := sim.NewDevice("RND 790", 4)
	bench := sim.NewBench().Attach("/dev/ttyUSB0", first).Attach("/dev/ttyUSB1", second)
	conn := newConnection(t, bench.Open)
	ctx := context.Background()

	require.NoError(t, conn.Open(ctx, "/dev/ttyUSB0", 9600))
	require.NoError(t, conn.Open(ctx, "/dev/ttyUSB1", 9600))

	assert.False(t, first.IsOpen())
	assert.True(t, second.IsOpen())
	assert.Equal(t, "/dev/ttyUSB1", conn.PortName())
}

func TestSerialConnection_CancelledContext(t *testing.T) {
	device := sim.NewDevice("RND 320", 1)
	conn := newConnection(t, device.Opener())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, conn.Open(ctx, "/dev/ttyUSB0", 9600), context.Canceled)
	assert.False(t, device.IsOpen())
}
