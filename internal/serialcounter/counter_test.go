package serialcounter

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ultrasonic/internal/config"
	"github.com/banshee-data/ultrasonic/internal/testutil"
	"github.com/banshee-data/ultrasonic/internal/timeutil"
	"github.com/banshee-data/ultrasonic/internal/ultrasonic"
)

const speed = config.DefaultSpeedOfSoundInchesPerSec

func TestParseFrame(t *testing.T) {
	tests := []struct {
		frame   string
		want    int
		wantErr bool
	}{
		{"R000", 0, false},
		{"R006", 6, false},
		{"R120", 120, false},
		{"R254", 254, false},
		{"", 0, true},
		{"R12", 0, true},
		{"X120", 0, true},
		{"R1a0", 0, true},
		{"R-12", 0, true},
		{"R+12", 0, true},
		{"R 12", 0, true},
		{"R1200", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.frame, func(t *testing.T) {
			got, err := ParseFrame(tt.frame)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEchoTimeRoundTrip(t *testing.T) {
	d := EchoTime(120, speed)
	s := ultrasonic.Sample{Echo: d}
	assert.InDelta(t, 120, s.Inches(speed), 1e-4)
}

func TestScanFrames(t *testing.T) {
	scan := bufio.NewScanner(strings.NewReader("R010\r\rR020\r\nR030"))
	scan.Split(scanFrames)
	var got []string
	for scan.Scan() {
		got = append(got, scan.Text())
	}
	require.NoError(t, scan.Err())
	if diff := cmp.Diff([]string{"R010", "R020", "R030"}, got); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestMonitorLatchesFrames(t *testing.T) {
	port := NewTestableSerialPort()
	c := NewCounter(port, speed)

	id, frames := c.Subscribe()
	defer c.Unsubscribe(id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Monitor(ctx) }()

	port.AddReadData([]byte("junk\rR042\r"))

	select {
	case f := <-frames:
		assert.Equal(t, "R042", f)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}

	d, err := c.Period()
	require.NoError(t, err)
	assert.Equal(t, EchoTime(42, speed), d)
	assert.Equal(t, uint64(1), c.Frames())

	// consumed by the read
	d, _ = c.Period()
	assert.Zero(t, d)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not exit on cancel")
	}
	require.NoError(t, c.Close())
	assert.True(t, port.IsClosed())
}

func TestMonitorReadError(t *testing.T) {
	port := NewTestableSerialPort()
	c := NewCounter(port, speed)
	errBoom := errors.New("boom")

	done := make(chan error, 1)
	go func() { done <- c.Monitor(context.Background()) }()
	port.FailNextRead(errBoom)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errBoom)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return read error")
	}
}

func TestMonitorReturnsNilAfterClose(t *testing.T) {
	port := NewTestableSerialPort()
	c := NewCounter(port, speed)

	id, frames := c.Subscribe()
	done := make(chan error, 1)
	go func() { done <- c.Monitor(context.Background()) }()

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not exit after Close")
	}

	_, ok := <-frames
	assert.False(t, ok, "subscriber channel should be closed")
	c.Unsubscribe(id)
	require.NoError(t, c.Close())
}

func TestSessionOverSerial(t *testing.T) {
	port := NewTestableSerialPort()
	c := NewCounter(port, speed)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Monitor(ctx)

	_, err := c.NewPulseCounter(nil)
	require.Error(t, err)

	s, err := ultrasonic.New(testutil.NewFakeOutput(1), testutil.NewFakeInput(2), c,
		ultrasonic.WithClock(timeutil.NewMockClock(time.Unix(0, 0))))
	require.NoError(t, err)
	defer s.Close()

	id, frames := c.Subscribe()
	port.AddReadData([]byte("R120\r"))
	<-frames
	c.Unsubscribe(id)

	_, ok := s.Capture()
	require.True(t, ok)
	assert.True(t, s.IsRangeValid())
	assert.InDelta(t, 120, s.RangeInches(), 1e-4)
	assert.InDelta(t, 120*25.4, s.RangeMM(), 1e-2)
}

func TestMockCounter(t *testing.T) {
	c := NewMockCounter(60, 5*time.Millisecond, speed)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Monitor(ctx)

	require.Eventually(t, func() bool { return c.Frames() > 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())
}
