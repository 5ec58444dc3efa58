package periphio

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/gpio/gpiotest"

	"github.com/banshee-data/ultrasonic/internal/hal"
	"github.com/banshee-data/ultrasonic/internal/testutil"
	"github.com/banshee-data/ultrasonic/internal/timeutil"
	"github.com/banshee-data/ultrasonic/internal/ultrasonic"
)

var (
	triggerPin = &gpiotest.Pin{N: "GPIO901", Num: 901, EdgesChan: make(chan gpio.Level, 4)}
	echoPin    = &gpiotest.Pin{N: "GPIO902", Num: 902, EdgesChan: make(chan gpio.Level, 4)}
	sparePin   = &gpiotest.Pin{N: "GPIO903", Num: 903, EdgesChan: make(chan gpio.Level, 4)}
)

func init() {
	for _, p := range []*gpiotest.Pin{triggerPin, echoPin, sparePin} {
		if err := gpioreg.Register(p); err != nil {
			panic(err)
		}
	}
}

func newPin(name string) *gpiotest.Pin {
	return &gpiotest.Pin{N: name, EdgesChan: make(chan gpio.Level, 4)}
}

// edge sets the pin level before signalling, so Read sees the new level
// whichever way WaitForEdge treats the channel value.
func edge(p *gpiotest.Pin, l gpio.Level) {
	p.Lock()
	p.L = l
	p.Unlock()
	p.EdgesChan <- l
}

func TestOutputSet(t *testing.T) {
	p := newPin("out")
	o, err := NewOutput(p, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, o.Channel())
	assert.Equal(t, gpio.Low, p.Read())

	require.NoError(t, o.Set(hal.High))
	assert.Equal(t, gpio.High, p.Read())

	require.NoError(t, o.Close())
	assert.Equal(t, gpio.Low, p.Read())
}

func TestNilPins(t *testing.T) {
	_, err := NewOutput(nil, 1)
	assert.ErrorIs(t, err, hal.ErrNilHandle)
	_, err = NewInput(nil, 1)
	assert.ErrorIs(t, err, hal.ErrNilHandle)
	_, err = NewEdgeCounter(nil, nil)
	assert.ErrorIs(t, err, hal.ErrNilHandle)
}

func TestInputGet(t *testing.T) {
	p := newPin("in")
	in, err := NewInput(p, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, in.Channel())

	l, err := in.Get()
	require.NoError(t, err)
	assert.Equal(t, hal.Low, l)

	p.Lock()
	p.L = gpio.High
	p.Unlock()
	l, err = in.Get()
	require.NoError(t, err)
	assert.Equal(t, hal.High, l)
}

func TestEdgeCounterObserve(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	c := &EdgeCounter{pin: newPin("obs"), clock: clock, done: make(chan struct{})}

	t0 := clock.Now()
	// falling edge with no rise is ignored
	c.observe(gpio.Low, t0)
	d, err := c.Period()
	require.NoError(t, err)
	assert.Zero(t, d)

	c.observe(gpio.High, t0)
	c.observe(gpio.Low, t0.Add(17700*time.Microsecond))
	d, _ = c.Period()
	assert.Equal(t, 17700*time.Microsecond, d)

	// the latched width is consumed by the read
	d, _ = c.Period()
	assert.Zero(t, d)

	c.observe(gpio.High, t0.Add(time.Second))
	c.observe(gpio.Low, t0.Add(time.Second+5*time.Millisecond))
	c.observe(gpio.Low, t0.Add(2*time.Second))
	d, _ = c.Period()
	assert.Equal(t, 5*time.Millisecond, d)
}

func TestEdgeCounterWatchesPin(t *testing.T) {
	p := newPin("echo")
	c, err := NewEdgeCounter(p, timeutil.RealClock{})
	require.NoError(t, err)
	defer c.Close()

	edge(p, gpio.High)
	time.Sleep(2 * time.Millisecond)
	edge(p, gpio.Low)

	var got time.Duration
	require.Eventually(t, func() bool {
		d, _ := c.Period()
		if d > 0 {
			got = d
			return true
		}
		return false
	}, time.Second, time.Millisecond)
	assert.Greater(t, got, time.Duration(0))
	assert.Less(t, got, time.Second)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestAllocator(t *testing.T) {
	a := newAllocator()

	_, err := a.Output(1, 901)
	assert.ErrorIs(t, err, ErrUnsupportedModule)

	_, err = a.Output(0, 9999)
	assert.Error(t, err)

	out, err := a.Output(0, 903)
	require.NoError(t, err)
	assert.Equal(t, 903, out.Channel())

	_, err = a.Input(0, 903)
	assert.True(t, errors.Is(err, hal.ErrChannelInUse))

	closer, ok := out.(interface{ Close() error })
	require.True(t, ok)
	require.NoError(t, closer.Close())
	require.NoError(t, closer.Close())

	in, err := a.Input(0, 903)
	require.NoError(t, err)
	require.NoError(t, in.(interface{ Close() error }).Close())

	_, err = a.NewPulseCounter(testutil.NewFakeInput(1))
	assert.Error(t, err)
}

func TestOpenSessionOnPeriphPins(t *testing.T) {
	a := newAllocator()
	clock := timeutil.NewMockClock(time.Unix(0, 0))

	s, err := ultrasonic.OpenChannels(a, 901, 902, ultrasonic.WithClock(clock))
	require.NoError(t, err)
	assert.True(t, s.Owned())

	require.NoError(t, s.Ping())
	assert.Equal(t, gpio.Low, triggerPin.Read())
	assert.Equal(t, []time.Duration{ultrasonic.PingTime}, clock.Sleeps())

	// the counter has not seen a pulse
	_, ok := s.Capture()
	require.True(t, ok)
	assert.False(t, s.IsRangeValid())

	require.NoError(t, s.Close())

	// channels are free again once the owning session closes
	out, err := a.Output(0, 901)
	require.NoError(t, err)
	require.NoError(t, out.(interface{ Close() error }).Close())
}
