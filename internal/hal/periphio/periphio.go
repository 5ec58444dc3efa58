// Package periphio backs the hal interfaces with GPIO pins from periph.io.
//
// Boards without a hardware pulse counter get a software one: a goroutine
// waits for edges on the echo pin and times each high pulse with the clock.
// Jitter from scheduling is a few tens of microseconds on a Raspberry Pi,
// well under one inch at the speed of sound.
package periphio

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"

	"github.com/banshee-data/ultrasonic/internal/hal"
	"github.com/banshee-data/ultrasonic/internal/timeutil"
)

// ErrUnsupportedModule is returned for any module other than 0; a single
// board exposes one GPIO bank addressed by BCM number.
var ErrUnsupportedModule = errors.New("periphio: only module 0 is supported")

// Output drives a GPIO pin.
type Output struct {
	pin gpio.PinIO
	ch  int
}

// NewOutput wraps pin as a hal.DigitalOutput on channel ch.
func NewOutput(pin gpio.PinIO, ch int) (*Output, error) {
	if pin == nil {
		return nil, hal.ErrNilHandle
	}
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("failed to configure %s as output: %w", pin.Name(), err)
	}
	return &Output{pin: pin, ch: ch}, nil
}

func (o *Output) Set(l hal.Level) error {
	return o.pin.Out(gpio.Level(l))
}

func (o *Output) Channel() int { return o.ch }

// Close drives the pin low and halts it.
func (o *Output) Close() error {
	if err := o.pin.Out(gpio.Low); err != nil {
		return err
	}
	return o.pin.Halt()
}

// Input reads a GPIO pin.
type Input struct {
	pin gpio.PinIO
	ch  int
}

// NewInput wraps pin as a hal.DigitalInput on channel ch. The pin is
// configured pulled down with both-edge detection so a counter can be
// attached later.
func NewInput(pin gpio.PinIO, ch int) (*Input, error) {
	if pin == nil {
		return nil, hal.ErrNilHandle
	}
	if err := pin.In(gpio.PullDown, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("failed to configure %s as input: %w", pin.Name(), err)
	}
	return &Input{pin: pin, ch: ch}, nil
}

func (i *Input) Get() (hal.Level, error) {
	return hal.Level(i.pin.Read()), nil
}

func (i *Input) Channel() int { return i.ch }

// Pin returns the underlying periph pin.
func (i *Input) Pin() gpio.PinIO { return i.pin }

func (i *Input) Close() error { return i.pin.Halt() }

// Allocator resolves channel numbers through gpioreg and hands out pins.
// It also builds edge counters for the inputs it returns.
type Allocator struct {
	Clock timeutil.Clock

	mu    sync.Mutex
	inUse map[int]bool
}

// NewAllocator initialises the host drivers and returns an allocator.
func NewAllocator() (*Allocator, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialise periph host: %w", err)
	}
	return newAllocator(), nil
}

func newAllocator() *Allocator {
	return &Allocator{
		Clock: timeutil.RealClock{},
		inUse: make(map[int]bool),
	}
}

func (a *Allocator) lookup(module, channel int) (gpio.PinIO, error) {
	if module != 0 {
		return nil, fmt.Errorf("module %d: %w", module, ErrUnsupportedModule)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inUse[channel] {
		return nil, fmt.Errorf("channel %d: %w", channel, hal.ErrChannelInUse)
	}
	pin := gpioreg.ByName(strconv.Itoa(channel))
	if pin == nil {
		pin = gpioreg.ByName("GPIO" + strconv.Itoa(channel))
	}
	if pin == nil {
		return nil, fmt.Errorf("no GPIO pin for channel %d", channel)
	}
	a.inUse[channel] = true
	return pin, nil
}

func (a *Allocator) free(channel int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, channel)
}

// Output allocates channel as the ping output.
func (a *Allocator) Output(module, channel int) (hal.DigitalOutput, error) {
	pin, err := a.lookup(module, channel)
	if err != nil {
		return nil, err
	}
	o, err := NewOutput(pin, channel)
	if err != nil {
		a.free(channel)
		return nil, err
	}
	return &allocatedOutput{Output: o, release: func() { a.free(channel) }}, nil
}

// Input allocates channel as the echo input.
func (a *Allocator) Input(module, channel int) (hal.DigitalInput, error) {
	pin, err := a.lookup(module, channel)
	if err != nil {
		return nil, err
	}
	in, err := NewInput(pin, channel)
	if err != nil {
		a.free(channel)
		return nil, err
	}
	return &allocatedInput{Input: in, release: func() { a.free(channel) }}, nil
}

// NewPulseCounter starts an edge counter on in, which must come from this
// package.
func (a *Allocator) NewPulseCounter(in hal.DigitalInput) (hal.PulseCounter, error) {
	var pin gpio.PinIO
	switch v := in.(type) {
	case *Input:
		pin = v.Pin()
	case *allocatedInput:
		pin = v.Pin()
	default:
		return nil, fmt.Errorf("periphio: input on channel %d is not a periph pin", in.Channel())
	}
	return NewEdgeCounter(pin, a.Clock)
}

// allocatedOutput and allocatedInput give the channel back to the allocator
// on the first Close.
type allocatedOutput struct {
	*Output
	once    sync.Once
	release func()
}

func (a *allocatedOutput) Close() error {
	var err error
	a.once.Do(func() {
		err = a.Output.Close()
		a.release()
	})
	return err
}

type allocatedInput struct {
	*Input
	once    sync.Once
	release func()
}

func (a *allocatedInput) Close() error {
	var err error
	a.once.Do(func() {
		err = a.Input.Close()
		a.release()
	})
	return err
}
