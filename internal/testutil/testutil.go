// Package testutil provides shared test doubles for the hardware
// collaborators in package hal, plus a few assertion helpers.
//
// The fakes are safe for concurrent use so they can stand in for a counter
// that latches from its own goroutine.
package testutil

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/ultrasonic/internal/hal"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// FakeOutput implements hal.DigitalOutput and records every level written.
type FakeOutput struct {
	mu sync.Mutex

	// Ch is the channel number reported by Channel
	Ch int

	// Levels records every level passed to Set, in order
	Levels []hal.Level

	// SetError is returned by the next Set call if set
	SetError error

	// Closed indicates whether Close was called
	Closed bool
}

// NewFakeOutput creates a FakeOutput on channel ch.
func NewFakeOutput(ch int) *FakeOutput {
	return &FakeOutput{Ch: ch}
}

// Set records the level, or returns and clears SetError.
func (o *FakeOutput) Set(l hal.Level) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.SetError != nil {
		err := o.SetError
		o.SetError = nil
		return err
	}
	o.Levels = append(o.Levels, l)
	return nil
}

func (o *FakeOutput) Channel() int { return o.Ch }

// Close marks the output as released.
func (o *FakeOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Closed = true
	return nil
}

// Written returns a copy of the recorded levels.
func (o *FakeOutput) Written() []hal.Level {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]hal.Level, len(o.Levels))
	copy(out, o.Levels)
	return out
}

// IsClosed reports whether Close was called.
func (o *FakeOutput) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Closed
}

// FakeInput implements hal.DigitalInput with a settable level.
type FakeInput struct {
	mu     sync.Mutex
	Ch     int
	Level  hal.Level
	Closed bool
}

// NewFakeInput creates a FakeInput on channel ch.
func NewFakeInput(ch int) *FakeInput {
	return &FakeInput{Ch: ch}
}

func (i *FakeInput) Get() (hal.Level, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.Level, nil
}

func (i *FakeInput) Channel() int { return i.Ch }

// Close marks the input as released.
func (i *FakeInput) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (i *FakeInput) IsClosed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.Closed
}

// FakeCounter implements hal.PulseCounter with a settable latched period.
type FakeCounter struct {
	mu     sync.Mutex
	period time.Duration
	err    error
	closed bool
	reads  int
	In     hal.DigitalInput
}

// SetPeriod latches d as the most recent pulse width.
func (c *FakeCounter) SetPeriod(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.period = d
}

// SetError makes Period return err until cleared with nil.
func (c *FakeCounter) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *FakeCounter) Period() (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.err != nil {
		return 0, c.err
	}
	return c.period, nil
}

func (c *FakeCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Reads returns the number of Period calls.
func (c *FakeCounter) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

// IsClosed reports whether Close was called.
func (c *FakeCounter) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FakeCounterFactory implements hal.CounterFactory, handing out Counter.
type FakeCounterFactory struct {
	// Counter is returned by NewPulseCounter; created on demand if nil
	Counter *FakeCounter

	// Error is returned by NewPulseCounter if set
	Error error
}

// NewFakeCounterFactory creates a factory with a fresh FakeCounter.
func NewFakeCounterFactory() *FakeCounterFactory {
	return &FakeCounterFactory{Counter: &FakeCounter{}}
}

func (f *FakeCounterFactory) NewPulseCounter(in hal.DigitalInput) (hal.PulseCounter, error) {
	if f.Error != nil {
		return nil, f.Error
	}
	if f.Counter == nil {
		f.Counter = &FakeCounter{}
	}
	f.Counter.In = in
	return f.Counter, nil
}

// FakeAllocator implements hal.Allocator with channel bookkeeping.
type FakeAllocator struct {
	*FakeCounterFactory

	mu      sync.Mutex
	inUse   map[string]bool
	Outputs []*FakeOutput
	Inputs  []*FakeInput

	// InputError is returned by Input if set
	InputError error
}

// NewFakeAllocator creates an allocator with a fresh counter factory.
func NewFakeAllocator() *FakeAllocator {
	return &FakeAllocator{
		FakeCounterFactory: NewFakeCounterFactory(),
		inUse:              make(map[string]bool),
	}
}

func (a *FakeAllocator) claim(kind string, module, channel int) error {
	key := fmt.Sprintf("%d/%d", module, channel)
	if a.inUse[key] {
		return fmt.Errorf("%s %s: %w", kind, key, hal.ErrChannelInUse)
	}
	a.inUse[key] = true
	return nil
}

func (a *FakeAllocator) Output(module, channel int) (hal.DigitalOutput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.claim("output", module, channel); err != nil {
		return nil, err
	}
	o := NewFakeOutput(channel)
	a.Outputs = append(a.Outputs, o)
	return o, nil
}

func (a *FakeAllocator) Input(module, channel int) (hal.DigitalInput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.InputError != nil {
		return nil, a.InputError
	}
	if err := a.claim("input", module, channel); err != nil {
		return nil, err
	}
	i := NewFakeInput(channel)
	a.Inputs = append(a.Inputs, i)
	return i, nil
}

// ErrFake is a generic injected failure.
var ErrFake = errors.New("injected failure")
