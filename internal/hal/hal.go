// Package hal defines the hardware collaborators the ranging driver talks to:
// digital pins, a pulse-duration counter and a channel allocator. Backends
// live in sub-packages; the driver itself only sees these interfaces.
package hal

import (
	"errors"
	"time"
)

var (
	// ErrNilHandle is returned when a required pin or counter is nil.
	ErrNilHandle = errors.New("hal: nil hardware handle")
	// ErrNilFactory is returned when no counter factory or allocator is supplied.
	ErrNilFactory = errors.New("hal: nil counter factory")
	// ErrChannelInUse is returned by allocators when a channel is already owned.
	ErrChannelInUse = errors.New("hal: channel already allocated")
)

// Level is the logic level of a digital pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "High"
	}
	return "Low"
}

// DigitalOutput is a pin the driver drives, used for the ping trigger.
type DigitalOutput interface {
	// Set drives the pin to the given level.
	Set(Level) error
	// Channel returns the channel number the pin is wired to.
	Channel() int
}

// DigitalInput is a pin the driver only references for configuration; the
// pulse counter is what actually watches it.
type DigitalInput interface {
	// Get returns the current pin level.
	Get() (Level, error)
	// Channel returns the channel number the pin is wired to.
	Channel() int
}

// PulseCounter measures the width of high pulses on an input. It latches
// edges asynchronously and Period returns the most recent measurement.
// A counter that has never latched returns zero.
type PulseCounter interface {
	Period() (time.Duration, error)
	Close() error
}

// CounterFactory configures a PulseCounter to measure high pulses on in.
type CounterFactory interface {
	NewPulseCounter(in DigitalInput) (PulseCounter, error)
}

// Allocator hands out pins by module and channel number. Handles it returns
// implement io.Closer; whoever allocates them is responsible for closing.
type Allocator interface {
	CounterFactory
	Output(module, channel int) (DigitalOutput, error)
	Input(module, channel int) (DigitalInput, error)
}
