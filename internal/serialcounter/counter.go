// Package serialcounter turns the serial output of a MaxSonar sensor into a
// hal.PulseCounter.
//
// The EZ-series sensors transmit the range on their TX pin as an ASCII frame
// "R" followed by three digits of inches and a carriage return. Each frame is
// converted back to the round-trip time a PW counter would have latched, so
// the ranging session treats both wirings the same way.
package serialcounter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/ultrasonic/internal/hal"
	"github.com/banshee-data/ultrasonic/internal/monitoring"
)

// ErrBadFrame is returned by ParseFrame for anything but "R###".
var ErrBadFrame = errors.New("serialcounter: malformed range frame")

// SerialPorter is the minimal interface needed for a serial port.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// Counter reads range frames from a port and latches the matching echo
// time. Monitor must be running for Period to see new frames.
type Counter[T SerialPorter] struct {
	port  T
	speed float64

	period atomic.Int64
	frames atomic.Uint64

	subscriberMu sync.Mutex
	subscribers  map[int]chan string
	nextID       int

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewCounter wraps port. speedOfSoundInchesPerSec converts reported inches
// back to a round-trip time.
func NewCounter[T SerialPorter](port T, speedOfSoundInchesPerSec float64) *Counter[T] {
	return &Counter[T]{
		port:        port,
		speed:       speedOfSoundInchesPerSec,
		subscribers: make(map[int]chan string),
	}
}

// Open opens a real serial port at path.
func Open(path string, opts PortOptions, speedOfSoundInchesPerSec float64) (*Counter[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return NewCounter[serial.Port](port, speedOfSoundInchesPerSec), nil
}

// ParseFrame returns the inches in a frame such as "R042".
func ParseFrame(frame string) (int, error) {
	if len(frame) != 4 || frame[0] != 'R' {
		return 0, fmt.Errorf("%w: %q", ErrBadFrame, frame)
	}
	n := 0
	for _, b := range []byte(frame[1:]) {
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("%w: %q", ErrBadFrame, frame)
		}
		n = n*10 + int(b-'0')
	}
	return n, nil
}

// EchoTime converts a one-way distance to the round trip a PW counter
// would latch.
func EchoTime(inches int, speedOfSoundInchesPerSec float64) time.Duration {
	return time.Duration(float64(inches) * 2 / speedOfSoundInchesPerSec * float64(time.Second))
}

// scanFrames splits on carriage return or newline, dropping empty tokens.
func scanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		return start + i + 1, data[start : start+i], nil
	}
	if atEOF && start < len(data) {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

// Monitor reads frames until ctx is done, the port reaches EOF, or a read
// fails. Malformed frames are logged and skipped.
func (c *Counter[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(c.port)
	scan.Split(scanFrames)

	frameChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(frameChan)
		for scan.Scan() {
			select {
			case frameChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if c.closed.Load() {
				return nil
			}
			return err

		case frame, ok := <-frameChan:
			if !ok {
				return nil
			}
			if c.closed.Load() {
				return nil
			}
			c.handle(frame)
		}
	}
}

func (c *Counter[T]) handle(frame string) {
	inches, err := ParseFrame(frame)
	if err != nil {
		monitoring.Debugf("serialcounter: %v", err)
		return
	}
	c.period.Store(int64(EchoTime(inches, c.speed)))
	c.frames.Add(1)

	c.subscriberMu.Lock()
	for _, ch := range c.subscribers {
		select {
		case ch <- frame:
		default:
			// slow subscribers miss frames
		}
	}
	c.subscriberMu.Unlock()
}

// Period returns the echo time of the frame received since the previous
// call, or zero if none arrived.
func (c *Counter[T]) Period() (time.Duration, error) {
	return time.Duration(c.period.Swap(0)), nil
}

// Frames returns how many valid frames have been received.
func (c *Counter[T]) Frames() uint64 { return c.frames.Load() }

// NewPulseCounter returns c itself; the serial stream is the counter, so the
// echo input is only checked for presence.
func (c *Counter[T]) NewPulseCounter(in hal.DigitalInput) (hal.PulseCounter, error) {
	if in == nil {
		return nil, hal.ErrNilHandle
	}
	return c, nil
}

// Subscribe returns a channel receiving each valid frame. The id is passed
// to Unsubscribe.
func (c *Counter[T]) Subscribe() (int, <-chan string) {
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	id := c.nextID
	c.nextID++
	ch := make(chan string, 8)
	c.subscribers[id] = ch
	return id, ch
}

// Unsubscribe closes and removes a subscriber.
func (c *Counter[T]) Unsubscribe(id int) {
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	if ch, ok := c.subscribers[id]; ok {
		close(ch)
		delete(c.subscribers, id)
	}
}

// Close closes all subscriber channels and the port.
func (c *Counter[T]) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.subscriberMu.Lock()
		for id, ch := range c.subscribers {
			close(ch)
			delete(c.subscribers, id)
		}
		c.subscriberMu.Unlock()
		err = c.port.Close()
	})
	return err
}
