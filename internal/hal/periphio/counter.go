package periphio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/periph/conn/gpio"

	"github.com/banshee-data/ultrasonic/internal/hal"
	"github.com/banshee-data/ultrasonic/internal/monitoring"
	"github.com/banshee-data/ultrasonic/internal/timeutil"
)

// edgeWait bounds each WaitForEdge call so Close is noticed promptly.
const edgeWait = 50 * time.Millisecond

// EdgeCounter times high pulses on a pin in software. Each falling edge
// latches the time since the preceding rising edge. Period hands the latched
// width to exactly one reader; a pulse that was not seen since the last read
// reads as zero.
type EdgeCounter struct {
	pin   gpio.PinIO
	clock timeutil.Clock

	mu   sync.Mutex
	rise time.Time

	period atomic.Int64

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewEdgeCounter enables both-edge detection on pin and starts watching it.
func NewEdgeCounter(pin gpio.PinIO, clock timeutil.Clock) (*EdgeCounter, error) {
	if pin == nil {
		return nil, hal.ErrNilHandle
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if err := pin.In(gpio.PullDown, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("failed to enable edge detection on %s: %w", pin.Name(), err)
	}
	c := &EdgeCounter{
		pin:   pin,
		clock: clock,
		done:  make(chan struct{}),
	}
	c.wg.Add(1)
	go c.watch()
	return c, nil
}

func (c *EdgeCounter) watch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		default:
		}
		if !c.pin.WaitForEdge(edgeWait) {
			continue
		}
		c.observe(c.pin.Read(), c.clock.Now())
	}
}

// observe records one edge. A falling edge without a preceding rising edge
// is ignored.
func (c *EdgeCounter) observe(l gpio.Level, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l == gpio.High {
		c.rise = at
		return
	}
	if c.rise.IsZero() {
		return
	}
	width := at.Sub(c.rise)
	c.rise = time.Time{}
	c.period.Store(int64(width))
	monitoring.Debugf("periphio %s: pulse %s", c.pin.Name(), width)
}

// Period returns the pulse width latched since the previous call, or zero.
func (c *EdgeCounter) Period() (time.Duration, error) {
	return time.Duration(c.period.Swap(0)), nil
}

// Close stops the watcher and disables edge detection.
func (c *EdgeCounter) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.wg.Wait()
		err = c.pin.In(gpio.PullDown, gpio.NoEdge)
	})
	return err
}
