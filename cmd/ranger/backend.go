package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/banshee-data/ultrasonic/internal/config"
	"github.com/banshee-data/ultrasonic/internal/hal"
	"github.com/banshee-data/ultrasonic/internal/hal/periphio"
	"github.com/banshee-data/ultrasonic/internal/monitoring"
	"github.com/banshee-data/ultrasonic/internal/serialcounter"
	"github.com/banshee-data/ultrasonic/internal/ultrasonic"
)

const (
	backendPeriph = "periph"
	backendSerial = "serial"
	backendDev    = "dev"
)

// freeRunPin stands in for the ping and echo pins of a sensor that ranges
// continuously and reports over serial; there is nothing to drive.
type freeRunPin struct{ ch int }

func (p freeRunPin) Set(hal.Level) error     { return nil }
func (p freeRunPin) Get() (hal.Level, error) { return hal.Low, nil }
func (p freeRunPin) Channel() int            { return p.ch }

// monitored is a serial counter whose Monitor loop must run alongside the
// session.
type monitored interface {
	hal.CounterFactory
	io.Closer
	Monitor(ctx context.Context) error
	Subscribe() (int, <-chan string)
	Unsubscribe(id int)
	Frames() uint64
}

// newDevCounter feeds the dev backend a fixed range.
var newDevCounter = func(inches int, interval time.Duration, speed float64) monitored {
	return serialcounter.NewMockCounter(inches, interval, speed)
}

// openSession builds a session for the chosen backend. The returned wait
// function blocks until any background readers have stopped.
func openSession(ctx context.Context, backend string, cfg *config.SensorConfig, pingCh, echoCh int, port string, devInches int, opts []ultrasonic.Option) (*ultrasonic.Session, func(), error) {
	noop := func() {}

	switch backend {
	case backendPeriph:
		alloc, err := periphio.NewAllocator()
		if err != nil {
			return nil, noop, err
		}
		s, err := ultrasonic.Open(alloc, ultrasonic.DefaultModule, pingCh, ultrasonic.DefaultModule, echoCh, opts...)
		return s, noop, err

	case backendSerial, backendDev:
		var counter monitored
		if backend == backendSerial {
			c, err := serialcounter.Open(port, serialcounter.OptionsFromConfig(cfg.GetSerial()), cfg.GetSpeedOfSoundInchesPerSec())
			if err != nil {
				return nil, noop, err
			}
			counter = c
		} else {
			counter = newDevCounter(devInches, cfg.GetPollInterval()/2, cfg.GetSpeedOfSoundInchesPerSec())
		}

		s, err := ultrasonic.New(freeRunPin{pingCh}, freeRunPin{echoCh}, counter, opts...)
		if err != nil {
			if cerr := counter.Close(); cerr != nil {
				log.Printf("failed to close serial counter: %v", cerr)
			}
			return nil, noop, err
		}

		var wg sync.WaitGroup
		if monitoring.Verbose() {
			id, frames := counter.Subscribe()
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer counter.Unsubscribe(id)
				logFrames(ctx, frames)
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := counter.Monitor(ctx); err != nil && err != context.Canceled {
				log.Printf("serial monitor stopped: %v", err)
			}
			log.Printf("monitor routine terminated after %d frames", counter.Frames())
		}()
		return s, wg.Wait, nil

	default:
		return nil, noop, fmt.Errorf("unknown backend %q: expected %s, %s or %s", backend, backendPeriph, backendSerial, backendDev)
	}
}

// logFrames echoes each raw serial frame until ctx is done or the counter
// closes.
func logFrames(ctx context.Context, frames <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			monitoring.Debugf("serial frame %q", frame)
		}
	}
}

// shutdownGrace bounds how long main waits for background readers.
const shutdownGrace = 2 * time.Second
