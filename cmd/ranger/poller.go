package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/ultrasonic/internal/db"
	"github.com/banshee-data/ultrasonic/internal/feedback"
	"github.com/banshee-data/ultrasonic/internal/monitoring"
	"github.com/banshee-data/ultrasonic/internal/timeutil"
	"github.com/banshee-data/ultrasonic/internal/ultrasonic"
	"github.com/banshee-data/ultrasonic/internal/units"
)

// Reading is what one poll cycle observed.
type Reading struct {
	Sample   ultrasonic.Sample
	Valid    bool
	Inches   float64
	Median   float64
	Feedback float64
}

func (r Reading) String() string {
	if !r.Valid {
		return fmt.Sprintf("%s dropout (echo %s) feedback=%.2f",
			r.Sample.At.Format(time.RFC3339Nano), r.Sample.Echo, r.Feedback)
	}
	return fmt.Sprintf("%s range=%.2fin median=%.2fin feedback=%.2f",
		r.Sample.At.Format(time.RFC3339Nano), r.Inches, r.Median, r.Feedback)
}

type journal interface {
	RecordSample(db.RangeSample) error
}

// poller is the periodic driver: each tick it pings, waits for the echo and
// captures.
type poller struct {
	session *ultrasonic.Session
	source  feedback.Source
	clock   timeutil.Clock
	delay   time.Duration

	journal journal // optional
	out     io.Writer
	limit   int // stop after this many cycles; 0 runs until cancelled

	onCycle func(Reading) // test hook
}

func newPoller(s *ultrasonic.Session, clock timeutil.Clock, delay time.Duration, out io.Writer) (*poller, error) {
	src, err := feedback.NewAdapter(s)
	if err != nil {
		return nil, err
	}
	return &poller{
		session: s,
		source:  src,
		clock:   clock,
		delay:   delay,
		out:     out,
	}, nil
}

func (p *poller) cycle() (Reading, error) {
	if err := p.session.Ping(); err != nil {
		return Reading{}, fmt.Errorf("ping failed: %w", err)
	}
	p.clock.Sleep(p.delay)
	sample, _ := p.session.Capture()

	r := Reading{
		Sample:   sample,
		Valid:    p.session.IsRangeValid(),
		Inches:   p.session.RangeInches(),
		Feedback: p.source.Get(),
	}
	r.Median = p.session.MedianRange(units.Inches)

	if p.journal != nil {
		err := p.journal.RecordSample(db.RangeSample{
			SessionID:   p.session.ID(),
			CapturedAt:  sample.At,
			Echo:        sample.Echo,
			Valid:       r.Valid,
			RangeInches: r.Inches,
			Feedback:    r.Feedback,
			Units:       p.session.DistanceUnits().String(),
		})
		if err != nil {
			monitoring.Logf("journal: %v", err)
		}
	}
	if p.out != nil {
		fmt.Fprintln(p.out, r)
	}
	return r, nil
}

// run polls on every tick until ctx is done or the cycle limit is reached.
func (p *poller) run(ctx context.Context, ticker timeutil.Ticker) error {
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			r, err := p.cycle()
			if err != nil {
				return err
			}
			if p.onCycle != nil {
				p.onCycle(r)
			}
			n++
			if p.limit > 0 && n >= p.limit {
				return nil
			}
		}
	}
}
