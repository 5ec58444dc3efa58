// Package ultrasonic implements a single-sensor ultrasonic rangefinder for
// pulse-width sensors such as the Maxbotix LV-MaxSonar-EZ1.
//
// The sensor reports the round-trip time of a ping as the width of a high
// pulse on its PW pin. A hardware pulse counter latches that width and the
// Session reads it out, keeps the last few readings in a circular buffer and
// converts them to distance on demand. Scheduling belongs to the caller: a
// periodic driver calls Ping, waits for the echo, then calls Capture.
//
// Ranging dropouts (no echo, or an echo outside the plausible window) are
// not errors. They surface as IsRangeValid() == false and a zero range.
package ultrasonic

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/ultrasonic/internal/config"
	"github.com/banshee-data/ultrasonic/internal/hal"
	"github.com/banshee-data/ultrasonic/internal/monitoring"
	"github.com/banshee-data/ultrasonic/internal/timeutil"
	"github.com/banshee-data/ultrasonic/internal/units"
)

const (
	// PingTime is the width of the trigger pulse.
	PingTime = config.DefaultPingTime
	// MaxUltrasonicTime is the longest plausible round trip. Echoes at or
	// above it are dropouts.
	MaxUltrasonicTime = config.DefaultMaxEchoTime
	// SpeedOfSoundInchesPerSec is 1130 ft/s.
	SpeedOfSoundInchesPerSec = config.DefaultSpeedOfSoundInchesPerSec
	// DefaultModule is the module number used by OpenChannels.
	DefaultModule = 0
)

// ErrClosed is returned by Ping on a closed session.
var ErrClosed = errors.New("ultrasonic: session closed")

// Session is the live state of one ranging device. All methods are safe for
// concurrent use.
type Session struct {
	id      string
	ping    hal.DigitalOutput
	echo    hal.DigitalInput
	counter hal.PulseCounter
	owned   bool
	clock   timeutil.Clock

	speed    float64
	pingTime time.Duration
	minEcho  time.Duration
	maxEcho  time.Duration
	maxAge   time.Duration
	filter   string

	// pingMu serialises pulses on the ping output so the data lock is
	// never held across the trigger sleep.
	pingMu sync.Mutex

	mu        sync.RWMutex
	enabled   bool
	units     units.Distance
	ring      *SampleRing
	latest    Sample
	hasLatest bool
	closed    bool
}

type options struct {
	cfg   *config.SensorConfig
	clock timeutil.Clock
	units *units.Distance
}

// Option configures a Session at construction time.
type Option func(*options)

// WithConfig sets the conversion, validity and buffering parameters.
func WithConfig(cfg *config.SensorConfig) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithClock replaces the real clock, mainly for tests.
func WithClock(c timeutil.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithUnits sets the default distance unit, overriding the config.
func WithUnits(u units.Distance) Option {
	return func(o *options) { o.units = &u }
}

// New builds a session on borrowed pins. The caller keeps ownership of ping
// and echo; Close leaves them untouched. counters is used once to configure
// the pulse counter on echo, and the session owns that counter.
func New(ping hal.DigitalOutput, echo hal.DigitalInput, counters hal.CounterFactory, opts ...Option) (*Session, error) {
	if ping == nil {
		return nil, fmt.Errorf("ping output: %w", hal.ErrNilHandle)
	}
	if echo == nil {
		return nil, fmt.Errorf("echo input: %w", hal.ErrNilHandle)
	}
	if counters == nil {
		return nil, hal.ErrNilFactory
	}
	return newSession(ping, echo, counters, false, opts)
}

// Open allocates the ping output and echo input from alloc and builds a
// session that owns them. Close releases both.
func Open(alloc hal.Allocator, pingModule, pingChannel, echoModule, echoChannel int, opts ...Option) (*Session, error) {
	if alloc == nil {
		return nil, hal.ErrNilFactory
	}

	ping, err := alloc.Output(pingModule, pingChannel)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate ping output %d/%d: %w", pingModule, pingChannel, err)
	}
	if ping == nil {
		return nil, fmt.Errorf("ping output %d/%d: %w", pingModule, pingChannel, hal.ErrNilHandle)
	}

	echo, err := alloc.Input(echoModule, echoChannel)
	if err != nil {
		release(ping)
		return nil, fmt.Errorf("failed to allocate echo input %d/%d: %w", echoModule, echoChannel, err)
	}
	if echo == nil {
		release(ping)
		return nil, fmt.Errorf("echo input %d/%d: %w", echoModule, echoChannel, hal.ErrNilHandle)
	}

	s, err := newSession(ping, echo, alloc, true, opts)
	if err != nil {
		release(ping)
		release(echo)
		return nil, err
	}
	return s, nil
}

// OpenChannels is Open with both pins on DefaultModule.
func OpenChannels(alloc hal.Allocator, pingChannel, echoChannel int, opts ...Option) (*Session, error) {
	return Open(alloc, DefaultModule, pingChannel, DefaultModule, echoChannel, opts...)
}

func release(v any) error {
	if c, ok := v.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func newSession(ping hal.DigitalOutput, echo hal.DigitalInput, counters hal.CounterFactory, owned bool, opts []Option) (*Session, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cfg == nil {
		o.cfg = config.EmptySensorConfig()
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sensor config: %w", err)
	}
	if o.clock == nil {
		o.clock = timeutil.RealClock{}
	}
	u := o.cfg.GetUnits()
	if o.units != nil {
		u = *o.units
	}
	if !u.IsValid() {
		return nil, fmt.Errorf("invalid distance unit %s: must be one of %s", u, units.GetValidUnitsString())
	}

	counter, err := counters.NewPulseCounter(echo)
	if err != nil {
		return nil, fmt.Errorf("failed to configure pulse counter on channel %d: %w", echo.Channel(), err)
	}
	if counter == nil {
		return nil, fmt.Errorf("pulse counter: %w", hal.ErrNilHandle)
	}

	// the trigger idles low between pings
	if err := ping.Set(hal.Low); err != nil {
		counter.Close()
		return nil, fmt.Errorf("failed to drive ping output low: %w", err)
	}

	s := &Session{
		id:       uuid.NewString(),
		ping:     ping,
		echo:     echo,
		counter:  counter,
		owned:    owned,
		clock:    o.clock,
		speed:    o.cfg.GetSpeedOfSoundInchesPerSec(),
		pingTime: o.cfg.GetPingTime(),
		minEcho:  o.cfg.GetMinEchoTime(),
		maxEcho:  o.cfg.GetMaxEchoTime(),
		maxAge:   o.cfg.GetMaxSampleAge(),
		filter:   o.cfg.GetFeedbackFilter(),
		enabled:  true,
		units:    u,
		ring:     NewSampleRing(o.cfg.GetBufferCapacity()),
	}

	monitoring.Logf("ultrasonic %s: ping ch %d, echo ch %d, units %s, buffer %d, owned=%v",
		s.id, ping.Channel(), echo.Channel(), u, s.ring.Cap(), owned)
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Owned reports whether the session allocated its pins and releases them on Close.
func (s *Session) Owned() bool { return s.owned }

// EnablePings turns trigger pulses on or off. Disabling drives the ping
// output low. Stored samples are kept either way.
func (s *Session) EnablePings(enable bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.enabled = enable
	s.mu.Unlock()

	if enable {
		return nil
	}

	s.pingMu.Lock()
	defer s.pingMu.Unlock()
	if err := s.ping.Set(hal.Low); err != nil {
		return fmt.Errorf("failed to drive ping output low: %w", err)
	}
	return nil
}

// IsPingEnabled reports whether Ping will drive the trigger.
func (s *Session) IsPingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Ping emits a single trigger pulse: high for the ping time, then low.
// It does nothing while pings are disabled.
func (s *Session) Ping() error {
	s.pingMu.Lock()
	defer s.pingMu.Unlock()

	s.mu.RLock()
	enabled, closed := s.enabled, s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !enabled {
		return nil
	}

	if err := s.ping.Set(hal.High); err != nil {
		return fmt.Errorf("failed to drive ping output high: %w", err)
	}
	s.clock.Sleep(s.pingTime)
	if err := s.ping.Set(hal.Low); err != nil {
		return fmt.Errorf("failed to drive ping output low: %w", err)
	}
	return nil
}

// Capture reads the latched pulse width from the counter and stores it as
// the latest sample. A counter error is recorded as a zero-width sample,
// which reads as a dropout. While pings are disabled nothing is stored and
// Capture returns the previous sample with ok == false.
func (s *Session) Capture() (Sample, bool) {
	s.mu.RLock()
	enabled, closed := s.enabled, s.closed
	latest := s.latest
	s.mu.RUnlock()
	if closed || !enabled {
		return latest, false
	}

	echo, err := s.counter.Period()
	if err != nil {
		monitoring.Debugf("ultrasonic %s: counter read failed: %v", s.id, err)
		echo = 0
	}
	if echo < 0 {
		echo = 0
	}
	sample := Sample{Echo: echo, At: s.clock.Now()}

	s.mu.Lock()
	s.ring.Push(sample)
	s.latest = sample
	s.hasLatest = true
	valid := s.validLocked(sample)
	s.mu.Unlock()

	if !valid {
		monitoring.Debugf("ultrasonic %s: dropout, echo %s", s.id, echo)
	}
	return sample, true
}

func (s *Session) validLocked(sample Sample) bool {
	if sample.Echo <= s.minEcho || sample.Echo >= s.maxEcho {
		return false
	}
	if s.maxAge > 0 && s.clock.Since(sample.At) > s.maxAge {
		return false
	}
	return true
}

// IsRangeValid reports whether the latest sample lies strictly inside the
// plausible echo window and, when a maximum age is configured, is fresh.
func (s *Session) IsRangeValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasLatest && s.validLocked(s.latest)
}

func (s *Session) rangeLocked(u units.Distance) float64 {
	if !s.hasLatest || !s.validLocked(s.latest) {
		return 0
	}
	return units.FromInches(s.latest.Inches(s.speed), u)
}

func (s *Session) medianLocked(u units.Distance) float64 {
	var xs []float64
	for _, sample := range s.ring.Samples() {
		if s.validLocked(sample) {
			xs = append(xs, sample.Inches(s.speed))
		}
	}
	if len(xs) == 0 {
		return 0
	}
	sort.Float64s(xs)
	return units.FromInches(stat.Quantile(0.5, stat.Empirical, xs, nil), u)
}

// Range returns the latest valid reading in u, or 0 if it is a dropout.
func (s *Session) Range(u units.Distance) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rangeLocked(u)
}

// RangeInches returns the latest valid reading in inches, or 0.
func (s *Session) RangeInches() float64 {
	return s.Range(units.Inches)
}

// RangeMM returns the latest valid reading in millimeters, or 0.
func (s *Session) RangeMM() float64 {
	return s.Range(units.Millimeters)
}

// MedianRange returns the median of the valid samples in the buffer, in u.
// It returns 0 when the buffer holds no valid samples.
func (s *Session) MedianRange(u units.Distance) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.medianLocked(u)
}

// SetDistanceUnits sets the unit FeedbackValue reports in. Stored samples
// are not touched; conversion happens on read.
func (s *Session) SetDistanceUnits(u units.Distance) error {
	if !u.IsValid() {
		return fmt.Errorf("invalid distance unit %s: must be one of %s", u, units.GetValidUnitsString())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = u
	return nil
}

// DistanceUnits returns the unit FeedbackValue reports in.
func (s *Session) DistanceUnits() units.Distance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.units
}

// FeedbackValue returns the current reading in the session's units for use
// as a control loop input. It never blocks on hardware and returns 0 while
// the latest sample is missing or invalid, even in median mode.
func (s *Session) FeedbackValue() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasLatest || !s.validLocked(s.latest) {
		return 0
	}
	if s.filter == config.FilterMedian {
		return s.medianLocked(s.units)
	}
	return s.rangeLocked(s.units)
}

// Latest returns the most recent sample and whether one has been captured.
func (s *Session) Latest() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasLatest
}

// Samples returns the buffered samples, oldest first.
func (s *Session) Samples() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.Samples()
}

// Capacity returns the fixed depth of the sample buffer.
func (s *Session) Capacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.Cap()
}

// Cursor returns the buffer slot the next capture overwrites.
func (s *Session) Cursor() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.Cursor()
}

// Close releases the pulse counter and, if the session allocated them, the
// ping and echo pins. Borrowed pins are left alone. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if err := s.counter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pulse counter: %w", err))
	}
	if s.owned {
		s.pingMu.Lock()
		if err := release(s.ping); err != nil {
			errs = append(errs, fmt.Errorf("release ping output: %w", err))
		}
		s.pingMu.Unlock()
		if err := release(s.echo); err != nil {
			errs = append(errs, fmt.Errorf("release echo input: %w", err))
		}
	}
	monitoring.Logf("ultrasonic %s: closed (released pins: %v)", s.id, s.owned)
	return errors.Join(errs...)
}
