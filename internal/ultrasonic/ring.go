package ultrasonic

import "time"

// Sample is one captured echo: the round-trip pulse width latched by the
// counter and the time the driver read it out. Validity is not stored; it is
// derived when the sample is read.
type Sample struct {
	Echo time.Duration
	At   time.Time
}

// Inches converts the round-trip echo time to a one-way distance.
func (s Sample) Inches(speedOfSoundInchesPerSec float64) float64 {
	return s.Echo.Seconds() * speedOfSoundInchesPerSec / 2
}

// SampleRing is a fixed-capacity circular buffer of samples. The cursor
// always points at the slot the next Push overwrites. It does no locking;
// Session guards it.
type SampleRing struct {
	buf    []Sample
	cursor int
	count  int
}

// NewSampleRing returns a ring holding at most capacity samples. Capacities
// below one are raised to one.
func NewSampleRing(capacity int) *SampleRing {
	if capacity < 1 {
		capacity = 1
	}
	return &SampleRing{buf: make([]Sample, capacity)}
}

// Push stores s at the cursor and advances the cursor modulo capacity.
func (r *SampleRing) Push(s Sample) {
	r.buf[r.cursor] = s
	r.cursor = (r.cursor + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Cap returns the fixed capacity.
func (r *SampleRing) Cap() int { return len(r.buf) }

// Len returns how many slots hold samples, at most Cap.
func (r *SampleRing) Len() int { return r.count }

// Cursor returns the index of the next slot to overwrite.
func (r *SampleRing) Cursor() int { return r.cursor }

// Samples returns a copy of the stored samples, oldest first.
func (r *SampleRing) Samples() []Sample {
	out := make([]Sample, 0, r.count)
	start := 0
	if r.count == len(r.buf) {
		start = r.cursor
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
