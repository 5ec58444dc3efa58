// Package feedback exposes a ranging session as a scalar input for control
// loops.
package feedback

import "errors"

// ErrNilRanger is returned by NewAdapter when no ranger is supplied.
var ErrNilRanger = errors.New("feedback: nil ranger")

// Source produces the scalar a control loop consumes each cycle.
type Source interface {
	Get() float64
}

// Ranger is the part of a ranging session the adapter needs.
type Ranger interface {
	FeedbackValue() float64
}

// Func adapts a plain function to Source.
type Func func() float64

func (f Func) Get() float64 { return f() }

// Adapter forwards Get to a Ranger. It holds no state of its own.
type Adapter struct {
	r Ranger
}

// NewAdapter wraps r as a Source.
func NewAdapter(r Ranger) (*Adapter, error) {
	if r == nil {
		return nil, ErrNilRanger
	}
	return &Adapter{r: r}, nil
}

// Get returns the ranger's current feedback value. A dropout reads as 0.
func (a *Adapter) Get() float64 {
	return a.r.FeedbackValue()
}

var (
	_ Source = (*Adapter)(nil)
	_ Source = Func(nil)
)
