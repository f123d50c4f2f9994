package position

import (
	"sync"

	"github.com/cjeanneret/turntable/internal/hw/stepper"
	"github.com/cjeanneret/turntable/internal/logic/geometry"
	"github.com/cjeanneret/turntable/internal/logic/motion"
)

// Tracker keeps the logical angle of every unit, as shown to the operator.
// It is not validated against the hardware: a position is only known after
// homing, and becomes unknown again after any failed movement.
type Tracker struct {
	mu    sync.Mutex
	angle map[motion.Unit]float64
	known map[motion.Unit]bool
}

func NewTracker() *Tracker {
	return &Tracker{
		angle: make(map[motion.Unit]float64),
		known: make(map[motion.Unit]bool),
	}
}

// Homed sets the unit to 0°.
func (t *Tracker) Homed(u motion.Unit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.angle[u] = 0
	t.known[u] = true
}

// Apply accounts for a finished rotation: forward adds, backward subtracts.
func (t *Tracker) Apply(res motion.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delta := res.Effective
	if res.Direction == stepper.Backward {
		delta = -delta
	}
	t.angle[res.Unit] = geometry.WrapAngle(t.angle[res.Unit] + delta)
}

// Invalidate marks the unit's position unknown until the next homing.
func (t *Tracker) Invalidate(u motion.Unit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.known[u] = false
}

// Position returns the logical angle and whether it is referenced to a homing.
func (t *Tracker) Position(u motion.Unit) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.angle[u], t.known[u]
}
