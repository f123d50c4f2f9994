package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/turntable/internal/debug"
	"github.com/cjeanneret/turntable/internal/hw/stepper"
	"github.com/cjeanneret/turntable/internal/logic/motion"
	"github.com/cjeanneret/turntable/internal/logic/position"
)

// Mover is the part of motion.Controller a sweep needs.
type Mover interface {
	Rotate(ctx context.Context, u motion.Unit, d stepper.Direction, degrees float64) (motion.Result, error)
	Home(ctx context.Context, u motion.Unit) error
}

// Stop is one measurement position of a sweep.
type Stop struct {
	Index int     // 0-based
	Angle float64 // logical angle of the unit at this stop
}

// Measurer is called once the table rests at a stop.
type Measurer interface {
	Measure(ctx context.Context, s Stop) error
}

// MeasurerFunc adapts a function to Measurer.
type MeasurerFunc func(ctx context.Context, s Stop) error

func (f MeasurerFunc) Measure(ctx context.Context, s Stop) error { return f(ctx, s) }

// Params defines a sweep.
type Params struct {
	Unit      motion.Unit
	Direction stepper.Direction
	StepDeg   float64       // rotation between stops
	Stops     int           // number of measurement positions, including the first
	Home      bool          // home before the first stop
	Dwell     time.Duration // wait after each move before measuring
}

// Sequence steps one turntable unit through a series of measurement stops.
type Sequence struct {
	motion   Mover
	tracker  *position.Tracker
	measurer Measurer
}

func NewSequence(m Mover, t *position.Tracker, meas Measurer) *Sequence {
	return &Sequence{
		motion:   m,
		tracker:  t,
		measurer: meas,
	}
}

// Run homes (optionally), then alternates measure and rotate until
// p.Stops measurements are done. Any motion error leaves the tracked
// position unknown.
func (s *Sequence) Run(ctx context.Context, p Params) error {
	if p.Stops <= 0 {
		return errors.New("sweep: stops must be > 0")
	}
	if p.Stops > 1 && p.StepDeg <= 0 {
		return errors.New("sweep: step_deg must be > 0")
	}

	debug.Section("Sweep")
	debug.Live("Unit %s: %d stops, %.1f° apart (%s)", p.Unit, p.Stops, p.StepDeg, p.Direction)

	if p.Home {
		if err := s.motion.Home(ctx, p.Unit); err != nil {
			s.tracker.Invalidate(p.Unit)
			return err
		}
		s.tracker.Homed(p.Unit)
	}

	for i := 0; i < p.Stops; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if i > 0 {
			res, err := s.motion.Rotate(ctx, p.Unit, p.Direction, p.StepDeg)
			if err != nil {
				s.tracker.Invalidate(p.Unit)
				return err
			}
			s.tracker.Apply(res)
			if err := sleep(ctx, p.Dwell); err != nil {
				return err
			}
		}

		angle, known := s.tracker.Position(p.Unit)
		if !known {
			debug.Verbose("Unit %s: position not referenced, angle is relative", p.Unit)
		}
		stop := Stop{Index: i, Angle: angle}
		debug.Live("Stop %d/%d at %.1f°", i+1, p.Stops, angle)
		if err := s.measurer.Measure(ctx, stop); err != nil {
			return fmt.Errorf("measure at stop %d: %w", i, err)
		}
	}

	debug.Live("Sweep complete")
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
