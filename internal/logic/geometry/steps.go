package geometry

import (
	"errors"
	"fmt"
	"math"
)

// DefaultStepAngle is the angle of one step pulse of the turntable, in degrees.
const DefaultStepAngle = 2.5

// epsilon absorbs float noise in angles that are exact multiples of the step.
const epsilon = 1e-9

// ErrInvalidAngle is returned for negative, NaN or infinite angles.
var ErrInvalidAngle = errors.New("geometry: invalid angle")

// Plan is the pulse count for a requested angle.
type Plan struct {
	Requested float64 // degrees asked for
	Effective float64 // degrees actually reachable: Pulses * step angle
	Pulses    int
	Truncated bool // Requested was not a multiple of the step angle
}

// StepsCalculator converts angles to step pulse counts.
type StepsCalculator struct {
	stepAngle float64
}

// NewStepsCalculator creates a calculator for the given step angle.
// A non-positive step angle falls back to DefaultStepAngle.
func NewStepsCalculator(stepAngle float64) *StepsCalculator {
	if stepAngle <= 0 || math.IsNaN(stepAngle) || math.IsInf(stepAngle, 0) {
		stepAngle = DefaultStepAngle
	}
	return &StepsCalculator{stepAngle: stepAngle}
}

// StepAngle returns the degrees per pulse.
func (s *StepsCalculator) StepAngle() float64 {
	return s.stepAngle
}

// PulsesFromAngle truncates degrees toward zero to a whole number of pulses.
// Angles below one step give a zero-pulse plan.
func (s *StepsCalculator) PulsesFromAngle(degrees float64) (Plan, error) {
	if math.IsNaN(degrees) || math.IsInf(degrees, 0) || degrees < 0 {
		return Plan{}, fmt.Errorf("%w: %g", ErrInvalidAngle, degrees)
	}
	pulses := int(math.Floor(degrees/s.stepAngle + epsilon))
	effective := float64(pulses) * s.stepAngle
	return Plan{
		Requested: degrees,
		Effective: effective,
		Pulses:    pulses,
		Truncated: degrees-effective > epsilon,
	}, nil
}

// AngleFromPulses converts a pulse count back to degrees.
func (s *StepsCalculator) AngleFromPulses(pulses int) float64 {
	return float64(pulses) * s.stepAngle
}

// WrapAngle folds degrees into the open interval (-360, 360), keeping the sign.
func WrapAngle(degrees float64) float64 {
	w := math.Mod(degrees, 360)
	if w == 0 {
		return 0 // avoid -0
	}
	return w
}
