package motion

import (
	"context"
	"fmt"
	"sort"

	"github.com/cjeanneret/turntable/internal/debug"
	"github.com/cjeanneret/turntable/internal/hw/gpio"
	"github.com/cjeanneret/turntable/internal/hw/stepper"
	"github.com/cjeanneret/turntable/internal/logic/geometry"
	"golang.org/x/sync/semaphore"
)

// Result describes one completed (or aborted) rotation.
type Result struct {
	Unit      Unit
	Direction stepper.Direction
	Requested float64 // degrees asked for
	Effective float64 // degrees actually turned, Pulses * step angle
	Pulses    int     // falling edges counted
	Truncated bool    // Requested was not a multiple of the step angle
}

// Controller is the caller-facing turntable API. It owns the I/O device
// and serializes every motion: at most one direction/output/poll sequence
// touches the device at a time, whatever the unit.
type Controller struct {
	dev   gpio.Device
	calc  *geometry.StepsCalculator
	units map[Unit]*stepper.Stepper
	guard *semaphore.Weighted
}

// NewController creates a controller for the given units. Every stepper
// must drive dev.
func NewController(dev gpio.Device, calc *geometry.StepsCalculator, units map[Unit]*stepper.Stepper) *Controller {
	return &Controller{
		dev:   dev,
		calc:  calc,
		units: units,
		guard: semaphore.NewWeighted(1),
	}
}

// Units returns the configured units in order.
func (c *Controller) Units() []Unit {
	us := make([]Unit, 0, len(c.units))
	for u := range c.units {
		us = append(us, u)
	}
	sort.Slice(us, func(i, j int) bool { return us[i] < us[j] })
	return us
}

// StepAngle returns the degrees per step pulse.
func (c *Controller) StepAngle() float64 {
	return c.calc.StepAngle()
}

// RotateForward turns unit u forward by degrees, truncated to whole steps.
func (c *Controller) RotateForward(ctx context.Context, u Unit, degrees float64) (Result, error) {
	return c.Rotate(ctx, u, stepper.Forward, degrees)
}

// RotateBackward turns unit u backward by degrees, truncated to whole steps.
func (c *Controller) RotateBackward(ctx context.Context, u Unit, degrees float64) (Result, error) {
	return c.Rotate(ctx, u, stepper.Backward, degrees)
}

// Rotate blocks until the unit has turned by degrees or an error occurs.
// Angles below one step are a no-op. After an error the table position
// is unknown and the unit should be homed again.
func (c *Controller) Rotate(ctx context.Context, u Unit, d stepper.Direction, degrees float64) (Result, error) {
	res := Result{Unit: u, Direction: d, Requested: degrees}

	s, err := c.stepper(u)
	if err != nil {
		return res, err
	}
	plan, err := c.calc.PulsesFromAngle(degrees)
	if err != nil {
		return res, err
	}
	res.Truncated = plan.Truncated
	if plan.Truncated {
		debug.Warn("Unit %s: %.3f° is not a multiple of %.1f°, turning %.1f°", u, degrees, c.calc.StepAngle(), plan.Effective)
	}
	if plan.Pulses == 0 {
		debug.Live("Unit %s: %.3f° is below one step, not moving", u, degrees)
		return res, nil
	}

	if err := c.acquire(ctx); err != nil {
		return res, err
	}
	defer c.guard.Release(1)

	debug.Rotate(u.String(), plan.Effective, plan.Pulses, d.String())
	n, err := s.Run(ctx, d, plan.Pulses)
	res.Pulses = n
	res.Effective = c.calc.AngleFromPulses(n)
	if err != nil {
		return res, fmt.Errorf("rotate unit %s %s: %w", u, d, err)
	}
	debug.Stopped(u.String(), n)
	return res, nil
}

// Home turns unit u backward until it reports the zero position.
func (c *Controller) Home(ctx context.Context, u Unit) error {
	s, err := c.stepper(u)
	if err != nil {
		return err
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.guard.Release(1)

	debug.Live("Unit %s: homing", u)
	polls, err := s.Home(ctx)
	if err != nil {
		return fmt.Errorf("home unit %s: %w", u, err)
	}
	debug.Live("Unit %s: at zero position (%d polls)", u, polls)
	return nil
}

// Stop drives every output low. It does not wait for the motion guard so
// it can be used while a rotation is stuck; the stuck loop still has to be
// cancelled through its context.
func (c *Controller) Stop() error {
	debug.Info("Stopping all units")
	return c.dev.ResetOutputs()
}

// Capabilities reports the I/O module's channel counts.
func (c *Controller) Capabilities() (gpio.Capabilities, error) {
	return c.dev.Capabilities()
}

func (c *Controller) stepper(u Unit) (*stepper.Stepper, error) {
	s, ok := c.units[u]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, u)
	}
	return s, nil
}

func (c *Controller) acquire(ctx context.Context) error {
	if err := c.guard.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: waiting for device: %w", stepper.ErrCancelled, err)
	}
	return nil
}
