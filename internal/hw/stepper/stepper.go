package stepper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/turntable/internal/debug"
	"github.com/cjeanneret/turntable/internal/hw/gpio"
)

var (
	// ErrStalledMotion is returned when a loop exceeds MaxPolls or
	// MaxDuration before reaching its stop condition.
	ErrStalledMotion = errors.New("stepper: stalled motion")

	// ErrCancelled is returned when the caller's context ends a loop.
	ErrCancelled = errors.New("stepper: cancelled")
)

// Direction of rotation.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Bindings are the four channels wired to one turntable unit.
type Bindings struct {
	Forward  gpio.Channel // drive forward (output)
	Backward gpio.Channel // drive backward (output)
	Step     gpio.Channel // one pulse per step (input)
	Zero     gpio.Channel // zero position, Low at home (input)
}

// Channels returns the bindings in forward, backward, step, zero order.
func (b Bindings) Channels() []gpio.Channel {
	return []gpio.Channel{b.Forward, b.Backward, b.Step, b.Zero}
}

// Validate checks that every channel is addressable and that no channel
// is bound twice.
func (b Bindings) Validate() error {
	names := []string{"forward", "backward", "step", "zero"}
	seen := make(map[gpio.Channel]string, 4)
	for i, ch := range b.Channels() {
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("%s channel: %w", names[i], err)
		}
		if other, dup := seen[ch]; dup {
			return fmt.Errorf("%w: channel %d bound to both %s and %s", gpio.ErrInvalidChannel, ch, other, names[i])
		}
		seen[ch] = names[i]
	}
	return nil
}

// Drive returns the output channel for d.
func (b Bindings) Drive(d Direction) gpio.Channel {
	if d == Backward {
		return b.Backward
	}
	return b.Forward
}

// Config holds the timing of the drive loops.
type Config struct {
	// SettleDelay is waited after asserting a drive bit before sampling
	// the step input. 0 = no wait.
	SettleDelay time.Duration
	// Poll paces sampling. Nil means BusyPoll.
	Poll PollStrategy
	// MaxPolls bounds the number of samples per call. 0 = unbounded.
	MaxPolls int
	// MaxDuration bounds the wall-clock time per call. 0 = unbounded.
	MaxDuration time.Duration
	// HomeEdgeTriggered stops homing on a falling edge of the zero input
	// instead of on the first Low sample.
	HomeEdgeTriggered bool
}

// Stepper drives one turntable unit: it asserts a drive bit and counts
// falling edges on the step input until the target is reached.
type Stepper struct {
	gpio gpio.Driver
	name string
	bind Bindings
	cfg  Config
}

// NewStepper creates a drive for the unit wired as b.
func NewStepper(g gpio.Driver, name string, b Bindings, cfg Config) (*Stepper, error) {
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("unit %s: %w", name, err)
	}
	if cfg.Poll == nil {
		cfg.Poll = BusyPoll{}
	}
	return &Stepper{
		gpio: g,
		name: name,
		bind: b,
		cfg:  cfg,
	}, nil
}

// Name returns the unit label.
func (s *Stepper) Name() string { return s.name }

// Bindings returns the unit's channel map.
func (s *Stepper) Bindings() Bindings { return s.bind }

// Run rotates in direction d until pulses falling edges have been seen on
// the step input, then deasserts the drive bit. It returns the number of
// edges counted. pulses <= 0 touches no channel.
func (s *Stepper) Run(ctx context.Context, d Direction, pulses int) (int, error) {
	if pulses <= 0 {
		return 0, nil
	}
	drive := s.bind.Drive(d)
	debug.Verbose("Stepper %s: %d pulses %s on channel %d", s.name, pulses, d, drive)

	if err := s.assert(drive); err != nil {
		return 0, err
	}
	if err := sleep(ctx, s.cfg.SettleDelay); err != nil {
		return 0, s.abort(drive, cancelled(err))
	}

	var (
		edges EdgeDetector
		count int
		lim   = s.newLimiter()
	)
	for {
		if err := lim.check(ctx); err != nil {
			return count, s.abort(drive, fmt.Errorf("unit %s: %d of %d pulses: %w", s.name, count, pulses, err))
		}
		level, err := s.gpio.ReadInput(s.bind.Step)
		if err != nil {
			return count, s.abort(drive, err)
		}
		if edges.Push(level) {
			count++
			debug.Trace("Stepper %s: pulse %d/%d", s.name, count, pulses)
			if count == pulses {
				return count, s.release(drive)
			}
		}
		if err := s.cfg.Poll.Wait(ctx); err != nil {
			return count, s.abort(drive, cancelled(err))
		}
	}
}

// Home rotates backward until the zero input reports the home position,
// then deasserts the drive bit. It returns the number of samples taken.
//
// By default the zero input is level-polled: the first Low sample stops
// the motor. With HomeEdgeTriggered the loop waits for a High to Low
// transition instead, so a unit already at home turns until it reaches
// home again.
func (s *Stepper) Home(ctx context.Context) (int, error) {
	drive := s.bind.Backward
	debug.Verbose("Stepper %s: homing on channel %d (zero=%d)", s.name, drive, s.bind.Zero)

	if err := s.assert(drive); err != nil {
		return 0, err
	}

	var (
		edges EdgeDetector
		polls int
		lim   = s.newLimiter()
	)
	for {
		if err := lim.check(ctx); err != nil {
			return polls, s.abort(drive, fmt.Errorf("unit %s: homing: %w", s.name, err))
		}
		level, err := s.gpio.ReadInput(s.bind.Zero)
		if err != nil {
			return polls, s.abort(drive, err)
		}
		polls++

		home := level == gpio.Low
		if s.cfg.HomeEdgeTriggered {
			home = edges.Push(level)
		}
		if home {
			return polls, s.release(drive)
		}
		if err := s.cfg.Poll.Wait(ctx); err != nil {
			return polls, s.abort(drive, cancelled(err))
		}
	}
}

// Halt deasserts both drive bits without taking any other action.
func (s *Stepper) Halt() error {
	return errors.Join(
		s.gpio.SetOutput(s.bind.Forward, gpio.Low),
		s.gpio.SetOutput(s.bind.Backward, gpio.Low),
	)
}

func (s *Stepper) assert(drive gpio.Channel) error {
	if err := s.gpio.SetDirection(drive); err != nil {
		return err
	}
	return s.gpio.SetOutput(drive, gpio.High)
}

func (s *Stepper) release(drive gpio.Channel) error {
	return s.gpio.SetOutput(drive, gpio.Low)
}

// abort stops the motor and returns cause, joined with any stop failure.
func (s *Stepper) abort(drive gpio.Channel, cause error) error {
	debug.Error(cause)
	if err := s.release(drive); err != nil {
		return errors.Join(cause, fmt.Errorf("unit %s: stop failed: %w", s.name, err))
	}
	return cause
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// limiter enforces MaxPolls and MaxDuration for one loop.
type limiter struct {
	maxPolls int
	deadline time.Time
	polls    int
}

func (s *Stepper) newLimiter() *limiter {
	l := &limiter{maxPolls: s.cfg.MaxPolls}
	if s.cfg.MaxDuration > 0 {
		l.deadline = time.Now().Add(s.cfg.MaxDuration)
	}
	return l
}

func (l *limiter) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	if l.maxPolls > 0 && l.polls >= l.maxPolls {
		return fmt.Errorf("%w: no stop condition after %d polls", ErrStalledMotion, l.polls)
	}
	if !l.deadline.IsZero() && time.Now().After(l.deadline) {
		return fmt.Errorf("%w: no stop condition after %d polls (deadline exceeded)", ErrStalledMotion, l.polls)
	}
	l.polls++
	return nil
}
