// Package sim simulates ET2/ST2 style turntables wired to an 8-channel
// TTL module. It implements gpio.Backend so the whole stack can run on a
// development machine.
//
// Time advances by one tick per input read. A unit whose forward or
// backward drive channel is an asserted output turns; every StepTicks ticks
// it completes one step, signalled by a High then Low period on its step
// input. The step counts at the falling edge. The zero input reads Low
// while the unit sits on its home step.
package sim

import (
	"math"
	"sync"

	"github.com/cjeanneret/turntable/internal/debug"
	"github.com/cjeanneret/turntable/internal/hw/gpio"
	"github.com/cjeanneret/turntable/internal/hw/stepper"
	"github.com/cjeanneret/turntable/internal/logic/geometry"
)

// DefaultStepTicks is the number of reads per simulated step.
const DefaultStepTicks = 4

// Unit describes one simulated turntable.
type Unit struct {
	Name       string
	Bindings   stepper.Bindings
	StartAngle float64 // initial angle in degrees
	Jammed     bool    // drive asserted but the table does not move
}

// Config describes the simulated module.
type Config struct {
	Units     []Unit
	StepAngle float64 // degrees per step, default 2.5
	StepTicks int     // reads per step, default 4 (minimum 2)
}

type unitState struct {
	Unit
	step  int // absolute step index, 0 = home
	phase int // tick inside the current step
}

// Turntable is a simulated I/O module with turntables attached.
type Turntable struct {
	mu           sync.Mutex
	units        []*unitState
	stepsPerTurn int
	stepAngle    float64
	stepTicks    int
	outputs      uint8
	mask         uint8
	open         bool
}

func New(cfg Config) *Turntable {
	stepAngle := cfg.StepAngle
	if stepAngle <= 0 {
		stepAngle = geometry.DefaultStepAngle
	}
	ticks := cfg.StepTicks
	if ticks < 2 {
		ticks = DefaultStepTicks
	}
	t := &Turntable{
		stepAngle:    stepAngle,
		stepTicks:    ticks,
		stepsPerTurn: int(math.Round(360 / stepAngle)),
	}
	for _, u := range cfg.Units {
		t.units = append(t.units, &unitState{
			Unit: u,
			step: int(math.Round(u.StartAngle / stepAngle)),
		})
	}
	return t
}

func (t *Turntable) Open() (gpio.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	debug.Info("Using SIMULATED turntable (%d units)", len(t.units))
	t.open = true
	return gpio.Handle(1), nil
}

func (t *Turntable) Close(h gpio.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = false
	t.outputs = 0
	return nil
}

func (t *Turntable) SetOutputMask(h gpio.Handle, mask uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mask = mask
	return nil
}

func (t *Turntable) WriteBit(h gpio.Handle, ch gpio.Channel, level gpio.Level) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if level {
		t.outputs |= ch.Mask()
	} else {
		t.outputs &^= ch.Mask()
	}
	return nil
}

func (t *Turntable) WriteAll(h gpio.Handle, value uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outputs = value
	return nil
}

func (t *Turntable) ReadBit(h gpio.Handle, ch gpio.Channel) (gpio.Level, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tick()
	for _, u := range t.units {
		switch ch {
		case u.Bindings.Step:
			return gpio.Level(u.phase < t.stepTicks/2), nil
		case u.Bindings.Zero:
			return gpio.Level(t.normalize(u.step) != 0), nil
		}
	}
	return gpio.Low, nil
}

func (t *Turntable) Info(h gpio.Handle) (gpio.Capabilities, error) {
	return gpio.Capabilities{
		Backend:        "sim",
		Version:        "1.0",
		DigitalInputs:  gpio.NumChannels,
		DigitalOutputs: gpio.NumChannels,
	}, nil
}

// Angle returns the physical angle of the named unit in [0, 360).
func (t *Turntable) Angle(name string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, u := range t.units {
		if u.Name == name {
			return float64(t.normalize(u.step)) * t.stepAngle
		}
	}
	return math.NaN()
}

// Moving reports whether the named unit's motor is currently driven.
func (t *Turntable) Moving(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, u := range t.units {
		if u.Name == name {
			return t.direction(u) != 0
		}
	}
	return false
}

// tick advances every driven unit by one read.
func (t *Turntable) tick() {
	half := t.stepTicks / 2
	for _, u := range t.units {
		dir := t.direction(u)
		if dir == 0 || u.Jammed {
			continue
		}
		u.phase++
		if u.phase == half {
			u.step += dir
		}
		if u.phase >= t.stepTicks {
			u.phase = 0
		}
	}
}

func (t *Turntable) direction(u *unitState) int {
	driven := t.outputs & t.mask
	fwd := driven&u.Bindings.Forward.Mask() != 0
	bwd := driven&u.Bindings.Backward.Mask() != 0
	switch {
	case fwd && !bwd:
		return 1
	case bwd && !fwd:
		return -1
	default:
		return 0
	}
}

func (t *Turntable) normalize(step int) int {
	s := step % t.stepsPerTurn
	if s < 0 {
		s += t.stepsPerTurn
	}
	return s
}
