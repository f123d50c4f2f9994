package stepper

import "github.com/cjeanneret/turntable/internal/hw/gpio"

// EdgeDetector is a 2-sample sliding window over a sampled bit.
// Push reports a falling edge when the previous sample was High and the
// current one is Low. The first sample only primes the window.
type EdgeDetector struct {
	prev   gpio.Level
	primed bool
}

// Push adds a sample and reports whether it completes a falling edge.
func (e *EdgeDetector) Push(level gpio.Level) bool {
	falling := e.primed && e.prev == gpio.High && level == gpio.Low
	e.prev = level
	e.primed = true
	return falling
}

// Reset empties the window.
func (e *EdgeDetector) Reset() {
	*e = EdgeDetector{}
}
