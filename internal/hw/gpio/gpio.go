package gpio

import (
	"errors"
	"fmt"
)

// Level represents the logical state of a TTL channel.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "1"
	}
	return "0"
}

// PinMode indicates whether a channel is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

func (m PinMode) String() string {
	if m == Output {
		return "output"
	}
	return "input"
}

// NumChannels is the width of one direction group on the module.
const NumChannels = 8

// Channel is a logical bit index (0-7) on the I/O module.
type Channel int

// Valid reports whether c is addressable on the module.
func (c Channel) Valid() bool {
	return c >= 0 && c < NumChannels
}

// Validate returns ErrInvalidChannel if c is outside 0-7.
func (c Channel) Validate() error {
	if !c.Valid() {
		return fmt.Errorf("%w: %d (must be 0-%d)", ErrInvalidChannel, int(c), NumChannels-1)
	}
	return nil
}

// Mask returns the bit of c inside its 8-bit group.
func (c Channel) Mask() uint8 {
	return 1 << uint(c)
}

var (
	// ErrDeviceUnavailable is returned when the module could not be opened
	// or has already been closed.
	ErrDeviceUnavailable = errors.New("gpio: device unavailable")

	// ErrInvalidChannel is returned for channels outside the addressable range.
	ErrInvalidChannel = errors.New("gpio: invalid channel")
)

// Capabilities describes the opened module. Diagnostic only.
type Capabilities struct {
	Backend        string
	Version        string
	DigitalInputs  int
	DigitalOutputs int
}

// Driver defines the bit-level operations a turntable drive needs.
// This allows plugging in a real I/O module or a recording fake in tests.
type Driver interface {
	// SetDirection configures ch as output and every other channel of
	// its group as input.
	SetDirection(ch Channel) error
	SetOutput(ch Channel, level Level) error
	// ReadInput samples the raw level of ch. No debouncing.
	ReadInput(ch Channel) (Level, error)
}

// Device is a Driver with module-wide operations and a lifecycle.
type Device interface {
	Driver
	// ResetOutputs drives every output of the module low.
	ResetOutputs() error
	Capabilities() (Capabilities, error)
	Close() error
}
