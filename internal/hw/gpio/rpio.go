package gpio

import (
	"fmt"

	"github.com/cjeanneret/turntable/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// DefaultRPiPins maps TTL channels 0-7 to BCM pins.
var DefaultRPiPins = [NumChannels]int{4, 17, 27, 22, 5, 6, 13, 19}

// RPiBackend drives eight Raspberry Pi GPIOs as a TTL module using go-rpio.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
type RPiBackend struct {
	pins [NumChannels]rpio.Pin
}

// NewRPiBackend creates a backend with channel i wired to BCM pin bcm[i].
func NewRPiBackend(bcm [NumChannels]int) *RPiBackend {
	r := &RPiBackend{}
	for i, p := range bcm {
		r.pins[i] = rpio.Pin(p)
	}
	return r
}

func (r *RPiBackend) Open() (Handle, error) {
	debug.Info("Initializing Raspberry Pi GPIO module (go-rpio)")
	if err := rpio.Open(); err != nil {
		return InvalidHandle, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}
	debug.Verbose("GPIO memory mapped successfully")
	// All channels start as inputs (safe state).
	for _, p := range r.pins {
		p.Input()
	}
	return Handle(1), nil
}

func (r *RPiBackend) Close(h Handle) error {
	for ch, p := range r.pins {
		debug.Verbose("Resetting channel %d (BCM %d) to input", ch, p)
		p.Input()
	}
	return rpio.Close()
}

func (r *RPiBackend) SetOutputMask(h Handle, mask uint8) error {
	for ch, p := range r.pins {
		if mask&Channel(ch).Mask() != 0 {
			p.Output()
		} else {
			p.Input()
		}
	}
	return nil
}

func (r *RPiBackend) WriteBit(h Handle, ch Channel, level Level) error {
	p := r.pins[ch]
	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (r *RPiBackend) WriteAll(h Handle, value uint8) error {
	for ch := range r.pins {
		if err := r.WriteBit(h, Channel(ch), Level(value&Channel(ch).Mask() != 0)); err != nil {
			return err
		}
	}
	return nil
}

func (r *RPiBackend) ReadBit(h Handle, ch Channel) (Level, error) {
	if r.pins[ch].Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

func (r *RPiBackend) Info(h Handle) (Capabilities, error) {
	return Capabilities{
		Backend:        "rpio",
		Version:        "go-rpio/v4",
		DigitalInputs:  NumChannels,
		DigitalOutputs: NumChannels,
	}, nil
}
