package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/turntable/internal/debug"
)

// Adapter maps logical channels onto an opened Backend.
// All register accesses are serialized; Close is idempotent and every
// operation after Close fails with ErrDeviceUnavailable.
type Adapter struct {
	mu      sync.Mutex
	backend Backend
	handle  Handle
	closed  bool
	outMask uint8 // assumed direction state, never read back
}

// Open opens the module behind b. An open error or an invalid handle is
// reported as ErrDeviceUnavailable before any channel is touched.
func Open(b Backend) (*Adapter, error) {
	h, err := b.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	if h == InvalidHandle {
		return nil, fmt.Errorf("%w: open returned invalid handle", ErrDeviceUnavailable)
	}
	debug.Verbose("I/O module opened (handle %d)", h)
	return &Adapter{backend: b, handle: h}, nil
}

func (a *Adapter) SetDirection(ch Channel) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrDeviceUnavailable
	}
	debug.GPIO("SetDirection", int(ch), Output)
	if err := a.backend.SetOutputMask(a.handle, ch.Mask()); err != nil {
		return fmt.Errorf("set direction of channel %d: %w", ch, err)
	}
	a.outMask = ch.Mask()
	return nil
}

func (a *Adapter) SetOutput(ch Channel, level Level) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrDeviceUnavailable
	}
	debug.GPIO("SetOutput", int(ch), level)
	if err := a.backend.WriteBit(a.handle, ch, level); err != nil {
		return fmt.Errorf("set output %d: %w", ch, err)
	}
	return nil
}

func (a *Adapter) ReadInput(ch Channel) (Level, error) {
	if err := ch.Validate(); err != nil {
		return Low, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return Low, ErrDeviceUnavailable
	}
	level, err := a.backend.ReadBit(a.handle, ch)
	if err != nil {
		return Low, fmt.Errorf("read input %d: %w", ch, err)
	}
	debug.GPIO("ReadInput", int(ch), level)
	return level, nil
}

// Direction returns the direction last written for ch.
func (a *Adapter) Direction(ch Channel) PinMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch.Valid() && a.outMask&ch.Mask() != 0 {
		return Output
	}
	return Input
}

func (a *Adapter) ResetOutputs() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrDeviceUnavailable
	}
	debug.Trace("ResetOutputs: all outputs low")
	if err := a.backend.WriteAll(a.handle, 0); err != nil {
		return fmt.Errorf("reset outputs: %w", err)
	}
	return nil
}

func (a *Adapter) Capabilities() (Capabilities, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return Capabilities{}, ErrDeviceUnavailable
	}
	return a.backend.Info(a.handle)
}

// Close releases the module. Calling it again is a no-op.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	debug.Trace("I/O module close (handle %d)", a.handle)
	return a.backend.Close(a.handle)
}
