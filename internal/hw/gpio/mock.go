package gpio

import (
	"errors"
	"sync"

	"github.com/cjeanneret/turntable/internal/debug"
)

// MockOp is one recorded backend call.
type MockOp struct {
	Op      string // "mask", "write", "writeall", "read"
	Channel Channel
	Value   uint8
}

// InputFunc returns the level of an input for its n-th read (0-based).
type InputFunc func(n int) Level

// MockBackend is a recording, scriptable Backend.
// Used for development on PC or testing.
type MockBackend struct {
	// Unavailable makes Open return InvalidHandle.
	Unavailable bool
	// ReadErr, when set, is returned by every ReadBit.
	ReadErr error

	mu      sync.Mutex
	inputs  map[Channel]InputFunc
	reads   map[Channel]int
	ops     []MockOp
	outputs uint8
	mask    uint8
	closes  int
}

// NewMockBackend returns a mock whose inputs all read Low until scripted.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		inputs: make(map[Channel]InputFunc),
		reads:  make(map[Channel]int),
	}
}

// Script sets the level source for input ch.
func (m *MockBackend) Script(ch Channel, fn InputFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs[ch] = fn
}

func (m *MockBackend) Open() (Handle, error) {
	if m.Unavailable {
		debug.Info("Mock I/O module unavailable")
		return InvalidHandle, nil
	}
	debug.Info("Using MOCK I/O module (development mode)")
	return Handle(1), nil
}

func (m *MockBackend) Close(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *MockBackend) SetOutputMask(h Handle, mask uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mask = mask
	m.ops = append(m.ops, MockOp{Op: "mask", Value: mask})
	return nil
}

func (m *MockBackend) WriteBit(h Handle, ch Channel, level Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if level {
		m.outputs |= ch.Mask()
	} else {
		m.outputs &^= ch.Mask()
	}
	m.ops = append(m.ops, MockOp{Op: "write", Channel: ch, Value: levelBit(level)})
	return nil
}

func (m *MockBackend) WriteAll(h Handle, value uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs = value
	m.ops = append(m.ops, MockOp{Op: "writeall", Value: value})
	return nil
}

func (m *MockBackend) ReadBit(h Handle, ch Channel) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return Low, m.ReadErr
	}
	n := m.reads[ch]
	m.reads[ch] = n + 1
	level := Low
	if fn, ok := m.inputs[ch]; ok {
		level = fn(n)
	}
	m.ops = append(m.ops, MockOp{Op: "read", Channel: ch, Value: levelBit(level)})
	return level, nil
}

func (m *MockBackend) Info(h Handle) (Capabilities, error) {
	return Capabilities{
		Backend:        "mock",
		Version:        "1.0",
		DigitalInputs:  NumChannels,
		DigitalOutputs: NumChannels,
	}, nil
}

// Ops returns a copy of the recorded calls.
func (m *MockBackend) Ops() []MockOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockOp(nil), m.ops...)
}

// Reads returns how many times ch was sampled.
func (m *MockBackend) Reads(ch Channel) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[ch]
}

// Outputs returns the current output register.
func (m *MockBackend) Outputs() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputs
}

// Mask returns the current direction register.
func (m *MockBackend) Mask() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mask
}

// Closes returns how many times the backend teardown ran.
func (m *MockBackend) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// Sequence replays levels in order and then holds the last one.
func Sequence(levels ...Level) InputFunc {
	return func(n int) Level {
		if len(levels) == 0 {
			return Low
		}
		if n >= len(levels) {
			return levels[len(levels)-1]
		}
		return levels[n]
	}
}

// Toggle alternates on every read, starting at first.
func Toggle(first Level) InputFunc {
	return func(n int) Level {
		if n%2 == 0 {
			return first
		}
		return !first
	}
}

// HighFor reads High for the first n reads and Low afterwards.
func HighFor(n int) InputFunc {
	return func(i int) Level {
		return Level(i < n)
	}
}

// ErrMockRead is a canned read failure for tests.
var ErrMockRead = errors.New("mock: read failed")

func levelBit(l Level) uint8 {
	if l {
		return 1
	}
	return 0
}
