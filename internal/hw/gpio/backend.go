package gpio

// Handle identifies an opened module. InvalidHandle means the module
// could not be opened.
type Handle uintptr

const InvalidHandle Handle = 0

// Backend is the vendor boundary: the raw module primitives an Adapter
// is built on. Implementations do not validate channels; the Adapter does.
type Backend interface {
	Open() (Handle, error)
	Close(h Handle) error

	// SetOutputMask makes the channels whose bit is set outputs and all
	// others inputs.
	SetOutputMask(h Handle, mask uint8) error
	WriteBit(h Handle, ch Channel, level Level) error
	// WriteAll sets all eight outputs at once, bit i driving channel i.
	WriteAll(h Handle, value uint8) error
	ReadBit(h Handle, ch Channel) (Level, error)
	Info(h Handle) (Capabilities, error)
}
