package gpio

import (
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/turntable/internal/debug"
	"github.com/goburrow/modbus"
)

// ModbusConfig describes a Modbus digital I/O module.
// Address selects Modbus TCP; otherwise SerialPort selects Modbus RTU.
type ModbusConfig struct {
	Address    string
	SerialPort string
	BaudRate   int // defaults to 19200
	SlaveID    byte
	Timeout    time.Duration

	CoilBase  uint16 // coil address of channel 0
	InputBase uint16 // discrete input address of channel 0
	// DirectionRegister is the holding register taking the output mask.
	// Negative means the module has fixed directions.
	DirectionRegister int
}

type modbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// ModbusBackend drives a Modbus I/O module: coils are outputs,
// discrete inputs are inputs.
type ModbusBackend struct {
	cfg     ModbusConfig
	handler modbusHandler
	client  modbus.Client
}

func NewModbusBackend(cfg ModbusConfig) *ModbusBackend {
	return &ModbusBackend{cfg: cfg}
}

func (m *ModbusBackend) Open() (Handle, error) {
	timeout := m.cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}

	switch {
	case m.cfg.Address != "":
		h := modbus.NewTCPClientHandler(m.cfg.Address)
		h.Timeout = timeout
		h.SlaveId = m.cfg.SlaveID
		m.handler = h
	case m.cfg.SerialPort != "":
		h := modbus.NewRTUClientHandler(m.cfg.SerialPort)
		h.BaudRate = m.cfg.BaudRate
		if h.BaudRate == 0 {
			h.BaudRate = 19200
		}
		h.DataBits = 8
		h.Parity = "N"
		h.StopBits = 1
		h.Timeout = timeout
		h.SlaveId = m.cfg.SlaveID
		m.handler = h
	default:
		return InvalidHandle, errors.New("modbus: address or serial port required")
	}

	debug.Info("Connecting to Modbus I/O module %s", m.endpoint())
	if err := m.handler.Connect(); err != nil {
		return InvalidHandle, fmt.Errorf("modbus connect %s: %w", m.endpoint(), err)
	}
	m.client = modbus.NewClient(m.handler)
	return Handle(1), nil
}

func (m *ModbusBackend) Close(h Handle) error {
	if m.handler == nil {
		return nil
	}
	return m.handler.Close()
}

func (m *ModbusBackend) SetOutputMask(h Handle, mask uint8) error {
	if m.cfg.DirectionRegister < 0 {
		return nil
	}
	_, err := m.client.WriteSingleRegister(uint16(m.cfg.DirectionRegister), uint16(mask))
	return err
}

func (m *ModbusBackend) WriteBit(h Handle, ch Channel, level Level) error {
	var v uint16
	if level {
		v = 0xFF00
	}
	_, err := m.client.WriteSingleCoil(m.cfg.CoilBase+uint16(ch), v)
	return err
}

func (m *ModbusBackend) WriteAll(h Handle, value uint8) error {
	_, err := m.client.WriteMultipleCoils(m.cfg.CoilBase, NumChannels, []byte{value})
	return err
}

func (m *ModbusBackend) ReadBit(h Handle, ch Channel) (Level, error) {
	res, err := m.client.ReadDiscreteInputs(m.cfg.InputBase+uint16(ch), 1)
	if err != nil {
		return Low, err
	}
	if len(res) == 0 {
		return Low, errors.New("modbus: empty discrete input response")
	}
	return Level(res[0]&1 != 0), nil
}

func (m *ModbusBackend) Info(h Handle) (Capabilities, error) {
	return Capabilities{
		Backend:        "modbus",
		Version:        m.endpoint(),
		DigitalInputs:  NumChannels,
		DigitalOutputs: NumChannels,
	}, nil
}

func (m *ModbusBackend) endpoint() string {
	if m.cfg.Address != "" {
		return "tcp://" + m.cfg.Address
	}
	return "rtu://" + m.cfg.SerialPort
}
