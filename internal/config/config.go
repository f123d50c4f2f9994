package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cjeanneret/turntable/internal/hw/gpio"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 1 << 20

// Backends accepted in device.backend.
const (
	BackendSim    = "sim"
	BackendMock   = "mock"
	BackendRPi    = "rpio"
	BackendModbus = "modbus"
)

// ModbusConfig describes a Modbus digital I/O module.
type ModbusConfig struct {
	Address           string `yaml:"address"`     // host:port, selects Modbus TCP
	SerialPort        string `yaml:"serial_port"` // selects Modbus RTU when address is empty
	BaudRate          int    `yaml:"baud_rate"`
	SlaveID           int    `yaml:"slave_id"`
	TimeoutMs         int    `yaml:"timeout_ms"`
	CoilBase          int    `yaml:"coil_base"`
	InputBase         int    `yaml:"input_base"`
	DirectionRegister *int   `yaml:"direction_register"` // nil or negative: fixed directions
}

// SimConfig tunes the simulated turntable.
type SimConfig struct {
	StepTicks   int                `yaml:"step_ticks"`   // reads per simulated step
	StartAngles map[string]float64 `yaml:"start_angles"` // per unit tag
	Jammed      []string           `yaml:"jammed"`       // unit tags that never move
}

// DeviceConfig selects and configures the I/O module.
type DeviceConfig struct {
	Backend string       `yaml:"backend"`   // sim, mock, rpio or modbus
	RPiPins []int        `yaml:"rpio_pins"` // BCM pin per channel 0..7
	Modbus  ModbusConfig `yaml:"modbus"`
	Sim     SimConfig    `yaml:"sim"`
}

// UnitConfig is the channel map of one turntable unit.
type UnitConfig struct {
	Forward  int `yaml:"forward"`  // movement ahead bit (output)
	Backward int `yaml:"backward"` // movement behind bit (output)
	Step     int `yaml:"step"`     // step bit (input)
	Zero     int `yaml:"zero"`     // zero position bit (input)
}

// MotionConfig holds step geometry and loop timing.
type MotionConfig struct {
	StepAngleDeg      float64 `yaml:"step_angle_deg"`
	SettleDelayMs     *int    `yaml:"settle_delay_ms"`  // wait after asserting a drive bit (default 300)
	PollIntervalMs    int     `yaml:"poll_interval_ms"` // 0 = busy poll
	MaxDurationMs     *int    `yaml:"max_duration_ms"`  // 0 = unbounded (default 120000)
	MaxPolls          int     `yaml:"max_polls"`        // 0 = unbounded
	HomeEdgeTriggered bool    `yaml:"home_edge_triggered"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	StepDeg    float64 `yaml:"step_deg"`    // default rotation when no angle is given
	DebugLevel int     `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
}

// Config aggregates all application configuration.
type Config struct {
	Device   DeviceConfig          `yaml:"device"`
	Units    map[string]UnitConfig `yaml:"units"`
	Motion   MotionConfig          `yaml:"motion"`
	Defaults DefaultsConfig        `yaml:"defaults"`
}

// ValidateConfigPath rejects empty paths, relative paths escaping the
// working directory and files without a YAML extension.
func ValidateConfigPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is empty")
	}
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) && (clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator))) {
		return fmt.Errorf("config path %q escapes the working directory", path)
	}
	switch strings.ToLower(filepath.Ext(clean)) {
	case ".yaml", ".yml":
	default:
		return fmt.Errorf("config path %q must have a .yaml or .yml extension", path)
	}
	return nil
}

// Load reads a YAML file and returns the validated configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the reference setup: simulated module, unit A wired as
// on the ET2 adapter cable and unit B on the remaining channels.
func Default() *Config {
	cfg := &Config{
		Units: map[string]UnitConfig{
			"A": {Forward: 1, Backward: 4, Step: 7, Zero: 3},
			"B": {Forward: 0, Backward: 2, Step: 5, Zero: 6},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Device.Backend == "" {
		c.Device.Backend = BackendSim
	}
	c.Device.Backend = strings.ToLower(c.Device.Backend)
	if c.Device.Modbus.BaudRate <= 0 {
		c.Device.Modbus.BaudRate = 19200
	}
	if c.Device.Modbus.TimeoutMs <= 0 {
		c.Device.Modbus.TimeoutMs = 1000
	}
	if c.Device.Modbus.SlaveID == 0 {
		c.Device.Modbus.SlaveID = 1
	}
	if c.Motion.StepAngleDeg == 0 {
		c.Motion.StepAngleDeg = 2.5
	}
	if c.Motion.SettleDelayMs == nil {
		v := 300
		c.Motion.SettleDelayMs = &v
	}
	if c.Motion.MaxDurationMs == nil {
		v := 120000
		c.Motion.MaxDurationMs = &v
	}
	if c.Defaults.StepDeg == 0 {
		c.Defaults.StepDeg = c.Motion.StepAngleDeg
	}

	normalized := make(map[string]UnitConfig, len(c.Units))
	for tag, u := range c.Units {
		normalized[strings.ToUpper(strings.TrimSpace(tag))] = u
	}
	c.Units = normalized
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	switch c.Device.Backend {
	case BackendSim, BackendMock, BackendRPi, BackendModbus:
	default:
		return fmt.Errorf("device.backend must be one of sim, mock, rpio, modbus, got %q", c.Device.Backend)
	}
	if c.Device.Backend == BackendRPi && len(c.Device.RPiPins) != 0 && len(c.Device.RPiPins) != gpio.NumChannels {
		return fmt.Errorf("device.rpio_pins must list %d pins, got %d", gpio.NumChannels, len(c.Device.RPiPins))
	}
	if c.Device.Backend == BackendModbus {
		m := c.Device.Modbus
		if m.Address == "" && m.SerialPort == "" {
			return fmt.Errorf("device.modbus.address or device.modbus.serial_port is required")
		}
		if m.SlaveID < 0 || m.SlaveID > 247 {
			return fmt.Errorf("device.modbus.slave_id must be between 0 and 247, got %d", m.SlaveID)
		}
		if m.CoilBase < 0 || m.CoilBase > math.MaxUint16-gpio.NumChannels || m.InputBase < 0 || m.InputBase > math.MaxUint16-gpio.NumChannels {
			return fmt.Errorf("device.modbus coil_base/input_base out of range")
		}
	}

	if len(c.Units) == 0 {
		return fmt.Errorf("at least one unit must be configured: %w", gpio.ErrInvalidChannel)
	}
	owner := make(map[int]string)
	for _, tag := range c.UnitTags() {
		if tag != "A" && tag != "B" {
			return fmt.Errorf("units.%s: unknown unit tag (want A or B): %w", tag, gpio.ErrInvalidChannel)
		}
		u := c.Units[tag]
		for _, b := range []struct {
			name string
			ch   int
		}{{"forward", u.Forward}, {"backward", u.Backward}, {"step", u.Step}, {"zero", u.Zero}} {
			if err := gpio.Channel(b.ch).Validate(); err != nil {
				return fmt.Errorf("units.%s.%s: %w", tag, b.name, err)
			}
			if prev, dup := owner[b.ch]; dup {
				return fmt.Errorf("units.%s.%s: channel %d already used by %s: %w", tag, b.name, b.ch, prev, gpio.ErrInvalidChannel)
			}
			owner[b.ch] = tag + "." + b.name
		}
	}

	if c.Motion.StepAngleDeg <= 0 || c.Motion.StepAngleDeg > 360 || math.IsNaN(c.Motion.StepAngleDeg) {
		return fmt.Errorf("motion.step_angle_deg must be in (0, 360], got %g", c.Motion.StepAngleDeg)
	}
	if c.Motion.PollIntervalMs < 0 {
		return fmt.Errorf("motion.poll_interval_ms must be >= 0, got %d", c.Motion.PollIntervalMs)
	}
	if c.Motion.SettleDelayMs != nil && *c.Motion.SettleDelayMs < 0 {
		return fmt.Errorf("motion.settle_delay_ms must be >= 0, got %d", *c.Motion.SettleDelayMs)
	}
	if c.Motion.MaxDurationMs != nil && *c.Motion.MaxDurationMs < 0 {
		return fmt.Errorf("motion.max_duration_ms must be >= 0, got %d", *c.Motion.MaxDurationMs)
	}
	if c.Motion.MaxPolls < 0 {
		return fmt.Errorf("motion.max_polls must be >= 0, got %d", c.Motion.MaxPolls)
	}
	if c.Defaults.StepDeg < 0 || math.IsNaN(c.Defaults.StepDeg) {
		return fmt.Errorf("defaults.step_deg must be >= 0, got %g", c.Defaults.StepDeg)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// UnitTags returns the configured unit tags in sorted order.
func (c *Config) UnitTags() []string {
	tags := make([]string, 0, len(c.Units))
	for tag := range c.Units {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// SettleDelay returns the wait after asserting a drive bit.
func (c *Config) SettleDelay() time.Duration {
	if c.Motion.SettleDelayMs == nil {
		return 0
	}
	return time.Duration(*c.Motion.SettleDelayMs) * time.Millisecond
}

// PollInterval returns the pause between two samples (0 = busy poll).
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Motion.PollIntervalMs) * time.Millisecond
}

// MaxDuration returns the stall bound of one movement (0 = unbounded).
func (c *Config) MaxDuration() time.Duration {
	if c.Motion.MaxDurationMs == nil {
		return 0
	}
	return time.Duration(*c.Motion.MaxDurationMs) * time.Millisecond
}

// ModbusTimeout returns the Modbus request timeout.
func (c *Config) ModbusTimeout() time.Duration {
	return time.Duration(c.Device.Modbus.TimeoutMs) * time.Millisecond
}

// ModbusDirectionRegister returns the direction register or -1.
func (c *Config) ModbusDirectionRegister() int {
	if r := c.Device.Modbus.DirectionRegister; r != nil && *r >= 0 {
		return *r
	}
	return -1
}

// RPiPins returns the BCM pin of each channel.
func (c *Config) RPiPins() [gpio.NumChannels]int {
	if len(c.Device.RPiPins) != gpio.NumChannels {
		return gpio.DefaultRPiPins
	}
	var pins [gpio.NumChannels]int
	copy(pins[:], c.Device.RPiPins)
	return pins
}
