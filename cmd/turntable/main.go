package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cjeanneret/turntable/internal/config"
	"github.com/cjeanneret/turntable/internal/debug"
	"github.com/cjeanneret/turntable/internal/hw/gpio"
	"github.com/cjeanneret/turntable/internal/hw/sim"
	"github.com/cjeanneret/turntable/internal/hw/stepper"
	"github.com/cjeanneret/turntable/internal/logic/geometry"
	"github.com/cjeanneret/turntable/internal/logic/motion"
	"github.com/cjeanneret/turntable/internal/logic/position"
	"github.com/cjeanneret/turntable/internal/logic/sweep"
)

const usageText = `usage: turntable [flags] <command> [args]

commands:
  forward [deg]          rotate forward (default: defaults.step_deg)
  backward [deg]         rotate backward
  home                   rotate backward until the zero position
  stop                   clear every output
  info                   print module capabilities and units
  sweep <deg> <stops>    home (with -home), then measure at each stop
  shell                  read commands from stdin

flags:
`

func main() {
	// CLI flags
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	unitTag := flag.String("unit", "A", "turntable unit (A or B)")
	backend := flag.String("backend", "", "override device.backend (sim, mock, rpio, modbus)")
	debugLevel := flag.Int("debug", -1, "override defaults.debug_level (0-4)")
	homeFirst := flag.Bool("home", false, "sweep: home before the first stop")
	dwell := flag.Duration("dwell", 0, "sweep: wait after each move before measuring")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usageText)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Apply CLI overrides to config
	if err := applyOverrides(cfg, *backend, *debugLevel); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	a, err := newApp(cfg)
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Printf("closing I/O module failed: %v", err)
		}
	}()

	u, err := motion.ParseUnit(*unitTag)
	if err != nil {
		log.Fatalf("invalid -unit: %v", err)
	}
	opts := sweepOptions{Home: *homeFirst, Dwell: *dwell}
	if err := a.execute(ctx, u, flag.Args(), opts, os.Stdin, os.Stdout); err != nil {
		debug.Error(err)
		log.Printf("%s failed: %v", flag.Arg(0), err)
		a.close()
		os.Exit(1)
	}
}

// applyOverrides mutates cfg with CLI overrides and revalidates it.
// Empty backend and negative debug level mean "use config".
func applyOverrides(cfg *config.Config, backend string, debugLevel int) error {
	if backend != "" {
		cfg.Device.Backend = strings.ToLower(backend)
	}
	if debugLevel >= 0 {
		cfg.Defaults.DebugLevel = debugLevel
	}
	return cfg.Validate()
}

// app wires the configured I/O module, the turntable units and the
// position display together.
type app struct {
	cfg     *config.Config
	dev     *gpio.Adapter
	ctrl    *motion.Controller
	tracker *position.Tracker
}

func newApp(cfg *config.Config) (*app, error) {
	debug.Step(1, "Opening I/O module")
	debug.Value("Backend", cfg.Device.Backend)
	b, err := newBackendFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	dev, err := gpio.Open(b)
	if err != nil {
		return nil, err
	}

	debug.Step(2, "Initializing turntable units")
	scfg := stepperConfig(cfg)
	steppers := make(map[motion.Unit]*stepper.Stepper, len(cfg.Units))
	for _, tag := range cfg.UnitTags() {
		u, err := motion.ParseUnit(tag)
		if err != nil {
			dev.Close()
			return nil, err
		}
		s, err := stepper.NewStepper(dev, u.String(), unitBindings(cfg.Units[tag]), scfg)
		if err != nil {
			dev.Close()
			return nil, fmt.Errorf("unit %s: %w", tag, err)
		}
		debug.PrintStruct("Unit "+tag+" channels", cfg.Units[tag])
		steppers[u] = s
	}

	return &app{
		cfg:     cfg,
		dev:     dev,
		ctrl:    motion.NewController(dev, geometry.NewStepsCalculator(cfg.Motion.StepAngleDeg), steppers),
		tracker: position.NewTracker(),
	}, nil
}

// close clears every output, then releases the module.
func (a *app) close() error {
	return errors.Join(a.ctrl.Stop(), a.dev.Close())
}

type sweepOptions struct {
	Home  bool
	Dwell time.Duration
}

// execute runs one command on unit u.
func (a *app) execute(ctx context.Context, u motion.Unit, args []string, opts sweepOptions, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("missing command")
	}
	cmd, rest := strings.ToLower(args[0]), args[1:]

	switch cmd {
	case "forward", "f", "backward", "b":
		d := stepper.Forward
		if cmd[0] == 'b' {
			d = stepper.Backward
		}
		deg, err := angleArg(rest, a.cfg.Defaults.StepDeg)
		if err != nil {
			return err
		}
		return a.rotate(ctx, u, d, deg, out)

	case "home", "h":
		if err := a.ctrl.Home(ctx, u); err != nil {
			a.tracker.Invalidate(u)
			return err
		}
		a.tracker.Homed(u)
		fmt.Fprintf(out, "Unit %s: at zero position\n", u)
		return nil

	case "stop", "s":
		if err := a.ctrl.Stop(); err != nil {
			return err
		}
		for _, unit := range a.ctrl.Units() {
			a.tracker.Invalidate(unit)
		}
		fmt.Fprintln(out, "All outputs cleared")
		return nil

	case "info", "i":
		return a.info(out)

	case "pos", "p":
		a.printPosition(u, out)
		return nil

	case "sweep":
		if len(rest) != 2 {
			return errors.New("usage: sweep <deg> <stops>")
		}
		deg, err := parseAngle(rest[0])
		if err != nil {
			return err
		}
		stops, err := strconv.Atoi(rest[1])
		if err != nil || stops <= 0 {
			return fmt.Errorf("stops must be a positive integer, got %q", rest[1])
		}
		seq := sweep.NewSequence(a.ctrl, a.tracker, sweep.MeasurerFunc(func(_ context.Context, s sweep.Stop) error {
			fmt.Fprintf(out, "stop %d: %.1f°\n", s.Index+1, s.Angle)
			return nil
		}))
		return seq.Run(ctx, sweep.Params{
			Unit:      u,
			Direction: stepper.Forward,
			StepDeg:   deg,
			Stops:     stops,
			Home:      opts.Home,
			Dwell:     opts.Dwell,
		})

	case "shell":
		return a.shell(ctx, u, opts, in, out)

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (a *app) rotate(ctx context.Context, u motion.Unit, d stepper.Direction, deg float64, out io.Writer) error {
	res, err := a.ctrl.Rotate(ctx, u, d, deg)
	if err != nil {
		a.tracker.Invalidate(u)
		return err
	}
	a.tracker.Apply(res)
	if res.Pulses == 0 {
		fmt.Fprintf(out, "Unit %s: %.2f° is less than one step (%.1f°), not moved\n", u, deg, a.ctrl.StepAngle())
		return nil
	}
	fmt.Fprintf(out, "Unit %s: %s %.1f° (%d pulses)", u, d, res.Effective, res.Pulses)
	if res.Truncated {
		fmt.Fprintf(out, ", %.2f° requested", res.Requested)
	}
	fmt.Fprintln(out)
	return nil
}

func (a *app) info(out io.Writer) error {
	caps, err := a.ctrl.Capabilities()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Module:   %s (%s)\n", caps.Backend, caps.Version)
	fmt.Fprintf(out, "Channels: %d in, %d out\n", caps.DigitalInputs, caps.DigitalOutputs)
	fmt.Fprintf(out, "Step:     %.1f°\n", a.ctrl.StepAngle())
	for _, u := range a.ctrl.Units() {
		c := a.cfg.Units[u.String()]
		fmt.Fprintf(out, "Unit %s:   forward=%d backward=%d step=%d zero=%d\n", u, c.Forward, c.Backward, c.Step, c.Zero)
	}
	return nil
}

func (a *app) printPosition(u motion.Unit, out io.Writer) {
	angle, known := a.tracker.Position(u)
	if !known {
		fmt.Fprintf(out, "Unit %s: %.1f° (not homed)\n", u, angle)
		return
	}
	fmt.Fprintf(out, "Unit %s: %.1f°\n", u, angle)
}

// shell reads one command per line until EOF, "quit" or cancellation.
// "unit <tag>" switches the current unit. Command errors are reported and
// the shell continues, except cancellation.
func (a *app) shell(ctx context.Context, u motion.Unit, opts sweepOptions, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	fmt.Fprintf(out, "unit %s> ", u)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fields := strings.Fields(sc.Text())
		switch {
		case len(fields) == 0:
		case fields[0] == "quit" || fields[0] == "q" || fields[0] == "exit":
			return nil
		case fields[0] == "shell":
			fmt.Fprintln(out, "error: already in shell")
		case fields[0] == "unit" && len(fields) == 2:
			nu, err := motion.ParseUnit(fields[1])
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				break
			}
			if !a.hasUnit(nu) {
				fmt.Fprintf(out, "error: %v\n", motion.ErrUnknownUnit)
				break
			}
			u = nu
		default:
			if err := a.execute(ctx, u, fields, opts, nil, out); err != nil {
				if errors.Is(err, stepper.ErrCancelled) || ctx.Err() != nil {
					return err
				}
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
		fmt.Fprintf(out, "unit %s> ", u)
	}
	fmt.Fprintln(out)
	return sc.Err()
}

func (a *app) hasUnit(u motion.Unit) bool {
	for _, x := range a.ctrl.Units() {
		if x == u {
			return true
		}
	}
	return false
}

// angleArg returns the optional angle argument, or def when absent.
func angleArg(args []string, def float64) (float64, error) {
	switch len(args) {
	case 0:
		return def, nil
	case 1:
		return parseAngle(args[0])
	default:
		return 0, fmt.Errorf("expected at most one angle, got %d arguments", len(args))
	}
}

// parseAngle accepts a non-negative angle in degrees, with an optional
// trailing "°" and a comma decimal separator.
func parseAngle(s string) (float64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "°")
	s = strings.Replace(s, ",", ".", 1)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid angle %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("angle must be a finite value >= 0, got %g", v)
	}
	return v, nil
}

// newBackendFromConfig selects an I/O module implementation based on configuration.
func newBackendFromConfig(cfg *config.Config) (gpio.Backend, error) {
	switch cfg.Device.Backend {
	case config.BackendSim:
		return sim.New(simConfig(cfg)), nil
	case config.BackendMock:
		return newScriptedMock(cfg), nil
	case config.BackendRPi:
		return gpio.NewRPiBackend(cfg.RPiPins()), nil
	case config.BackendModbus:
		m := cfg.Device.Modbus
		return gpio.NewModbusBackend(gpio.ModbusConfig{
			Address:           m.Address,
			SerialPort:        m.SerialPort,
			BaudRate:          m.BaudRate,
			SlaveID:           byte(m.SlaveID),
			Timeout:           cfg.ModbusTimeout(),
			CoilBase:          uint16(m.CoilBase),
			InputBase:         uint16(m.InputBase),
			DirectionRegister: cfg.ModbusDirectionRegister(),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Device.Backend)
	}
}

// newScriptedMock returns a mock module whose step and zero inputs toggle
// on every read, so every command completes without hardware.
func newScriptedMock(cfg *config.Config) *gpio.MockBackend {
	m := gpio.NewMockBackend()
	for _, tag := range cfg.UnitTags() {
		u := cfg.Units[tag]
		m.Script(gpio.Channel(u.Step), gpio.Toggle(gpio.High))
		m.Script(gpio.Channel(u.Zero), gpio.Toggle(gpio.High))
	}
	return m
}

func simConfig(cfg *config.Config) sim.Config {
	jammed := make(map[string]bool)
	for _, tag := range cfg.Device.Sim.Jammed {
		jammed[strings.ToUpper(tag)] = true
	}
	starts := make(map[string]float64)
	for tag, deg := range cfg.Device.Sim.StartAngles {
		starts[strings.ToUpper(tag)] = deg
	}
	sc := sim.Config{
		StepAngle: cfg.Motion.StepAngleDeg,
		StepTicks: cfg.Device.Sim.StepTicks,
	}
	for _, tag := range cfg.UnitTags() {
		sc.Units = append(sc.Units, sim.Unit{
			Name:       tag,
			Bindings:   unitBindings(cfg.Units[tag]),
			StartAngle: starts[tag],
			Jammed:     jammed[tag],
		})
	}
	return sc
}

func unitBindings(u config.UnitConfig) stepper.Bindings {
	return stepper.Bindings{
		Forward:  gpio.Channel(u.Forward),
		Backward: gpio.Channel(u.Backward),
		Step:     gpio.Channel(u.Step),
		Zero:     gpio.Channel(u.Zero),
	}
}

func stepperConfig(cfg *config.Config) stepper.Config {
	return stepper.Config{
		SettleDelay:       cfg.SettleDelay(),
		Poll:              stepper.NewPollStrategy(cfg.PollInterval()),
		MaxPolls:          cfg.Motion.MaxPolls,
		MaxDuration:       cfg.MaxDuration(),
		HomeEdgeTriggered: cfg.Motion.HomeEdgeTriggered,
	}
}
