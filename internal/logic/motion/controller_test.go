package motion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/turntable/internal/hw/gpio"
	"github.com/cjeanneret/turntable/internal/hw/stepper"
	"github.com/cjeanneret/turntable/internal/logic/geometry"
	"golang.org/x/sync/errgroup"
)

// recordingDevice records every channel call in order and replays
// scripted inputs. Safe for concurrent use.
type recordingDevice struct {
	mu     sync.Mutex
	calls  []devCall
	inputs map[gpio.Channel]gpio.InputFunc
	reads  map[gpio.Channel]int
	resets int
}

type devCall struct {
	op    string // "dir", "write", "read"
	ch    gpio.Channel
	level gpio.Level
}

func newRecordingDevice() *recordingDevice {
	return &recordingDevice{
		inputs: make(map[gpio.Channel]gpio.InputFunc),
		reads:  make(map[gpio.Channel]int),
	}
}

func (d *recordingDevice) script(ch gpio.Channel, fn gpio.InputFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inputs[ch] = fn
}

func (d *recordingDevice) SetDirection(ch gpio.Channel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, devCall{op: "dir", ch: ch})
	return nil
}

func (d *recordingDevice) SetOutput(ch gpio.Channel, level gpio.Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, devCall{op: "write", ch: ch, level: level})
	return nil
}

func (d *recordingDevice) ReadInput(ch gpio.Channel) (gpio.Level, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.reads[ch]
	d.reads[ch] = n + 1
	level := gpio.Low
	if fn, ok := d.inputs[ch]; ok {
		level = fn(n)
	}
	d.calls = append(d.calls, devCall{op: "read", ch: ch, level: level})
	return level, nil
}

func (d *recordingDevice) ResetOutputs() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	return nil
}

func (d *recordingDevice) Capabilities() (gpio.Capabilities, error) {
	return gpio.Capabilities{Backend: "recording", DigitalInputs: 8, DigitalOutputs: 8}, nil
}

func (d *recordingDevice) Close() error { return nil }

func (d *recordingDevice) snapshot() []devCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]devCall(nil), d.calls...)
}

func (d *recordingDevice) readCount(ch gpio.Channel) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads[ch]
}

func (d *recordingDevice) resetCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

var (
	bindA = stepper.Bindings{Forward: 1, Backward: 4, Step: 7, Zero: 3}
	bindB = stepper.Bindings{Forward: 0, Backward: 2, Step: 5, Zero: 6}
)

func newTestController(t *testing.T, dev gpio.Device, cfg stepper.Config) *Controller {
	t.Helper()
	units := make(map[Unit]*stepper.Stepper)
	for u, b := range map[Unit]stepper.Bindings{UnitA: bindA, UnitB: bindB} {
		s, err := stepper.NewStepper(dev, u.String(), b, cfg)
		if err != nil {
			t.Fatalf("NewStepper(%s): %v", u, err)
		}
		units[u] = s
	}
	return NewController(dev, geometry.NewStepsCalculator(geometry.DefaultStepAngle), units)
}

func TestController_RotateForwardPulseCounts(t *testing.T) {
	for _, deg := range []float64{2.5, 5.0, 7.5, 12.5, 360.0} {
		dev := newRecordingDevice()
		dev.script(bindA.Step, gpio.Toggle(gpio.High))
		ctrl := newTestController(t, dev, stepper.Config{})

		res, err := ctrl.RotateForward(context.Background(), UnitA, deg)
		if err != nil {
			t.Fatalf("%v°: RotateForward: %v", deg, err)
		}
		want := int(deg / 2.5)
		if res.Pulses != want {
			t.Errorf("%v°: pulses = %d, want %d", deg, res.Pulses, want)
		}
		if res.Effective != deg || res.Truncated {
			t.Errorf("%v°: result = %+v", deg, res)
		}

		var deasserts int
		calls := dev.snapshot()
		for _, c := range calls {
			if c.op == "write" && c.ch == bindA.Forward && c.level == gpio.Low {
				deasserts++
			}
		}
		if deasserts != 1 {
			t.Errorf("%v°: forward deasserted %d times, want 1", deg, deasserts)
		}
		if last := calls[len(calls)-1]; last.op != "write" || last.ch != bindA.Forward || last.level != gpio.Low {
			t.Errorf("%v°: last call = %+v, want forward deassert", deg, last)
		}
	}
}

func TestController_RotateBackward(t *testing.T) {
	dev := newRecordingDevice()
	dev.script(bindB.Step, gpio.Toggle(gpio.High))
	ctrl := newTestController(t, dev, stepper.Config{})

	res, err := ctrl.RotateBackward(context.Background(), UnitB, 5)
	if err != nil {
		t.Fatalf("RotateBackward: %v", err)
	}
	if res.Pulses != 2 || res.Direction != stepper.Backward {
		t.Errorf("result = %+v", res)
	}
	for _, c := range dev.snapshot() {
		if c.op == "write" && c.ch != bindB.Backward {
			t.Errorf("unexpected write on channel %d", c.ch)
		}
	}
}

func TestController_BelowOneStep(t *testing.T) {
	for _, deg := range []float64{0, 1, 2.49} {
		dev := newRecordingDevice()
		ctrl := newTestController(t, dev, stepper.Config{})

		done := make(chan struct{})
		var res Result
		var err error
		go func() {
			res, err = ctrl.RotateForward(context.Background(), UnitA, deg)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("%v°: rotation below one step did not return", deg)
		}
		if err != nil {
			t.Fatalf("%v°: %v", deg, err)
		}
		if res.Pulses != 0 {
			t.Errorf("%v°: pulses = %d, want 0", deg, res.Pulses)
		}
		if deg > 0 && !res.Truncated {
			t.Errorf("%v°: should be reported as truncated", deg)
		}
		if n := len(dev.snapshot()); n != 0 {
			t.Errorf("%v°: %d device calls, want 0", deg, n)
		}
	}
}

func TestController_FractionalTruncated(t *testing.T) {
	dev := newRecordingDevice()
	dev.script(bindA.Step, gpio.Toggle(gpio.High))
	ctrl := newTestController(t, dev, stepper.Config{})

	res, err := ctrl.RotateForward(context.Background(), UnitA, 11)
	if err != nil {
		t.Fatalf("RotateForward: %v", err)
	}
	if !res.Truncated || res.Pulses != 4 || res.Effective != 10 {
		t.Errorf("result = %+v, want 4 pulses / 10° truncated", res)
	}
}

func TestController_InvalidAngle(t *testing.T) {
	dev := newRecordingDevice()
	ctrl := newTestController(t, dev, stepper.Config{})

	if _, err := ctrl.RotateForward(context.Background(), UnitA, -5); !errors.Is(err, geometry.ErrInvalidAngle) {
		t.Errorf("err = %v, want ErrInvalidAngle", err)
	}
}

func TestController_UnknownUnit(t *testing.T) {
	dev := newRecordingDevice()
	s, _ := stepper.NewStepper(dev, "A", bindA, stepper.Config{})
	ctrl := NewController(dev, geometry.NewStepsCalculator(2.5), map[Unit]*stepper.Stepper{UnitA: s})

	_, err := ctrl.RotateForward(context.Background(), UnitB, 10)
	if !errors.Is(err, ErrUnknownUnit) || !errors.Is(err, gpio.ErrInvalidChannel) {
		t.Errorf("err = %v, want ErrUnknownUnit wrapping ErrInvalidChannel", err)
	}
	if err := ctrl.Home(context.Background(), Unit(7)); !errors.Is(err, ErrUnknownUnit) {
		t.Errorf("Home err = %v, want ErrUnknownUnit", err)
	}
	if len(dev.snapshot()) != 0 {
		t.Error("unknown unit must not reach the device")
	}
}

func TestController_Home(t *testing.T) {
	dev := newRecordingDevice()
	dev.script(bindA.Zero, gpio.HighFor(6))
	ctrl := newTestController(t, dev, stepper.Config{})

	if err := ctrl.Home(context.Background(), UnitA); err != nil {
		t.Fatalf("Home: %v", err)
	}
	if got := dev.readCount(bindA.Zero); got != 7 {
		t.Errorf("zero reads = %d, want 7", got)
	}
}

func TestController_StalledReported(t *testing.T) {
	dev := newRecordingDevice()
	ctrl := newTestController(t, dev, stepper.Config{MaxPolls: 100})

	res, err := ctrl.RotateForward(context.Background(), UnitA, 10)
	if !errors.Is(err, stepper.ErrStalledMotion) {
		t.Fatalf("err = %v, want ErrStalledMotion", err)
	}
	if res.Pulses != 0 || res.Effective != 0 {
		t.Errorf("result = %+v, want no pulses", res)
	}
}

func TestController_EndToEndWithAdapter(t *testing.T) {
	b := gpio.NewMockBackend()
	b.Script(bindA.Step, gpio.Toggle(gpio.Low))
	dev, err := gpio.Open(b)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()
	ctrl := newTestController(t, dev, stepper.Config{})

	res, err := ctrl.RotateForward(context.Background(), UnitA, 10.0)
	if err != nil {
		t.Fatalf("RotateForward: %v", err)
	}
	if res.Pulses != 4 {
		t.Errorf("pulses = %d, want 4", res.Pulses)
	}
	if b.Outputs()&bindA.Forward.Mask() != 0 {
		t.Errorf("forward output still high: %#x", b.Outputs())
	}
	if dev.Direction(bindA.Forward) != gpio.Output {
		t.Error("forward channel should be configured as output")
	}
}

func TestController_ConcurrentUnitsSerialized(t *testing.T) {
	dev := newRecordingDevice()
	dev.script(bindA.Step, gpio.Toggle(gpio.High))
	dev.script(bindB.Step, gpio.Toggle(gpio.High))
	ctrl := newTestController(t, dev, stepper.Config{})

	var resA, resB Result
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		var err error
		resA, err = ctrl.RotateForward(ctx, UnitA, 25)
		return err
	})
	g.Go(func() error {
		var err error
		resB, err = ctrl.RotateBackward(ctx, UnitB, 12.5)
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent rotations: %v", err)
	}
	if resA.Pulses != 10 {
		t.Errorf("unit A pulses = %d, want 10", resA.Pulses)
	}
	if resB.Pulses != 5 {
		t.Errorf("unit B pulses = %d, want 5", resB.Pulses)
	}

	owned := func(b stepper.Bindings, ch gpio.Channel) bool {
		for _, c := range b.Channels() {
			if c == ch {
				return true
			}
		}
		return false
	}
	assertExclusive := func(name string, mine, other stepper.Bindings, drive gpio.Channel) {
		active := false
		for _, c := range dev.snapshot() {
			if c.op == "write" && c.ch == drive {
				active = c.level == gpio.High
				continue
			}
			if active && owned(other, c.ch) {
				t.Errorf("unit %s: call %+v on the other unit while driving", name, c)
			}
		}
	}
	assertExclusive("A", bindA, bindB, bindA.Forward)
	assertExclusive("B", bindB, bindA, bindB.Backward)
}

func TestController_StopWhileRotating(t *testing.T) {
	dev := newRecordingDevice()
	ctrl := newTestController(t, dev, stepper.Config{Poll: stepper.FixedInterval{Period: time.Millisecond}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ctrl.RotateForward(ctx, UnitA, 10)
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for dev.readCount(bindA.Step) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("rotation never started polling")
		}
		time.Sleep(time.Millisecond)
	}

	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if dev.resetCount() != 1 {
		t.Errorf("resets = %d, want 1", dev.resetCount())
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, stepper.ErrCancelled) {
			t.Errorf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("rotation did not stop after cancel")
	}
}

func TestController_WaitingForGuardCancelled(t *testing.T) {
	dev := newRecordingDevice()
	ctrl := newTestController(t, dev, stepper.Config{Poll: stepper.FixedInterval{Period: time.Millisecond}})

	holdCtx, release := context.WithCancel(context.Background())
	defer release()
	dev.script(bindA.Zero, gpio.Sequence(gpio.High))
	go ctrl.Home(holdCtx, UnitA) // zero input High forever: holds the guard

	deadline := time.Now().Add(time.Second)
	for dev.readCount(bindA.Zero) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("homing never started polling")
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	dev.script(bindB.Step, gpio.Toggle(gpio.High))
	_, err := ctrl.RotateForward(ctx, UnitB, 5)
	if !errors.Is(err, stepper.ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled while the device is busy", err)
	}
	if dev.readCount(bindB.Step) != 0 {
		t.Error("unit B must not touch the device while unit A holds it")
	}
}

func TestController_Units(t *testing.T) {
	ctrl := newTestController(t, newRecordingDevice(), stepper.Config{})
	us := ctrl.Units()
	if len(us) != 2 || us[0] != UnitA || us[1] != UnitB {
		t.Errorf("Units() = %v, want [A B]", us)
	}
	if ctrl.StepAngle() != 2.5 {
		t.Errorf("StepAngle() = %v", ctrl.StepAngle())
	}
}

func TestParseUnit(t *testing.T) {
	cases := []struct {
		in      string
		want    Unit
		wantErr bool
	}{
		{"A", UnitA, false},
		{"b", UnitB, false},
		{" a ", UnitA, false},
		{"C", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseUnit(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrUnknownUnit) {
				t.Errorf("ParseUnit(%q) err = %v, want ErrUnknownUnit", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseUnit(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
}
