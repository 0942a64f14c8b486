package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/teslashibe/go-dogbot/internal/config"
	"github.com/teslashibe/go-dogbot/internal/log"
	"github.com/teslashibe/go-dogbot/pkg/actuator"
	"github.com/teslashibe/go-dogbot/pkg/joints"
	"github.com/teslashibe/go-dogbot/pkg/link"
	"github.com/teslashibe/go-dogbot/pkg/protocol"
	"github.com/teslashibe/go-dogbot/pkg/sim"
)

// bufferPort replays a fixed byte stream and discards writes.
type bufferPort struct {
	r *bytes.Reader
	w bytes.Buffer
}

func (p *bufferPort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *bufferPort) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *bufferPort) Close() error                { return nil }

func frame(t *testing.T, tag protocol.Tag, payload []byte) []byte {
	t.Helper()
	f, err := link.AppendFrame(nil, tag, payload)
	if err != nil {
		t.Fatalf("AppendFrame: %v", err)
	}
	return f
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridge_Counters(t *testing.T) {
	var stream []byte
	stream = append(stream, frame(t, protocol.TagServoReport,
		protocol.AppendServoReport(nil, protocol.ServoReport{Tick: 1, Angle: 250, Flags: protocol.FlagCalibrated, JointID: 1}))...)
	stream = append(stream, frame(t, protocol.TagServoReport,
		protocol.AppendServoReport(nil, protocol.ServoReport{Tick: 1, JointID: 40}))...)
	stream = append(stream, frame(t, protocol.TagServoReport, []byte{1, 2, 3})...)
	stream = append(stream, frame(t, protocol.Tag(0x55), []byte{0})...)
	port := &bufferPort{r: bytes.NewReader(stream)}

	b, err := New(testConfig(), port, WithLogger(log.Discard()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	for {
		if err := b.Codec().Pump(); err != nil {
			if !link.IsClosed(err) {
				t.Fatalf("Pump: %v", err)
			}
			break
		}
	}

	c := b.Counters()
	if c.Frames != 4 || c.CRCErrors != 0 || c.FramingErrors != 0 {
		t.Errorf("link counters: got %+v", c)
	}
	if c.BadReports != 1 || c.UnknownJoints != 1 || c.UnknownTags != 1 {
		t.Errorf("report counters: got %+v", c)
	}

	p, _ := b.Registry().Get("front_left_pitch")
	if p.Calibration() != actuator.Ready {
		t.Errorf("calibration: got %v", p.Calibration())
	}
	if n, ok := p.State().Newest(); !ok || !floatEquals(n.Position, 0.25) {
		t.Errorf("newest sample: got %+v, %v", n, ok)
	}
}

func TestBridge_DuplicateJointIsConfigError(t *testing.T) {
	cfg := testConfig()
	cfg.Joints = append(cfg.Joints, config.JointConfig{Name: "rear_left_pitch", ID: 1, Scale: 1})
	_, err := New(cfg, &bufferPort{r: bytes.NewReader(nil)}, WithLogger(log.Discard()))
	if !errors.Is(err, config.ErrConfigInvalid) {
		t.Errorf("New: got %v, want ErrConfigInvalid", err)
	}
}

func TestBridge_OpenMissingDevice(t *testing.T) {
	cfg := testConfig()
	cfg.DevicePath = "/dev/does-not-exist-dogbot"
	_, err := Open(cfg, WithLogger(log.Discard()))
	var oe *link.OpenError
	if !errors.As(err, &oe) || !errors.Is(err, link.ErrLinkOpen) {
		t.Errorf("Open: got %v, want *link.OpenError", err)
	}
}

func TestBridge_SetTarget(t *testing.T) {
	b, err := New(testConfig(), &bufferPort{r: bytes.NewReader(nil)}, WithLogger(log.Discard()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	for _, name := range []string{"front_left_pitch", "front_left_pitch_joint"} {
		if err := b.SetTarget(name, 0.2); err != nil {
			t.Errorf("SetTarget(%s): %v", name, err)
		}
	}
	if err := b.SetTarget("tail", 0); !joints.IsUnknown(err) {
		t.Errorf("SetTarget(tail): got %v, want ErrUnknownJoint", err)
	}

	ext, err := New(testConfig(), &bufferPort{r: bytes.NewReader(nil)},
		WithLogger(log.Discard()),
		WithController(ControllerFunc(func(actuator.TimePoint, time.Duration, *Loop) bool { return true })))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ext.Close()
	if err := ext.SetTarget("front_left_pitch", 0); !errors.Is(err, ErrExternalController) {
		t.Errorf("SetTarget: got %v, want ErrExternalController", err)
	}
}

func TestBridge_Status(t *testing.T) {
	b, err := New(testConfig(), &bufferPort{r: bytes.NewReader(nil)}, WithLogger(log.Discard()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := b.Status()
	if s.Joints != 2 || s.Bound != 2 || !s.Control || s.LinkClosed {
		t.Errorf("status: got %+v", s)
	}
	if s.Session != b.Session().String() {
		t.Errorf("session: got %s", s.Session)
	}
	b.Close()
	if !b.Status().LinkClosed {
		t.Error("status after Close should report the link closed")
	}
}

func TestBridge_DrivesSimulatedDevice(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the bridge against a simulated device")
	}
	cfg := testConfig()
	dev := sim.FromConfig(cfg, log.Discard())
	b, err := New(cfg, dev.Port(), WithLogger(log.Discard()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	waitFor(t, time.Second, "fresh state", func() bool {
		js, ok := b.Joint("front_left_pitch")
		return ok && !js.Stale
	})
	waitFor(t, time.Second, "first demands", func() bool {
		_, ok1 := dev.Target(1)
		_, ok2 := dev.Target(2)
		return ok1 && ok2
	})
	// The hold controller keeps the start position.
	if tg, _ := dev.Target(2); math.Abs(tg-(-1)) > 0.01 {
		t.Errorf("knee hold target: got %v, want -1", tg)
	}

	if err := b.SetTarget("front_left_pitch", 0.3); err != nil {
		t.Fatalf("SetTarget: %v", err)
	}
	waitFor(t, 2*time.Second, "joint to reach target", func() bool {
		pos, _ := dev.Position(1)
		return math.Abs(pos-0.3) < 0.01
	})
	waitFor(t, time.Second, "state to follow", func() bool {
		js, _ := b.Joint("front_left_pitch_joint")
		return math.Abs(js.Position-0.3) < 0.01
	})

	snap := b.Snapshot()
	if len(snap.Joints) != 2 || snap.Joints[0].Actuator != "front_left_pitch" {
		t.Errorf("snapshot: got %+v", snap)
	}
	c := b.Counters()
	if c.Frames == 0 || c.CRCErrors != 0 || c.TxFrames == 0 {
		t.Errorf("counters: got %+v", c)
	}
	if ds := dev.Stats(); ds.CRCErrors != 0 || ds.FramingErrors != 0 || ds.Demands == 0 {
		t.Errorf("device stats: got %+v", ds)
	}

	if err := b.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after Close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestBridge_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	dev := sim.FromConfig(cfg, log.Discard())
	b, err := New(cfg, dev.Port(), WithLogger(log.Discard()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return on cancel")
	}
}
