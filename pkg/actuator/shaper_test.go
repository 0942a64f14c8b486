package actuator

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/teslashibe/go-dogbot/pkg/protocol"
)

// recordingSender keeps every demand payload it is given.
type recordingSender struct {
	tags     []protocol.Tag
	payloads [][]byte
	err      error
}

func (r *recordingSender) Send(tag protocol.Tag, payload []byte) error {
	if r.err != nil {
		return r.err
	}
	r.tags = append(r.tags, tag)
	r.payloads = append(r.payloads, append([]byte(nil), payload...))
	return nil
}

func newTestShaper(out Sender) *Shaper {
	return NewShaper(ShaperConfig{
		JointID:       4,
		Mode:          2,
		PositionMin:   -2,
		PositionMax:   2,
		VelocityLimit: 10,
		Converter:     Converter{Scale: 0.001, EffortScale: 0.01},
	}, out)
}

func TestShaper_VelocityLimitedApproach(t *testing.T) {
	out := &recordingSender{}
	s := newTestShaper(out)
	if err := s.Setup(10*time.Millisecond, 1); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	s.Prime(0)

	seg, err := s.Demand(Seconds(0), 1.0)
	if err != nil {
		t.Fatalf("Demand: %v", err)
	}
	if !floatEquals(seg.P0, 0) || !floatEquals(seg.P1, 0.1) {
		t.Errorf("first segment: got %v -> %v, want 0 -> 0.1", seg.P0, seg.P1)
	}

	seg, err = s.Demand(Seconds(0.01), 1.0)
	if err != nil {
		t.Fatalf("Demand: %v", err)
	}
	if !floatEquals(seg.P0, 0.1) || !floatEquals(seg.P1, 0.2) {
		t.Errorf("second segment: got %v -> %v, want 0.1 -> 0.2", seg.P0, seg.P1)
	}
	if seg.T0 != Seconds(0.01) {
		t.Errorf("second segment T0: got %d, want %d", seg.T0, Seconds(0.01))
	}
}

func TestShaper_DemandPacket(t *testing.T) {
	out := &recordingSender{}
	s := newTestShaper(out)
	s.Setup(10*time.Millisecond, 1)
	s.Prime(0)
	s.Demand(0, 0.05)

	if len(out.payloads) != 1 || out.tags[0] != protocol.TagServoDemand {
		t.Fatalf("sent: got %d packets (%v)", len(out.payloads), out.tags)
	}
	d, err := protocol.UnmarshalServoDemand(out.payloads[0])
	if err != nil {
		t.Fatalf("UnmarshalServoDemand: %v", err)
	}
	want := protocol.ServoDemand{JointID: 4, TargetPos: 50, TorqueLimit: 100, Mode: 2}
	if d != want {
		t.Errorf("demand: got %+v, want %+v", d, want)
	}
}

func TestShaper_SegmentsAreContiguous(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := newTestShaper(nil)
	const period = 10 * time.Millisecond
	s.Setup(period, 1)
	s.Prime(0.3)

	now := Seconds(1)
	prev, err := s.Demand(now, 0)
	if err != nil {
		t.Fatalf("Demand: %v", err)
	}
	for i := 0; i < 5000; i++ {
		// Loop jitter stays within one period.
		now = prev.End().Add(time.Duration(rng.Int63n(int64(period))) - period/2)
		target := (rng.Float64() - 0.5) * 6
		seg, err := s.Demand(now, target)
		if err != nil {
			t.Fatalf("Demand: %v", err)
		}
		if seg.T0 != prev.End() {
			t.Fatalf("step %d: T0 %d, want previous end %d", i, seg.T0, prev.End())
		}
		if seg.P0 != prev.P1 {
			t.Fatalf("step %d: P0 %v, want previous P1 %v", i, seg.P0, prev.P1)
		}
		prev = seg
	}
	if s.Stats().Restarts != 0 {
		t.Errorf("Restarts: got %d, want 0", s.Stats().Restarts)
	}
}

func TestShaper_ClampLaw(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	s := newTestShaper(nil)
	const period = 10 * time.Millisecond
	s.Setup(period, 1)
	maxStep := 10 * period.Seconds()

	now := TimePoint(0)
	for i := 0; i < 5000; i++ {
		target := (rng.Float64() - 0.5) * 10
		if i%97 == 96 {
			target = math.NaN()
		}
		seg, _ := s.Demand(now, target)
		if seg.P1 < -2 || seg.P1 > 2 {
			t.Fatalf("step %d: P1 %v outside limits", i, seg.P1)
		}
		if math.Abs(seg.P1-seg.P0) > maxStep {
			t.Fatalf("step %d: step %v exceeds %v", i, math.Abs(seg.P1-seg.P0), maxStep)
		}
		if math.IsNaN(target) && seg.P1 != seg.P0 {
			t.Fatalf("step %d: NaN target moved the joint", i)
		}
		now = seg.End()
	}
	if s.Stats().Clamped == 0 {
		t.Error("Clamped: got 0, want targets beyond the limits counted")
	}
}

func TestShaper_NotConfigured(t *testing.T) {
	s := newTestShaper(nil)
	if _, err := s.Demand(0, 0); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Demand before Setup: got %v, want ErrNotConfigured", err)
	}
}

func TestShaper_SetupRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		period  time.Duration
		effort  float64
		wantErr error
	}{
		{"zero period", 0, 1, ErrInvalidPeriod},
		{"negative period", -time.Millisecond, 1, ErrInvalidPeriod},
		{"zero effort", time.Millisecond, 0, ErrInvalidLimit},
		{"NaN effort", time.Millisecond, math.NaN(), ErrInvalidLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestShaper(nil)
			if err := s.Setup(tt.period, tt.effort); !errors.Is(err, tt.wantErr) {
				t.Errorf("Setup: got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestShaper_DroppedSendKeepsChain(t *testing.T) {
	full := errors.New("queue full")
	out := &recordingSender{err: full}
	s := newTestShaper(out)
	s.Setup(10*time.Millisecond, 1)
	s.Prime(0)

	seg, err := s.Demand(0, 1)
	if !errors.Is(err, full) {
		t.Fatalf("Demand: got %v, want the send error", err)
	}
	if !s.HasSegment() {
		t.Fatal("segment should be committed despite the failed send")
	}
	got, target, ok := s.Segment()
	if !ok || got != seg || target != 1 {
		t.Errorf("Segment: got %+v target=%v ok=%v", got, target, ok)
	}

	out.err = nil
	next, err := s.Demand(seg.End(), 1)
	if err != nil {
		t.Fatalf("Demand: %v", err)
	}
	if next.P0 != seg.P1 {
		t.Errorf("chain broken: P0 %v, want %v", next.P0, seg.P1)
	}

	st := s.Stats()
	if st.Demands != 2 || st.Dropped != 1 {
		t.Errorf("stats: got %+v, want 2 demands 1 dropped", st)
	}
}

func TestShaper_RestartAfterPause(t *testing.T) {
	s := newTestShaper(nil)
	s.Setup(10*time.Millisecond, 1)
	s.Prime(0)
	first, _ := s.Demand(0, 0.05)

	later := Seconds(1)
	seg, _ := s.Demand(later, 0.05)
	if seg.T0 != later {
		t.Errorf("T0 after pause: got %d, want %d", seg.T0, later)
	}
	if seg.P0 != first.P1 {
		t.Errorf("P0 after pause: got %v, want %v", seg.P0, first.P1)
	}
	if s.Stats().Restarts != 1 {
		t.Errorf("Restarts: got %d, want 1", s.Stats().Restarts)
	}
}

func TestShaper_FirstDemandWithoutPrime(t *testing.T) {
	s := newTestShaper(nil)
	s.Setup(10*time.Millisecond, 1)

	seg, _ := s.Demand(0, 5)
	if seg.P0 != 2 || seg.P1 != 2 {
		t.Errorf("got %v -> %v, want hold at the clamped target 2", seg.P0, seg.P1)
	}
}

func TestShaper_Reset(t *testing.T) {
	s := newTestShaper(nil)
	s.Setup(10*time.Millisecond, 1)
	s.Prime(0)
	s.Demand(0, 1)

	s.Reset()
	if s.HasSegment() {
		t.Error("HasSegment after Reset")
	}
	if _, _, ok := s.Segment(); ok {
		t.Error("Segment should be invalid after Reset")
	}
	s.Prime(-1)
	seg, _ := s.Demand(Seconds(5), -1)
	if seg.P0 != -1 || seg.T0 != Seconds(5) {
		t.Errorf("after Reset: got %+v", seg)
	}
}

func TestSegment_At(t *testing.T) {
	seg := Segment{T0: 100, Period: 100, P0: 1, P1: 3}
	tests := []struct {
		at   TimePoint
		want float64
	}{
		{50, 1},
		{100, 1},
		{150, 2},
		{200, 3},
		{500, 3},
	}
	for _, tt := range tests {
		if got := seg.At(tt.at); !floatEquals(got, tt.want) {
			t.Errorf("At(%d): got %v, want %v", tt.at, got, tt.want)
		}
	}
	if seg.End() != 200 {
		t.Errorf("End: got %d, want 200", seg.End())
	}
}
