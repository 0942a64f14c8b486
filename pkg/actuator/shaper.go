package actuator

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-dogbot/internal/mathx"
	"github.com/teslashibe/go-dogbot/internal/seqlock"
	"github.com/teslashibe/go-dogbot/pkg/protocol"
)

// Sender queues a packet for the link. It must not block.
type Sender interface {
	Send(tag protocol.Tag, payload []byte) error
}

// Segment is a linear move from P0 at T0 to P1 at T0+Period.
type Segment struct {
	T0          TimePoint
	Period      time.Duration
	P0          float64
	P1          float64
	EffortLimit float64
}

// End returns the time the segment reaches P1.
func (s Segment) End() TimePoint { return s.T0.Add(s.Period) }

// At returns the commanded position at time t.
func (s Segment) At(t TimePoint) float64 {
	if s.Period <= 0 {
		return s.P1
	}
	f := float64(t-s.T0) / float64(s.Period)
	return mathx.Lerp(s.P0, s.P1, f)
}

// ShaperConfig holds the fixed per-joint limits of a Shaper.
type ShaperConfig struct {
	JointID       uint8
	Mode          uint8
	PositionMin   float64
	PositionMax   float64
	VelocityLimit float64
	Converter     Converter
}

// ShaperStats are the demand counters of one actuator.
type ShaperStats struct {
	Demands  uint64 `json:"demands"`
	Dropped  uint64 `json:"dropped"`
	Clamped  uint64 `json:"clamped"`
	Restarts uint64 `json:"restarts"`
}

// Shaper turns per-cycle targets into contiguous trajectory segments and
// sends each one as a ServoDemand.
//
// Every segment starts where the previous one ended, both in time and in
// commanded position. Measured position is never mixed in, so the command
// stays smooth however noisy the sensors are. Targets are clamped to the
// position limits and the step per period is capped by the velocity limit;
// a target out of reach is approached over several cycles.
//
// Setup, Prime and Demand belong to the host loop. Segment may be called
// from any goroutine.
type Shaper struct {
	cfg ShaperConfig
	out Sender

	period      time.Duration
	effortLimit float64
	ready       bool

	seg     Segment
	haveSeg bool
	primed  bool
	prime   float64
	target  float64

	payload []byte

	// Published copy of seg for other goroutines.
	seq                            seqlock.Seq
	pubT0, pubPeriod               atomic.Int64
	pubP0, pubP1, pubEffort, pubTg atomic.Uint64
	pubValid                       atomic.Bool

	demands  atomic.Uint64
	dropped  atomic.Uint64
	clamped  atomic.Uint64
	restarts atomic.Uint64
}

// NewShaper creates a shaper sending demands to out.
func NewShaper(cfg ShaperConfig, out Sender) *Shaper {
	if cfg.Converter.Scale == 0 {
		cfg.Converter.Scale = 1
	}
	return &Shaper{
		cfg:     cfg,
		out:     out,
		payload: make([]byte, 0, protocol.ServoDemandSize),
	}
}

// Setup sets the control period and the effort limit carried by every
// following demand.
func (s *Shaper) Setup(period time.Duration, effortLimit float64) error {
	if period <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidPeriod, period)
	}
	if !(effortLimit > 0) {
		return fmt.Errorf("%w: effort %v", ErrInvalidLimit, effortLimit)
	}
	s.period = period
	s.effortLimit = effortLimit
	s.ready = true
	return nil
}

// Period returns the configured control period.
func (s *Shaper) Period() time.Duration { return s.period }

// EffortLimit returns the configured effort limit.
func (s *Shaper) EffortLimit() float64 { return s.effortLimit }

// Prime sets the starting position used when no segment exists yet.
func (s *Shaper) Prime(position float64) {
	s.prime = mathx.Clamp(position, s.cfg.PositionMin, s.cfg.PositionMax)
	s.primed = true
}

// HasSegment reports whether a segment has been committed.
func (s *Shaper) HasSegment() bool { return s.haveSeg }

// Reset forgets the current chain. The next demand starts from the primed
// position at the time it is issued.
func (s *Shaper) Reset() {
	s.haveSeg = false
	s.primed = false
	s.pubValid.Store(false)
}

// Demand commits the next segment towards target and sends it.
//
// The segment is committed even when the send fails, so the chain stays
// contiguous; a full transmit queue only costs that one packet, which is
// counted. The send error is returned for information.
func (s *Shaper) Demand(now TimePoint, target float64) (Segment, error) {
	if !s.ready {
		return Segment{}, ErrNotConfigured
	}

	t0 := now
	var p0 float64
	switch {
	case s.haveSeg:
		p0 = s.seg.P1
		next := s.seg.End()
		if mathx.Abs(now.Sub(next)) <= s.period {
			t0 = next
		} else {
			s.restarts.Add(1)
		}
	case s.primed:
		p0 = s.prime
	case math.IsNaN(target):
		p0 = mathx.Clamp(0, s.cfg.PositionMin, s.cfg.PositionMax)
	default:
		p0 = mathx.Clamp(target, s.cfg.PositionMin, s.cfg.PositionMax)
	}

	p1 := target
	if math.IsNaN(p1) {
		p1 = p0
	}
	if p1 < s.cfg.PositionMin || p1 > s.cfg.PositionMax {
		s.clamped.Add(1)
		p1 = mathx.Clamp(p1, s.cfg.PositionMin, s.cfg.PositionMax)
	}

	maxStep := s.cfg.VelocityLimit * s.period.Seconds()
	if s.cfg.VelocityLimit > 0 && mathx.Abs(p1-p0) > maxStep {
		p1 = p0 + math.Copysign(maxStep, p1-p0)
		for mathx.Abs(p1-p0) > maxStep {
			p1 = math.Nextafter(p1, p0)
		}
	}

	s.seg = Segment{T0: t0, Period: s.period, P0: p0, P1: p1, EffortLimit: s.effortLimit}
	s.haveSeg = true
	s.target = target
	s.publish()
	s.demands.Add(1)

	s.payload = protocol.AppendServoDemand(s.payload[:0], protocol.ServoDemand{
		JointID:     s.cfg.JointID,
		TargetPos:   s.cfg.Converter.PositionRaw(p1),
		TorqueLimit: s.cfg.Converter.EffortRaw(s.effortLimit),
		Mode:        s.cfg.Mode,
	})
	if s.out == nil {
		return s.seg, nil
	}
	if err := s.out.Send(protocol.TagServoDemand, s.payload); err != nil {
		s.dropped.Add(1)
		return s.seg, err
	}
	return s.seg, nil
}

func (s *Shaper) publish() {
	s.seq.BeginWrite()
	s.pubT0.Store(int64(s.seg.T0))
	s.pubPeriod.Store(int64(s.seg.Period))
	s.pubP0.Store(math.Float64bits(s.seg.P0))
	s.pubP1.Store(math.Float64bits(s.seg.P1))
	s.pubEffort.Store(math.Float64bits(s.seg.EffortLimit))
	s.pubTg.Store(math.Float64bits(s.target))
	s.pubValid.Store(true)
	s.seq.EndWrite()
}

// Segment returns the last committed segment and the raw target it was
// built from. Safe to call from any goroutine.
func (s *Shaper) Segment() (seg Segment, target float64, ok bool) {
	for {
		start := s.seq.ReadBegin()
		ok = s.pubValid.Load()
		seg = Segment{
			T0:          TimePoint(s.pubT0.Load()),
			Period:      time.Duration(s.pubPeriod.Load()),
			P0:          math.Float64frombits(s.pubP0.Load()),
			P1:          math.Float64frombits(s.pubP1.Load()),
			EffortLimit: math.Float64frombits(s.pubEffort.Load()),
		}
		target = math.Float64frombits(s.pubTg.Load())
		if !s.seq.ReadRetry(start) {
			return seg, target, ok
		}
	}
}

// Stats returns the demand counters.
func (s *Shaper) Stats() ShaperStats {
	return ShaperStats{
		Demands:  s.demands.Load(),
		Dropped:  s.dropped.Load(),
		Clamped:  s.clamped.Load(),
		Restarts: s.restarts.Load(),
	}
}
