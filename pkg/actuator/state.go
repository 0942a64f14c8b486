// Package actuator models one remote motor controller: a time-stamped state
// estimate fed by servo reports, and a trajectory shaper that turns host-loop
// setpoints into demand packets.
package actuator

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-dogbot/internal/mathx"
	"github.com/teslashibe/go-dogbot/internal/seqlock"
	"github.com/teslashibe/go-dogbot/pkg/protocol"
)

// State defaults.
const (
	DefaultRingSize      = 8
	MinRingSize          = 4
	DefaultNominalPeriod = 10 * time.Millisecond
	DefaultTickPeriod    = time.Millisecond
	DefaultWrapThreshold = 1 << 15

	// resyncAfter consecutive rejected reports are taken as a controller
	// restart and accepted as a new tick epoch.
	resyncAfter = 16
)

// Sample is one state measurement in SI units.
type Sample struct {
	HostTime TimePoint
	DevTick  uint16
	Position float64 // rad
	Velocity float64 // rad/s
	Effort   float64 // N·m
}

// Reading is the answer to a state query.
type Reading struct {
	Position float64
	Velocity float64
	Effort   float64

	// Stale is set when the newest sample is older than the freshness
	// window, or when no sample has arrived yet.
	Stale bool
}

// StateConfig configures a State.
type StateConfig struct {
	RingSize      int
	NominalPeriod time.Duration
	TickPeriod    time.Duration
	WrapThreshold uint16
	Converter     Converter
}

// StateStats are the ingest counters of one actuator.
type StateStats struct {
	Ingested   uint64 `json:"ingested"`
	OutOfOrder uint64 `json:"out_of_order"`
	TickGaps   uint64 `json:"tick_gaps"`
	Resyncs    uint64 `json:"resyncs"`
	StaleReads uint64 `json:"stale_reads"`
}

type slot struct {
	hostTime atomic.Int64
	devTick  atomic.Uint32
	pos      atomic.Uint64
	vel      atomic.Uint64
	eff      atomic.Uint64
}

func (s *slot) store(v Sample) {
	s.hostTime.Store(int64(v.HostTime))
	s.devTick.Store(uint32(v.DevTick))
	s.pos.Store(math.Float64bits(v.Position))
	s.vel.Store(math.Float64bits(v.Velocity))
	s.eff.Store(math.Float64bits(v.Effort))
}

func (s *slot) load() Sample {
	return Sample{
		HostTime: TimePoint(s.hostTime.Load()),
		DevTick:  uint16(s.devTick.Load()),
		Position: math.Float64frombits(s.pos.Load()),
		Velocity: math.Float64frombits(s.vel.Load()),
		Effort:   math.Float64frombits(s.eff.Load()),
	}
}

// State is the rolling state estimate of one actuator.
//
// It has exactly one writer (the link goroutine, through Ingest) and one
// reader (the host loop, through StateAt). Samples are published under a
// sequence counter; readers retry when a write overlaps, so they never see
// a torn sample and never block the writer.
type State struct {
	cfg StateConfig

	seq   seqlock.Seq
	slots []slot
	count atomic.Uint64 // samples ever stored; newest at count-1

	// reportTicks is the tick delta between two reports at the nominal
	// cadence.
	reportTicks uint16

	// Writer-only.
	last     Sample
	haveLast bool
	rejected int

	ingested   atomic.Uint64
	outOfOrder atomic.Uint64
	gaps       atomic.Uint64
	resyncs    atomic.Uint64
	staleReads atomic.Uint64
}

// NewState allocates the sample ring. Zero fields in cfg take defaults.
func NewState(cfg StateConfig) *State {
	if cfg.RingSize < MinRingSize {
		if cfg.RingSize == 0 {
			cfg.RingSize = DefaultRingSize
		} else {
			cfg.RingSize = MinRingSize
		}
	}
	if cfg.NominalPeriod <= 0 {
		cfg.NominalPeriod = DefaultNominalPeriod
	}
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = DefaultTickPeriod
	}
	if cfg.WrapThreshold == 0 {
		cfg.WrapThreshold = DefaultWrapThreshold
	}
	if cfg.Converter.Scale == 0 {
		cfg.Converter.Scale = 1
	}
	reportTicks := cfg.NominalPeriod / cfg.TickPeriod
	if reportTicks < 1 {
		reportTicks = 1
	}
	if reportTicks > math.MaxUint16 {
		reportTicks = math.MaxUint16
	}
	return &State{
		cfg:         cfg,
		slots:       make([]slot, cfg.RingSize),
		reportTicks: uint16(reportTicks),
	}
}

// IngestReport converts a raw report to SI units and ingests it.
// Velocity is derived from the position change over the tick change.
func (s *State) IngestReport(now TimePoint, r protocol.ServoReport) bool {
	smp := Sample{
		HostTime: now,
		DevTick:  r.Tick,
		Position: s.cfg.Converter.Position(r.Position()),
		Effort:   s.cfg.Converter.Effort(r.Torque()),
	}
	if s.haveLast {
		if d := r.Tick - s.last.DevTick; d != 0 && d <= s.cfg.WrapThreshold {
			dt := (time.Duration(d) * s.cfg.TickPeriod).Seconds()
			smp.Velocity = (smp.Position - s.last.Position) / dt
		}
	}
	return s.Ingest(smp)
}

// Ingest appends a sample, evicting the oldest. Samples whose tick does not
// move forward by at most the wrap threshold, or whose host time goes
// backwards, are dropped as out of order. It reports whether the sample was
// kept.
func (s *State) Ingest(smp Sample) bool {
	if s.haveLast {
		d := smp.DevTick - s.last.DevTick
		if d == 0 || d > s.cfg.WrapThreshold || smp.HostTime < s.last.HostTime {
			s.outOfOrder.Add(1)
			s.rejected++
			if s.rejected < resyncAfter || smp.HostTime < s.last.HostTime {
				return false
			}
			s.resyncs.Add(1)
		} else if missed := s.missedReports(d); missed > 0 {
			s.gaps.Add(missed)
		}
	}
	s.rejected = 0

	n := s.count.Load()
	s.seq.BeginWrite()
	s.slots[n%uint64(len(s.slots))].store(smp)
	s.count.Store(n + 1)
	s.seq.EndWrite()

	s.last = smp
	s.haveLast = true
	s.ingested.Add(1)
	return true
}

// missedReports counts the report intervals skipped by a forward tick delta
// d, rounding to the nearest interval so cadence jitter is not loss.
func (s *State) missedReports(d uint16) uint64 {
	e := uint64(s.reportTicks)
	n := (uint64(d) + e/2) / e
	if n <= 1 {
		return 0
	}
	return n - 1
}

// StateAt estimates the state at host time t.
//
// Between two stored samples, position and effort are interpolated and the
// velocity of the newer sample is reported. Past the newest sample, position
// is extrapolated for up to twice the nominal report period; beyond that the
// newest sample is returned as is with Stale set.
func (s *State) StateAt(t TimePoint) Reading {
	var (
		n            uint64
		newest       Sample
		older, newer Sample
		bracketed    bool
	)
	for {
		start := s.seq.ReadBegin()
		n = s.count.Load()
		bracketed = false
		if n > 0 {
			newest = s.slots[(n-1)%uint64(len(s.slots))].load()
			newer = newest
			if t < newest.HostTime {
				held := min(n, uint64(len(s.slots)))
				for k := uint64(2); k <= held; k++ {
					cand := s.slots[(n-k)%uint64(len(s.slots))].load()
					if cand.HostTime <= t {
						older, bracketed = cand, true
						break
					}
					newer = cand
				}
			}
		}
		if !s.seq.ReadRetry(start) {
			break
		}
	}

	if n == 0 {
		s.staleReads.Add(1)
		return Reading{Stale: true}
	}

	switch {
	case t >= newest.HostTime:
		dt := t.Sub(newest.HostTime)
		if dt >= 2*s.cfg.NominalPeriod {
			s.staleReads.Add(1)
			return Reading{
				Position: newest.Position,
				Velocity: newest.Velocity,
				Effort:   newest.Effort,
				Stale:    true,
			}
		}
		return Reading{
			Position: newest.Position + newest.Velocity*dt.Seconds(),
			Velocity: newest.Velocity,
			Effort:   newest.Effort,
		}

	case bracketed:
		f := float64(t-older.HostTime) / float64(newer.HostTime-older.HostTime)
		return Reading{
			Position: mathx.Lerp(older.Position, newer.Position, f),
			Velocity: newer.Velocity,
			Effort:   mathx.Lerp(older.Effort, newer.Effort, f),
		}

	default:
		// Older than anything still held: the oldest sample is the best
		// answer available.
		return Reading{
			Position: newer.Position,
			Velocity: newer.Velocity,
			Effort:   newer.Effort,
		}
	}
}

// Newest returns the most recent sample, if any.
func (s *State) Newest() (Sample, bool) {
	for {
		start := s.seq.ReadBegin()
		n := s.count.Load()
		var smp Sample
		if n > 0 {
			smp = s.slots[(n-1)%uint64(len(s.slots))].load()
		}
		if !s.seq.ReadRetry(start) {
			return smp, n > 0
		}
	}
}

// Len returns the number of samples currently held.
func (s *State) Len() int {
	return int(min(s.count.Load(), uint64(len(s.slots))))
}

// WrapThreshold returns the forward tick delta above which reports are
// treated as out of order.
func (s *State) WrapThreshold() uint16 { return s.cfg.WrapThreshold }

// Stats returns the ingest counters.
func (s *State) Stats() StateStats {
	return StateStats{
		Ingested:   s.ingested.Load(),
		OutOfOrder: s.outOfOrder.Load(),
		TickGaps:   s.gaps.Load(),
		Resyncs:    s.resyncs.Load(),
		StaleReads: s.staleReads.Load(),
	}
}
