package actuator

import (
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-dogbot/pkg/protocol"
)

// Calibration is the calibration state reported by a controller.
type Calibration int32

const (
	Uncalibrated Calibration = iota
	Calibrating
	Ready
	Faulted
)

// String returns the state name.
func (c Calibration) String() string {
	switch c {
	case Uncalibrated:
		return "uncalibrated"
	case Calibrating:
		return "calibrating"
	case Ready:
		return "ready"
	case Faulted:
		return "faulted"
	}
	return "unknown"
}

// CalibrationFromFlags decodes the report flag bits.
func CalibrationFromFlags(flags uint8) Calibration {
	switch {
	case flags&protocol.FlagFault != 0:
		return Faulted
	case flags&protocol.FlagCalibrated != 0:
		return Ready
	case flags&protocol.FlagCalibrating != 0:
		return Calibrating
	}
	return Uncalibrated
}

// Config describes one actuator proxy.
type Config struct {
	Name string
	ID   uint8
	Type string
	Mode uint8

	Converter Converter

	PositionMin   float64
	PositionMax   float64
	VelocityLimit float64
	EffortLimit   float64

	RingSize      int
	NominalPeriod time.Duration
	TickPeriod    time.Duration
	WrapThreshold uint16
}

// Proxy is the in-process stand-in for one remote motor controller.
// Its state is fed by the link goroutine, its shaper by the host loop.
type Proxy struct {
	cfg    Config
	state  *State
	shaper *Shaper
	calib  atomic.Int32
}

// NewProxy builds a proxy whose demands go to out.
func NewProxy(cfg Config, out Sender) *Proxy {
	return &Proxy{
		cfg: cfg,
		state: NewState(StateConfig{
			RingSize:      cfg.RingSize,
			NominalPeriod: cfg.NominalPeriod,
			TickPeriod:    cfg.TickPeriod,
			WrapThreshold: cfg.WrapThreshold,
			Converter:     cfg.Converter,
		}),
		shaper: NewShaper(ShaperConfig{
			JointID:       cfg.ID,
			Mode:          cfg.Mode,
			PositionMin:   cfg.PositionMin,
			PositionMax:   cfg.PositionMax,
			VelocityLimit: cfg.VelocityLimit,
			Converter:     cfg.Converter,
		}, out),
	}
}

func (p *Proxy) Name() string { return p.cfg.Name }
func (p *Proxy) ID() uint8    { return p.cfg.ID }
func (p *Proxy) Type() string { return p.cfg.Type }

// Config returns the proxy configuration.
func (p *Proxy) Config() Config { return p.cfg }

// Limits returns the position limits in radians.
func (p *Proxy) Limits() (lo, hi float64) { return p.cfg.PositionMin, p.cfg.PositionMax }

func (p *Proxy) VelocityLimit() float64 { return p.cfg.VelocityLimit }
func (p *Proxy) EffortLimit() float64   { return p.cfg.EffortLimit }

// State returns the state estimator.
func (p *Proxy) State() *State { return p.state }

// Shaper returns the trajectory shaper.
func (p *Proxy) Shaper() *Shaper { return p.shaper }

// Calibration returns the last reported calibration state.
func (p *Proxy) Calibration() Calibration {
	return Calibration(p.calib.Load())
}

// HandleReport ingests a servo report received at host time now.
// It reports whether the sample was kept and the calibration state before
// the report.
func (p *Proxy) HandleReport(now TimePoint, r protocol.ServoReport) (kept bool, prev Calibration) {
	kept = p.state.IngestReport(now, r)
	prev = Calibration(p.calib.Swap(int32(CalibrationFromFlags(r.Flags))))
	return kept, prev
}

// StateAt estimates the joint state at t.
func (p *Proxy) StateAt(t TimePoint) Reading {
	return p.state.StateAt(t)
}

// SetupTrajectory configures the shaper for a new control period.
func (p *Proxy) SetupTrajectory(period time.Duration, effortLimit float64) error {
	return p.shaper.Setup(period, effortLimit)
}

// Demand sends the next trajectory segment towards target. The first
// segment starts from the measured position when one is available.
func (p *Proxy) Demand(now TimePoint, target float64) (Segment, error) {
	if !p.shaper.HasSegment() {
		if smp, ok := p.state.Newest(); ok {
			p.shaper.Prime(smp.Position)
		}
	}
	return p.shaper.Demand(now, target)
}
