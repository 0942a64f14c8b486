package bridge

import (
	"math"
	"time"

	"github.com/teslashibe/go-dogbot/internal/mathx"
)

// LimitEpsilon shrinks position limits so that a command sitting exactly on
// a limit survives the raw count conversion.
const LimitEpsilon = 1e-4

// Limiter bounds one joint's position command before it is demanded.
type Limiter interface {
	// Enforce returns the admissible command. measured seeds the previous
	// command on the first call after construction or Reset.
	Enforce(cmd, measured float64, dt time.Duration) float64
	// Reset forgets the previous command.
	Reset()
}

// Saturation clamps the command to the position limits and to the distance
// reachable from the previous command at MaxVelocity.
type Saturation struct {
	Min, Max    float64
	MaxVelocity float64 // rad/s; zero disables the velocity bound

	prev    float64
	hasPrev bool
}

// NewSaturation returns a saturation limiter for [lo, hi].
func NewSaturation(lo, hi, maxVelocity float64) *Saturation {
	lo, hi = shrink(lo, hi)
	return &Saturation{Min: lo, Max: hi, MaxVelocity: maxVelocity}
}

func (s *Saturation) Enforce(cmd, measured float64, dt time.Duration) float64 {
	if math.IsNaN(cmd) {
		cmd = measured
	}
	lo, hi := s.Min, s.Max
	if s.MaxVelocity > 0 && dt > 0 {
		if !s.hasPrev {
			s.prev = mathx.Clamp(measured, s.Min, s.Max)
			s.hasPrev = true
		}
		step := s.MaxVelocity * dt.Seconds()
		lo = math.Max(lo, s.prev-step)
		hi = math.Min(hi, s.prev+step)
	}
	cmd = mathx.Clamp(cmd, lo, hi)
	s.prev, s.hasPrev = cmd, true
	return cmd
}

func (s *Saturation) Reset() { s.hasPrev = false }

// SoftLimits pushes the command back from the soft bounds with a velocity
// proportional to the penetration, scaled by KPosition, as well as bounding
// it by the hard limits.
type SoftLimits struct {
	Min, Max         float64
	SoftMin, SoftMax float64
	KPosition        float64
	MaxVelocity      float64

	prev    float64
	hasPrev bool
}

// NewSoftLimits returns a soft limiter inside the hard range [lo, hi].
func NewSoftLimits(lo, hi, softMin, softMax, kPosition, maxVelocity float64) *SoftLimits {
	lo, hi = shrink(lo, hi)
	return &SoftLimits{
		Min: lo, Max: hi,
		SoftMin: softMin, SoftMax: softMax,
		KPosition:   kPosition,
		MaxVelocity: maxVelocity,
	}
}

func (s *SoftLimits) Enforce(cmd, measured float64, dt time.Duration) float64 {
	if math.IsNaN(cmd) {
		cmd = measured
	}
	if !s.hasPrev {
		s.prev = mathx.Clamp(measured, s.Min, s.Max)
		s.hasPrev = true
	}

	vmax := s.MaxVelocity
	if vmax <= 0 {
		vmax = math.Inf(1)
	}
	vLow := mathx.Clamp(-s.KPosition*(s.prev-s.SoftMin), -vmax, vmax)
	vHigh := mathx.Clamp(-s.KPosition*(s.prev-s.SoftMax), -vmax, vmax)

	secs := dt.Seconds()
	lo := math.Max(s.prev+vLow*secs, s.Min)
	hi := math.Min(s.prev+vHigh*secs, s.Max)

	cmd = mathx.Clamp(cmd, lo, hi)
	s.prev = cmd
	return cmd
}

func (s *SoftLimits) Reset() { s.hasPrev = false }

func shrink(lo, hi float64) (float64, float64) {
	if hi-lo > 2*LimitEpsilon {
		return lo + LimitEpsilon, hi - LimitEpsilon
	}
	return lo, hi
}
