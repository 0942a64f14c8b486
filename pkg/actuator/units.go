package actuator

import (
	"math"

	"github.com/teslashibe/go-dogbot/internal/mathx"
)

// Converter maps raw controller counts to SI units:
// position = Scale*counts + Offset (rad), effort = EffortScale*counts (N·m).
type Converter struct {
	Scale       float64
	Offset      float64
	EffortScale float64
}

// Position converts encoder counts to radians.
func (c Converter) Position(counts int32) float64 {
	return c.Scale*float64(counts) + c.Offset
}

// PositionRaw converts radians to saturated int16 encoder counts.
func (c Converter) PositionRaw(rad float64) int16 {
	if c.Scale == 0 {
		return 0
	}
	return mathx.SaturateInt16((rad - c.Offset) / c.Scale)
}

// Effort converts torque-current counts to N·m.
func (c Converter) Effort(counts int16) float64 {
	return c.EffortScale * float64(counts)
}

// EffortRaw converts N·m to saturated counts. Without an effort scale the
// controller's own maximum applies.
func (c Converter) EffortRaw(nm float64) int16 {
	if c.EffortScale == 0 {
		return math.MaxInt16
	}
	return mathx.SaturateInt16(nm / c.EffortScale)
}

// Degrees converts radians to degrees for logging/display.
func Degrees(radians float64) float64 {
	return radians * 180.0 / math.Pi
}

// Radians converts degrees to radians.
func Radians(degrees float64) float64 {
	return degrees * math.Pi / 180.0
}
