package actuator

import "errors"

// Sentinel errors for the actuator package.
var (
	// ErrOutOfRange classifies a target outside the position limits.
	// Demands clamp such targets silently and count them.
	ErrOutOfRange = errors.New("actuator: target out of range")

	// ErrStale classifies a state query answered past the freshness window.
	// It is reported through Reading.Stale, never returned.
	ErrStale = errors.New("actuator: state is stale")

	// ErrNotConfigured indicates Demand before Setup.
	ErrNotConfigured = errors.New("actuator: trajectory not configured")

	// ErrInvalidPeriod indicates a non-positive trajectory period.
	ErrInvalidPeriod = errors.New("actuator: period must be positive")

	// ErrInvalidLimit indicates a non-positive effort or velocity limit.
	ErrInvalidLimit = errors.New("actuator: limit must be positive")
)
