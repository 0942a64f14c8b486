package bridge

import "errors"

var (
	// ErrNotInitialized indicates Read or Write before Init.
	ErrNotInitialized = errors.New("bridge: loop not initialized")

	// ErrIndex indicates a joint index outside the loop.
	ErrIndex = errors.New("bridge: joint index out of range")

	// ErrExternalController indicates a target set on a bridge whose
	// commands come from an external controller.
	ErrExternalController = errors.New("bridge: commands come from an external controller")
)
