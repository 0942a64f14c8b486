package joints

import "errors"

var (
	// ErrUnknownJoint indicates a joint name with no actuator behind it.
	ErrUnknownJoint = errors.New("joints: unknown joint")

	// ErrDuplicate indicates a second actuator with the same name or id.
	ErrDuplicate = errors.New("joints: duplicate actuator")
)

// IsUnknown reports whether err is an unknown-joint error.
func IsUnknown(err error) bool {
	return errors.Is(err, ErrUnknownJoint)
}
