// Package protocol defines the packets exchanged with the motor controllers
// and the JSON messages published to telemetry clients.
//
// Binary packets travel inside link frames as body = tag | payload. All
// multi-byte fields are little-endian.
package protocol

import (
	"errors"
	"fmt"
)

// Tag identifies the packet type carried in a frame body.
type Tag uint8

const (
	// Controller → host
	TagServoReport Tag = 0x10 // Periodic servo state

	// Host → controller
	TagServoDemand Tag = 0x11 // Trajectory demand
)

// String returns the packet name for logs.
func (t Tag) String() string {
	switch t {
	case TagServoReport:
		return "ServoReport"
	case TagServoDemand:
		return "ServoDemand"
	default:
		return fmt.Sprintf("Tag(0x%02x)", uint8(t))
	}
}

// ErrShortPayload indicates a payload smaller than its fixed layout.
var ErrShortPayload = errors.New("protocol: payload too short")

// Packet is one decoded frame body.
// Payload aliases the decoder's buffer and is only valid during dispatch.
type Packet struct {
	Tag     Tag
	Payload []byte
}

// Body returns tag | payload as a fresh slice.
func (p Packet) Body() []byte {
	b := make([]byte, 0, 1+len(p.Payload))
	b = append(b, byte(p.Tag))
	return append(b, p.Payload...)
}
