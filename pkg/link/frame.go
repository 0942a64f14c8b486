// Package link frames packets on a byte stream and moves them across the
// serial link to the motor controllers.
//
// A frame is
//
//	0x7E | esc(tag | payload) | esc(crc16 little-endian)
//
// where the CRC covers the unescaped body. Inside a frame 0x7E and 0x7D are
// sent as 0x7D, b^0x20, so a raw 0x7E only ever appears as a delimiter and
// the body length is implied by the next one. AppendFrame closes every frame
// with a delimiter so the receiver never waits for the following frame.
package link

import (
	"fmt"

	"github.com/teslashibe/go-dogbot/pkg/protocol"
)

// Framing bytes.
const (
	StartByte  = 0x7E
	EscapeByte = 0x7D
	EscapeXOR  = 0x20
)

// MaxFrameBody is the largest body the link carries.
const MaxFrameBody = 255

// MaxFrameSize is the worst-case encoded size of a frame: every byte between
// the delimiters escaped.
const MaxFrameSize = 1 + 2*(MaxFrameBody+2) + 1

// AppendFrame appends the framed encoding of tag | payload to dst.
func AppendFrame(dst []byte, tag protocol.Tag, payload []byte) ([]byte, error) {
	n := 1 + len(payload)
	if n > MaxFrameBody {
		return dst, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, n)
	}

	crc := crcUpdate(crcInit, []byte{byte(tag)})
	crc = crcUpdate(crc, payload)

	dst = append(dst, StartByte)
	dst = appendEscaped(dst, byte(tag))
	for _, b := range payload {
		dst = appendEscaped(dst, b)
	}
	dst = appendEscaped(dst, byte(crc))
	dst = appendEscaped(dst, byte(crc>>8))
	return append(dst, StartByte), nil
}

func appendEscaped(dst []byte, b byte) []byte {
	if b == StartByte || b == EscapeByte {
		return append(dst, EscapeByte, b^EscapeXOR)
	}
	return append(dst, b)
}
