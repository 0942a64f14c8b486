package link

import (
	"sync/atomic"

	"github.com/teslashibe/go-dogbot/pkg/protocol"
)

// DefaultMaxBody bounds the body length the decoder accepts.
const DefaultMaxBody = 64

// Dispatcher receives decoded packets.
type Dispatcher interface {
	Dispatch(protocol.Packet)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(protocol.Packet)

// Dispatch calls f(p).
func (f DispatchFunc) Dispatch(p protocol.Packet) { f(p) }

type decodeState uint8

const (
	stateIdle     decodeState = iota // waiting for a delimiter
	stateGotStart                    // delimiter seen, frame empty
	stateInBody                      // collecting body and crc
	stateInEscape                    // previous byte was 0x7D
	stateOverflow                    // frame too long, dropping to the next delimiter
)

func (s decodeState) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateGotStart:
		return "GotStart"
	case stateInBody:
		return "InBody"
	case stateInEscape:
		return "InEscape"
	case stateOverflow:
		return "Overflow"
	}
	return "?"
}

// decoderStats are written by the decoding goroutine and read by anyone.
type decoderStats struct {
	rxBytes       atomic.Uint64
	frames        atomic.Uint64
	framingErrors atomic.Uint64
	crcErrors     atomic.Uint64
	noiseBytes    atomic.Uint64
}

// Decoder turns a byte stream back into packets. It never blocks: Feed
// consumes what it is given and keeps partial frames for the next call.
//
// A frame ends at the next delimiter, which may also open the following
// frame. Back-to-back delimiters are idle fill.
//
// A Decoder is driven by a single goroutine.
type Decoder struct {
	out     Dispatcher
	maxBody int

	state decodeState
	buf   []byte // body followed by the two crc bytes

	stats decoderStats
}

// NewDecoder returns a decoder that hands every valid packet to out.
// maxBody <= 0 selects DefaultMaxBody.
func NewDecoder(out Dispatcher, maxBody int) *Decoder {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	if maxBody > MaxFrameBody {
		maxBody = MaxFrameBody
	}
	return &Decoder{
		out:     out,
		maxBody: maxBody,
		buf:     make([]byte, 0, maxBody+2),
	}
}

// Feed decodes p. Packets are dispatched synchronously, in the order their
// final byte appears in the stream. Packet payloads alias an internal buffer
// and are only valid until the dispatcher returns.
func (d *Decoder) Feed(p []byte) {
	d.stats.rxBytes.Add(uint64(len(p)))
	for _, b := range p {
		d.step(b)
	}
}

func (d *Decoder) step(b byte) {
	if b == StartByte {
		d.delimit()
		return
	}

	switch d.state {
	case stateIdle:
		d.stats.noiseBytes.Add(1)
		return
	case stateOverflow:
		return
	case stateInEscape:
		b ^= EscapeXOR
	default:
		if b == EscapeByte {
			d.state = stateInEscape
			return
		}
	}
	d.state = stateInBody

	if len(d.buf) == d.maxBody+2 {
		d.stats.framingErrors.Add(1)
		d.buf = d.buf[:0]
		d.state = stateOverflow
		return
	}
	d.buf = append(d.buf, b)
}

// delimit closes the frame in progress and opens the next one.
func (d *Decoder) delimit() {
	switch d.state {
	case stateInEscape:
		d.stats.framingErrors.Add(1)
	case stateInBody:
		d.finish()
	}
	d.state = stateGotStart
	d.buf = d.buf[:0]
}

func (d *Decoder) finish() {
	// tag plus crc at least
	if len(d.buf) < 3 {
		d.stats.framingErrors.Add(1)
		return
	}
	n := len(d.buf) - 2
	body := d.buf[:n]
	got := uint16(d.buf[n]) | uint16(d.buf[n+1])<<8
	if CRC16(body) != got {
		d.stats.crcErrors.Add(1)
		return
	}
	d.stats.frames.Add(1)
	if d.out != nil {
		d.out.Dispatch(protocol.Packet{Tag: protocol.Tag(body[0]), Payload: body[1:]})
	}
}

// Reset drops any partial frame.
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.buf = d.buf[:0]
}

// Stats returns the decoder counters.
func (d *Decoder) Stats() Stats {
	return Stats{
		RxBytes:       d.stats.rxBytes.Load(),
		Frames:        d.stats.frames.Load(),
		FramingErrors: d.stats.framingErrors.Load(),
		CRCErrors:     d.stats.crcErrors.Load(),
		NoiseBytes:    d.stats.noiseBytes.Load(),
	}
}
