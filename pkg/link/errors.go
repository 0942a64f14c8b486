package link

import (
	"errors"
	"fmt"
)

// Sentinel errors for the link package.
var (
	// ErrLinkClosed indicates the byte channel is closed.
	ErrLinkClosed = errors.New("link: closed")

	// ErrLinkOpen indicates the device could not be opened.
	ErrLinkOpen = errors.New("link: open failed")

	// ErrTxFull indicates the transmit queue had no room for a frame.
	// The frame is dropped and counted.
	ErrTxFull = errors.New("link: transmit queue full")

	// ErrBodyTooLarge indicates a packet body longer than a frame can carry.
	ErrBodyTooLarge = errors.New("link: body too large")

	// ErrFlushTimeout indicates queued bytes were still pending at the deadline.
	ErrFlushTimeout = errors.New("link: flush timed out")

	// ErrFraming classifies framing faults. The decoder only counts them.
	ErrFraming = errors.New("link: framing error")

	// ErrCRC classifies checksum mismatches. The decoder only counts them.
	ErrCRC = errors.New("link: crc mismatch")
)

// OpenError reports a device that could not be opened.
type OpenError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("link: open %s: %v", e.Path, e.Err)
}

// Unwrap matches both ErrLinkOpen and the underlying cause.
func (e *OpenError) Unwrap() []error {
	return []error{ErrLinkOpen, e.Err}
}

// IsClosed reports whether err means the link is gone.
func IsClosed(err error) bool {
	return errors.Is(err, ErrLinkClosed)
}
