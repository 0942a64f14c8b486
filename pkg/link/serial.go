package link

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// Serial defaults.
const (
	DefaultBaudRate = 1000000

	// ReadTimeout bounds a single blocking read so that the link goroutine
	// notices shutdown between frames.
	ReadTimeout = 50 * time.Millisecond
)

// OpenSerial opens a USB-CDC or UART device in 8N1 mode with a bounded
// read timeout. Pending input is discarded.
func OpenSerial(path string, baud int) (io.ReadWriteCloser, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		port.Close()
		return nil, &OpenError{Path: path, Err: err}
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, &OpenError{Path: path, Err: err}
	}
	return port, nil
}

// Ports lists the serial devices present on the host.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}
