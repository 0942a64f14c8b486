package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-dogbot/pkg/protocol"
)

// Defaults for a Codec.
const (
	DefaultTxBufferSize = 4096
	DefaultFlushTimeout = 200 * time.Millisecond

	readChunk = 512
)

// Stats is a snapshot of the link counters.
type Stats struct {
	RxBytes       uint64 `json:"rx_bytes"`
	Frames        uint64 `json:"frames"`
	FramingErrors uint64 `json:"framing_errors"`
	CRCErrors     uint64 `json:"crc_errors"`
	NoiseBytes    uint64 `json:"noise_bytes"`
	TxFrames      uint64 `json:"tx_frames"`
	TxDropped     uint64 `json:"tx_dropped"`
}

// Config holds Codec options.
type Config struct {
	MaxBody      int
	TxBufferSize int
	Logger       *slog.Logger
}

// Option is a functional option for configuring a Codec.
type Option func(*Config)

// WithMaxBody bounds the accepted frame body length.
func WithMaxBody(n int) Option {
	return func(c *Config) {
		c.MaxBody = n
	}
}

// WithTxBufferSize sets the transmit queue size (power of two).
func WithTxBufferSize(n int) Option {
	return func(c *Config) {
		c.TxBufferSize = n
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// Codec owns one byte channel to the motor controllers.
//
// Receiving: Run (or repeated Pump calls) reads from the port on the link
// goroutine and dispatches decoded packets synchronously.
//
// Sending: Send encodes a frame into a bounded queue and returns at once.
// A writer goroutine drains the queue into the port, so the caller never
// waits on the device. Send has a single producer; call it from one
// goroutine only.
type Codec struct {
	port   io.ReadWriteCloser
	dec    *Decoder
	tx     *txRing
	logger *slog.Logger

	scratch []byte // Send encode buffer
	rxBuf   []byte

	txFrames  atomic.Uint64
	txDropped atomic.Uint64
	writing   atomic.Bool

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	writerWG  sync.WaitGroup
}

// NewCodec wraps port and starts the writer goroutine. Decoded packets go
// to out.
func NewCodec(port io.ReadWriteCloser, out Dispatcher, opts ...Option) *Codec {
	cfg := Config{
		MaxBody:      DefaultMaxBody,
		TxBufferSize: DefaultTxBufferSize,
		Logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Codec{
		port:    port,
		dec:     NewDecoder(out, cfg.MaxBody),
		tx:      newTxRing(cfg.TxBufferSize),
		logger:  cfg.Logger.With("component", "link"),
		scratch: make([]byte, 0, MaxFrameSize),
		rxBuf:   make([]byte, readChunk),
		done:    make(chan struct{}),
	}

	c.writerWG.Add(1)
	go c.writeLoop()
	return c
}

// Send frames tag | payload and queues it for transmission.
// It returns ErrLinkClosed once the link is closed and ErrTxFull when the
// queue has no room; in that case the frame is dropped and counted.
func (c *Codec) Send(tag protocol.Tag, payload []byte) error {
	if c.closed.Load() {
		return ErrLinkClosed
	}
	frame, err := AppendFrame(c.scratch[:0], tag, payload)
	if err != nil {
		return err
	}
	c.scratch = frame[:0]

	if !c.tx.Write(frame) {
		c.txDropped.Add(1)
		return ErrTxFull
	}
	c.txFrames.Add(1)
	return nil
}

// Pump performs one read from the port and decodes whatever arrived.
// A read that times out with no data returns nil.
func (c *Codec) Pump() error {
	n, err := c.port.Read(c.rxBuf)
	if n > 0 {
		c.dec.Feed(c.rxBuf[:n])
	}
	if err == nil {
		return nil
	}
	if c.closed.Load() || isClosedErr(err) {
		c.markClosed()
		return ErrLinkClosed
	}
	return fmt.Errorf("link: read: %w", err)
}

// Run is the link goroutine body. It pumps until ctx is cancelled or the
// link closes. Cancellation is checked between reads, so the port should
// have a read timeout.
func (c *Codec) Run(ctx context.Context) error {
	c.logger.Debug("link reader started")
	defer c.logger.Debug("link reader stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := c.Pump(); err != nil {
			if errors.Is(err, ErrLinkClosed) && ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Codec) writeLoop() {
	defer c.writerWG.Done()

	buf := make([]byte, 1024)
	for {
		c.writing.Store(true)
		n := c.tx.Read(buf)
		if n > 0 {
			if _, err := c.port.Write(buf[:n]); err != nil {
				c.writing.Store(false)
				if !c.closed.Load() {
					c.logger.Warn("link write failed", "error", err)
				}
				c.markClosed()
				return
			}
			continue
		}
		c.writing.Store(false)

		select {
		case <-c.tx.Readable():
		case <-c.done:
			return
		}
	}
}

// Flush waits until every queued byte has been handed to the port, or the
// timeout expires.
func (c *Codec) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for c.tx.Available() > 0 || c.writing.Load() {
		if c.closed.Load() {
			return ErrLinkClosed
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %d bytes pending", ErrFlushTimeout, c.tx.Available())
		}
		time.Sleep(time.Millisecond)
	}
	if d, ok := c.port.(interface{ Drain() error }); ok {
		return d.Drain()
	}
	return nil
}

// Close flushes pending frames for up to DefaultFlushTimeout, stops the
// writer and closes the port.
func (c *Codec) Close() error {
	return c.Shutdown(DefaultFlushTimeout)
}

// Shutdown is Close with an explicit flush bound.
func (c *Codec) Shutdown(flushTimeout time.Duration) error {
	var err error
	c.closeOnce.Do(func() {
		if ferr := c.Flush(flushTimeout); ferr != nil && !errors.Is(ferr, ErrLinkClosed) {
			c.logger.Warn("link flush incomplete", "error", ferr)
		}
		c.markClosed()
		err = c.port.Close()
		c.writerWG.Wait()
	})
	return err
}

func (c *Codec) markClosed() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
	}
}

// Closed reports whether the link is closed.
func (c *Codec) Closed() bool {
	return c.closed.Load()
}

// Stats returns a snapshot of the link counters.
func (c *Codec) Stats() Stats {
	s := c.dec.Stats()
	s.TxFrames = c.txFrames.Load()
	s.TxDropped = c.txDropped.Load()
	return s
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, net.ErrClosed)
}
