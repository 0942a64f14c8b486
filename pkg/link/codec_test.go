package link

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-dogbot/pkg/protocol"
)

// fakePort reads from a pipe fed by the test and records everything written.
type fakePort struct {
	rx *io.PipeReader
	tx *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	gate    chan struct{} // when non-nil, writes wait for it to close
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{rx: r, tx: w}
}

func (p *fakePort) Read(b []byte) (int, error) { return p.rx.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.tx.Close()
	return p.rx.Close()
}

func (p *fakePort) bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

// syncCollector is a goroutine-safe packet recorder.
type syncCollector struct {
	mu      sync.Mutex
	packets []protocol.Packet
}

func (c *syncCollector) Dispatch(p protocol.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, protocol.Packet{Tag: p.Tag, Payload: append([]byte(nil), p.Payload...)})
}

func (c *syncCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.packets)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCodec_SendEncodesFrames(t *testing.T) {
	port := newFakePort()
	c := NewCodec(port, nil)

	demand := protocol.AppendServoDemand(nil, protocol.ServoDemand{JointID: 3, TargetPos: 0x7E7D, TorqueLimit: 100, Mode: 2})
	for i := 0; i < 3; i++ {
		if err := c.Send(protocol.TagServoDemand, demand); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if err := c.Flush(time.Second); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var out collector
	NewDecoder(&out, 0).Feed(port.bytes())
	if len(out.packets) != 3 {
		t.Fatalf("decoded: got %d, want 3", len(out.packets))
	}
	for _, p := range out.packets {
		if p.Tag != protocol.TagServoDemand || !bytes.Equal(p.Payload, demand) {
			t.Errorf("packet: got %v % x", p.Tag, p.Payload)
		}
	}
	if s := c.Stats(); s.TxFrames != 3 || s.TxDropped != 0 {
		t.Errorf("stats: got %+v", s)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestCodec_SendAfterClose(t *testing.T) {
	c := NewCodec(newFakePort(), nil)
	c.Close()

	err := c.Send(protocol.TagServoDemand, []byte{1, 2, 3, 4, 5, 6})
	if !errors.Is(err, ErrLinkClosed) {
		t.Errorf("Send after Close: got %v, want ErrLinkClosed", err)
	}
	if !IsClosed(err) {
		t.Error("IsClosed should match ErrLinkClosed")
	}
}

func TestCodec_SendNeverBlocks(t *testing.T) {
	port := newFakePort()
	port.gate = make(chan struct{})
	c := NewCodec(port, nil, WithTxBufferSize(64))

	const sends = 100
	var full int
	start := time.Now()
	for i := 0; i < sends; i++ {
		err := c.Send(protocol.TagServoDemand, []byte{byte(i), 0, 0, 0, 0, 2})
		if errors.Is(err, ErrTxFull) {
			full++
		} else if err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if time.Since(start) > time.Second {
		t.Error("Send blocked on a stalled port")
	}

	s := c.Stats()
	if full == 0 {
		t.Fatal("expected drops with a stalled writer and a 64 byte queue")
	}
	if s.TxDropped != uint64(full) {
		t.Errorf("TxDropped: got %d, want %d", s.TxDropped, full)
	}
	if s.TxFrames+s.TxDropped != sends {
		t.Errorf("TxFrames+TxDropped: got %d, want %d", s.TxFrames+s.TxDropped, sends)
	}

	close(port.gate)
	c.Close()
}

func TestCodec_RunDispatches(t *testing.T) {
	port := newFakePort()
	var out syncCollector
	c := NewCodec(port, &out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	var stream []byte
	for i := 0; i < 5; i++ {
		payload := protocol.AppendServoReport(nil, protocol.ServoReport{Tick: uint16(i)})
		f, _ := AppendFrame(nil, protocol.TagServoReport, payload)
		stream = append(stream, f...)
	}
	// Cut the second frame short with a dangling escape.
	stream = append(stream[:30:30], append([]byte{EscapeByte, StartByte}, stream[30:]...)...)

	go port.tx.Write(stream)
	waitFor(t, "packets", func() bool { return out.count() >= 4 })

	c.Close()
	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, ErrLinkClosed) {
			t.Errorf("Run: got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	if s := c.Stats(); s.FramingErrors == 0 {
		t.Errorf("FramingErrors: got 0, want at least one")
	}
}

func TestCodec_PumpReportsClosed(t *testing.T) {
	port := newFakePort()
	c := NewCodec(port, nil)
	port.tx.Close()

	if err := c.Pump(); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("Pump on closed pipe: got %v, want ErrLinkClosed", err)
	}
	if !c.Closed() {
		t.Error("Closed: want true after EOF")
	}
	c.Close()
}

func TestCodec_FlushTimeout(t *testing.T) {
	port := newFakePort()
	port.gate = make(chan struct{})
	c := NewCodec(port, nil)

	c.Send(protocol.TagServoDemand, []byte{1, 2, 3, 4, 5, 6})
	err := c.Flush(20 * time.Millisecond)
	if !errors.Is(err, ErrFlushTimeout) {
		t.Errorf("Flush: got %v, want ErrFlushTimeout", err)
	}

	close(port.gate)
	c.Close()
}

func TestTxRing_WrapAround(t *testing.T) {
	r := newTxRing(8)
	buf := make([]byte, 8)

	for round := 0; round < 20; round++ {
		in := []byte{byte(round), byte(round + 1), byte(round + 2), byte(round + 3), byte(round + 4)}
		if !r.Write(in) {
			t.Fatalf("round %d: Write refused with %d free", round, r.Space())
		}
		if r.Write(in) {
			t.Fatalf("round %d: second Write should not fit", round)
		}
		n := r.Read(buf)
		if n != len(in) || !bytes.Equal(buf[:n], in) {
			t.Fatalf("round %d: got % x, want % x", round, buf[:n], in)
		}
	}
	if r.Available() != 0 || r.Space() != 8 {
		t.Errorf("ring not empty: avail=%d space=%d", r.Available(), r.Space())
	}
}
