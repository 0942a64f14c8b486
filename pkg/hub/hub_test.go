package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-dogbot/internal/log"
	"github.com/teslashibe/go-dogbot/pkg/protocol"
)

// fakeConn is an in-memory websocket connection.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	types   []int
	inbox   chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 8), closed: make(chan struct{})}
}

func (f *fakeConn) SetReadLimit(int64) {}
func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.inbox:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errors.New("closed")
	}
}

func (f *fakeConn) WriteMessage(mt int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("closed")
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	f.types = append(f.types, mt)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) textMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for i, d := range f.written {
		if f.types[i] == websocket.TextMessage {
			out = append(out, string(d))
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New("test", log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	waitFor(t, "hub running", h.IsRunning)
	return h, cancel
}

func TestHub_BroadcastReachesClients(t *testing.T) {
	h, cancel := startHub(t)
	defer cancel()

	conns := []*fakeConn{newFakeConn(), newFakeConn()}
	for _, fc := range conns {
		c := NewClient(h, fc)
		go c.Run()
	}
	waitFor(t, "clients", func() bool { return h.ClientCount() == 2 })

	msg, err := protocol.NewStateMessage(protocol.StateData{Session: "abc"})
	if err != nil {
		t.Fatalf("NewStateMessage: %v", err)
	}
	if err := h.BroadcastMessage(msg); err != nil {
		t.Fatalf("BroadcastMessage: %v", err)
	}

	for i, fc := range conns {
		waitFor(t, "message", func() bool { return len(fc.textMessages()) == 1 })
		got, err := protocol.ParseMessage([]byte(fc.textMessages()[0]))
		if err != nil || got.Type != protocol.TypeState {
			t.Errorf("client %d: got %+v, %v", i, got, err)
		}
	}
	if s := h.Stats(); s.Broadcasts != 1 || s.Clients != 2 {
		t.Errorf("stats: got %+v", s)
	}
}

func TestHub_Disconnect(t *testing.T) {
	h, cancel := startHub(t)
	defer cancel()

	fc := newFakeConn()
	go NewClient(h, fc).Run()
	waitFor(t, "client", func() bool { return h.ClientCount() == 1 })

	fc.Close()
	waitFor(t, "disconnect", func() bool { return h.ClientCount() == 0 })
}

func TestHub_OnMessage(t *testing.T) {
	h, cancel := startHub(t)
	defer cancel()

	fc := newFakeConn()
	c := NewClient(h, fc)
	c.OnMessage = func(c *Client, data []byte) {
		c.Send(NewJSONMessage([]byte(`{"echo":` + string(data) + `}`)))
	}
	go c.Run()

	fc.inbox <- []byte(`1`)
	waitFor(t, "echo", func() bool { return len(fc.textMessages()) == 1 })
	if got := fc.textMessages()[0]; got != `{"echo":1}` {
		t.Errorf("echo: got %s", got)
	}
	if s := h.Stats(); s.Replies != 1 {
		t.Errorf("Replies: got %d, want 1", s.Replies)
	}
}

// Replies from the read goroutine keep flowing while the hub shuts down;
// the hub closes client queues only from its own loop.
func TestHub_SendDuringShutdown(t *testing.T) {
	h, cancel := startHub(t)

	fc := newFakeConn()
	c := NewClient(h, fc)
	go c.Run()
	waitFor(t, "client", func() bool { return h.ClientCount() == 1 })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				c.Send(NewJSONMessage([]byte(`{"type":"pong"}`)))
			}
		}()
	}
	cancel()
	wg.Wait()

	waitFor(t, "hub stopped", func() bool { return !h.IsRunning() })
	if c.Send(NewJSONMessage([]byte(`{}`))) {
		t.Error("Send after the hub stopped should report false")
	}
}

func TestHub_ReplyToDepartedClient(t *testing.T) {
	h, cancel := startHub(t)
	defer cancel()

	fc := newFakeConn()
	c := NewClient(h, fc)
	go c.Run()
	waitFor(t, "client", func() bool { return h.ClientCount() == 1 })

	fc.Close()
	waitFor(t, "disconnect", func() bool { return h.ClientCount() == 0 })

	if !c.Send(NewJSONMessage([]byte(`{}`))) {
		t.Fatal("Send to a running hub should be accepted")
	}
	// The hub discards the reply; a later broadcast proves the loop is alive.
	h.BroadcastJSON(map[string]int{"n": 1})
	waitFor(t, "broadcast processed", func() bool { return len(h.broadcast) == 0 && len(h.direct) == 0 })
	if s := h.Stats(); s.Replies != 0 {
		t.Errorf("Replies: got %d, want 0", s.Replies)
	}
}

func TestHub_StopDisconnectsClients(t *testing.T) {
	h, cancel := startHub(t)

	fc := newFakeConn()
	go NewClient(h, fc).Run()
	waitFor(t, "client", func() bool { return h.ClientCount() == 1 })

	cancel()
	waitFor(t, "hub stopped", func() bool { return !h.IsRunning() })
	if h.ClientCount() != 0 {
		t.Errorf("clients after stop: %d", h.ClientCount())
	}
	if c := NewClient(h, newFakeConn()); c != nil {
		t.Error("NewClient on a stopped hub should return nil")
	}
}

func TestHub_BroadcastWithoutClients(t *testing.T) {
	h := New("idle", log.Discard())
	// Not running: the queue fills and further messages are dropped.
	for i := 0; i < 300; i++ {
		h.BroadcastJSON(map[string]int{"i": i})
	}
	if s := h.Stats(); s.Broadcasts != 256 || s.Dropped != 44 {
		t.Errorf("stats: got %+v", s)
	}
}
