package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-dogbot/pkg/protocol"
)

// Stats are the hub counters.
type Stats struct {
	Clients     int    `json:"clients"`
	Broadcasts  uint64 `json:"broadcasts"`
	Dropped     uint64 `json:"dropped"`
	SlowClients uint64 `json:"slow_clients"`
	Replies     uint64 `json:"replies"`
}

// reply is a message for a single client.
type reply struct {
	c *Client
	m Message
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	name   string
	logger *slog.Logger

	clients map[*Client]struct{}
	mu      sync.RWMutex

	broadcast  chan Message
	direct     chan reply
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	running     atomic.Bool
	broadcasts  atomic.Uint64
	dropped     atomic.Uint64
	slowClients atomic.Uint64
	replies     atomic.Uint64
}

// New creates a hub. A nil logger selects slog.Default().
func New(name string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		name:       name,
		logger:     logger.With("component", "hub", "hub", name),
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan Message, 256),
		direct:     make(chan reply, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run is the hub loop. It returns when ctx is done, after disconnecting
// every client. Client queues are written and closed only here.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer func() {
		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		close(h.done)
		h.running.Store(false)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", "clients", n)

		case r := <-h.direct:
			h.mu.Lock()
			if _, ok := h.clients[r.c]; ok {
				select {
				case r.c.send <- r.m:
					h.replies.Add(1)
				default:
					h.dropped.Add(1)
				}
			}
			h.mu.Unlock()

		case m := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- m:
				default:
					// Too slow to keep up: drop it.
					close(c.send)
					delete(h.clients, c)
					h.slowClients.Add(1)
					h.logger.Warn("dropped slow client")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for every connected client. It never blocks;
// a message that does not fit in the queue is dropped and counted.
func (h *Hub) Broadcast(m Message) {
	select {
	case h.broadcast <- m:
		h.broadcasts.Add(1)
	default:
		if h.dropped.Add(1) == 1 {
			h.logger.Warn("broadcast queue full, dropping messages")
		}
	}
}

// BroadcastJSON encodes and broadcasts v.
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(NewJSONMessage(data))
	return nil
}

// BroadcastMessage encodes and broadcasts a telemetry envelope.
func (h *Hub) BroadcastMessage(m *protocol.Message) error {
	msg, err := FromProtocol(m)
	if err != nil {
		return err
	}
	h.Broadcast(msg)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// IsRunning reports whether Run is active.
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}

// Name returns the hub name.
func (h *Hub) Name() string { return h.name }

// Stats returns the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Clients:     h.ClientCount(),
		Broadcasts:  h.broadcasts.Load(),
		Dropped:     h.dropped.Load(),
		SlowClients: h.slowClients.Load(),
		Replies:     h.replies.Load(),
	}
}
