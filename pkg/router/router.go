// Package router dispatches decoded packets to handlers by packet tag.
package router

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/teslashibe/go-dogbot/pkg/protocol"
)

// Handler receives the payload of every packet with its tag.
// The payload is only valid for the duration of the call.
type Handler interface {
	Receive(payload []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(payload []byte)

// Receive calls f(payload).
func (f HandlerFunc) Receive(payload []byte) { f(payload) }

// Stats is a snapshot of the router counters.
type Stats struct {
	Dispatched    uint64 `json:"dispatched"`
	UnknownTags   uint64 `json:"unknown_tags"`
	HandlerPanics uint64 `json:"handler_panics"`
}

type slot struct {
	h Handler
}

// Router maps packet tags to handlers. Dispatch runs on the link goroutine;
// Register may be called from any goroutine.
type Router struct {
	handlers [256]atomic.Pointer[slot]
	logger   *slog.Logger

	dispatched atomic.Uint64
	unknown    atomic.Uint64
	panics     atomic.Uint64
}

// New creates an empty router. A nil logger selects slog.Default().
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger.With("component", "router")}
}

// Register installs h for tag, replacing any previous handler.
// A nil handler removes the registration.
func (r *Router) Register(tag protocol.Tag, h Handler) {
	if h == nil {
		r.handlers[tag].Store(nil)
		return
	}
	r.handlers[tag].Store(&slot{h: h})
}

// RegisterFunc installs a function handler for tag.
func (r *Router) RegisterFunc(tag protocol.Tag, f func(payload []byte)) {
	r.Register(tag, HandlerFunc(f))
}

// Dispatch hands p to its handler synchronously. Packets with no handler
// are counted and dropped. A panicking handler is logged and counted; the
// panic does not reach the caller.
func (r *Router) Dispatch(p protocol.Packet) {
	s := r.handlers[p.Tag].Load()
	if s == nil {
		if r.unknown.Add(1) == 1 {
			r.logger.Debug("dropping packet with unknown tag", "tag", p.Tag)
		}
		return
	}
	r.dispatched.Add(1)
	r.call(s.h, p)
}

func (r *Router) call(h Handler, p protocol.Packet) {
	defer func() {
		if v := recover(); v != nil {
			n := r.panics.Add(1)
			r.logger.Error("packet handler panicked",
				"tag", p.Tag,
				"panic", fmt.Sprint(v),
				"total", n)
		}
	}()
	h.Receive(p.Payload)
}

// Stats returns the router counters.
func (r *Router) Stats() Stats {
	return Stats{
		Dispatched:    r.dispatched.Load(),
		UnknownTags:   r.unknown.Load(),
		HandlerPanics: r.panics.Load(),
	}
}
