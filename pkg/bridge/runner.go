package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-dogbot/pkg/actuator"
)

// HeartbeatInterval is how often the runner logs its counters.
const HeartbeatInterval = 5 * time.Second

// Controller computes the position commands of one cycle from the state
// just read. It reports whether the commands should be written.
type Controller interface {
	Update(now actuator.TimePoint, elapsed time.Duration, l *Loop) bool
}

// ControllerFunc adapts a function to Controller.
type ControllerFunc func(now actuator.TimePoint, elapsed time.Duration, l *Loop) bool

// Update calls f.
func (f ControllerFunc) Update(now actuator.TimePoint, elapsed time.Duration, l *Loop) bool {
	return f(now, elapsed, l)
}

// RunnerStats are the runner diagnostics.
type RunnerStats struct {
	Ticks         uint64        `json:"ticks"`
	Errors        uint64        `json:"errors"`
	SkippedWrites uint64        `json:"skipped_writes"`
	Overruns      uint64        `json:"overruns"`
	Period        time.Duration `json:"period"`
}

// Runner drives a Loop at a fixed rate: read, controller update, write.
type Runner struct {
	loop   *Loop
	ctrl   Controller
	clock  *actuator.Clock
	logger *slog.Logger

	period   time.Duration
	rate     chan time.Duration
	stop     chan struct{}
	stopOnce sync.Once

	tickCount     atomic.Uint64
	errorCount    atomic.Uint64
	skippedWrites atomic.Uint64
	overruns      atomic.Uint64
	periodNanos   atomic.Int64

	lastErrorTime time.Time
}

// NewRunner creates a runner at the given period. A nil controller writes
// whatever commands are in the loop arrays every cycle.
func NewRunner(loop *Loop, ctrl Controller, clock *actuator.Clock, period time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		loop:   loop,
		ctrl:   ctrl,
		clock:  clock,
		logger: logger.With("component", "runner"),
		period: period,
		rate:   make(chan time.Duration, 1),
		stop:   make(chan struct{}),
	}
	r.periodNanos.Store(int64(period))
	return r
}

// Run configures the write period and runs the loop until ctx is done or
// Stop is called.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.loop.SetWritePeriod(r.period); err != nil {
		return err
	}
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	r.logger.Info("host loop started", "period", r.period, "joints", r.loop.Len())
	last := r.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stop:
			return nil
		case p := <-r.rate:
			if err := r.loop.SetWritePeriod(p); err != nil {
				r.logger.Error("rate change rejected", "period", p, "error", err)
				continue
			}
			r.period = p
			r.periodNanos.Store(int64(p))
			ticker.Reset(p)
			r.logger.Info("host loop rate changed", "period", p)
		case <-ticker.C:
			now := r.clock.Now()
			r.Step(now, now.Sub(last))
			last = now
			if spent := r.clock.Now().Sub(now); spent > r.period {
				r.overruns.Add(1)
			}
		}
	}
}

// Step runs one cycle at now.
func (r *Runner) Step(now actuator.TimePoint, elapsed time.Duration) {
	r.loop.Read(now, elapsed)

	write := true
	if r.ctrl != nil {
		write = r.ctrl.Update(now, elapsed, r.loop)
	}
	if write {
		if err := r.loop.Write(now, elapsed); err != nil {
			n := r.errorCount.Add(1)
			// At most one log line per heartbeat interval.
			if r.lastErrorTime.IsZero() || time.Since(r.lastErrorTime) > HeartbeatInterval {
				r.logger.Warn("write failed", "error", err, "total", n)
				r.lastErrorTime = time.Now()
			}
		}
	} else {
		r.skippedWrites.Add(1)
	}

	n := r.tickCount.Add(1)
	if every := r.heartbeatTicks(); n%every == 0 {
		ls := r.loop.Stats()
		r.logger.Info("heartbeat",
			"ticks", n,
			"errors", r.errorCount.Load(),
			"skipped", r.skippedWrites.Load(),
			"overruns", r.overruns.Load(),
			"dropped", ls.Dropped,
			"control", r.loop.ControlEnabled())
		if r.logger.Enabled(context.Background(), slog.LevelDebug) {
			r.logger.Debug("joint state\n" + r.loop.StateTable())
		}
	}
}

func (r *Runner) heartbeatTicks() uint64 {
	p := time.Duration(r.periodNanos.Load())
	if p <= 0 || p >= HeartbeatInterval {
		return 1
	}
	return uint64(HeartbeatInterval / p)
}

// SetRate asks the running loop to switch to a new period. The shapers are
// reconfigured before the next cycle. A pending change not yet applied is
// replaced.
func (r *Runner) SetRate(period time.Duration) {
	select {
	case <-r.rate:
	default:
	}
	r.rate <- period
}

// Period returns the current loop period.
func (r *Runner) Period() time.Duration { return time.Duration(r.periodNanos.Load()) }

// Stop halts the loop. Safe to call more than once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Stats returns the runner diagnostics.
func (r *Runner) Stats() RunnerStats {
	return RunnerStats{
		Ticks:         r.tickCount.Load(),
		Errors:        r.errorCount.Load(),
		SkippedWrites: r.skippedWrites.Load(),
		Overruns:      r.overruns.Load(),
		Period:        r.Period(),
	}
}

// HoldController is the command source of the standalone bridge. Each joint
// holds the first fresh position read from it until a target is set.
// Targets may be set from any goroutine.
type HoldController struct {
	mu       sync.Mutex
	targets  map[string]float64
	hold     []float64
	captured []bool
}

// NewHoldController returns a controller with no targets.
func NewHoldController() *HoldController {
	return &HoldController{targets: make(map[string]float64)}
}

// SetTarget sets the position target of a host joint.
func (h *HoldController) SetTarget(joint string, rad float64) {
	h.mu.Lock()
	h.targets[joint] = rad
	h.mu.Unlock()
}

// Target returns the target of a host joint, if one is set.
func (h *HoldController) Target(joint string) (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.targets[joint]
	return t, ok
}

// ClearTargets returns every joint to its held position.
func (h *HoldController) ClearTargets() {
	h.mu.Lock()
	clear(h.targets)
	h.mu.Unlock()
}

// Update sets the commands. Writing starts once every bound joint has
// reported a fresh position.
func (h *HoldController) Update(now actuator.TimePoint, elapsed time.Duration, l *Loop) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.hold) != l.Len() {
		h.hold = make([]float64, l.Len())
		h.captured = make([]bool, l.Len())
	}
	pos, cmd := l.Positions(), l.Commands()
	ready := true
	for i := range h.hold {
		if l.Proxy(i) == nil {
			continue
		}
		if !h.captured[i] {
			if l.Stale(i) {
				ready = false
				continue
			}
			h.hold[i], h.captured[i] = pos[i], true
		}
		if t, ok := h.targets[l.Name(i)]; ok {
			cmd[i] = t
		} else {
			cmd[i] = h.hold[i]
		}
	}
	return ready
}
