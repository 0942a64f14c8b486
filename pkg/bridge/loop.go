// Package bridge connects a host control loop to the DogBot motor
// controllers: the Loop translates host-loop time into state queries and
// trajectory demands, the Runner drives it at a fixed rate, and the Bridge
// assembles link, router, registry and loop from configuration.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/teslashibe/go-dogbot/internal/config"
	"github.com/teslashibe/go-dogbot/pkg/actuator"
	"github.com/teslashibe/go-dogbot/pkg/joints"
	"github.com/teslashibe/go-dogbot/pkg/link"
)

// LoopStats are the write-side counters of a Loop.
type LoopStats struct {
	Writes   uint64 `json:"writes"`
	Disabled uint64 `json:"disabled"`
	Dropped  uint64 `json:"dropped"`
	Errors   uint64 `json:"errors"`
}

// Loop is the periodic read/write facade used by a host control loop.
//
// Joint i of the host loop is bound at Init to the actuator its name
// resolves to. Slots whose name resolves to nothing stay nil: Read leaves
// them at zero and Write skips them.
//
// Init, SetWritePeriod, Read, Write and Reset and the array accessors
// belong to the host-loop goroutine.
type Loop struct {
	cfg      *config.Config
	registry *joints.Registry
	logger   *slog.Logger

	names    []string
	proxies  []*actuator.Proxy
	limiters []Limiter

	pos, vel, eff, cmd []float64
	stale              []bool

	period  time.Duration
	ready   bool
	enabled atomic.Bool
	rearm   atomic.Bool // set when control is switched back on

	writes   atomic.Uint64
	disabled atomic.Uint64
	dropped  atomic.Uint64
	failures atomic.Uint64
}

// NewLoop creates a loop over the host joints of cfg.
func NewLoop(cfg *config.Config, registry *joints.Registry, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With("component", "loop"),
	}
	l.enabled.Store(cfg.EnableControl)
	return l
}

// Init binds every host joint to its actuator and sets up the command
// limits. Joints that resolve to nothing are logged and returned joined in
// the error; the loop is usable either way.
func (l *Loop) Init() error {
	l.names = l.cfg.ControlJointNames()
	n := len(l.names)
	l.proxies = make([]*actuator.Proxy, n)
	l.limiters = make([]Limiter, n)
	l.pos = make([]float64, n)
	l.vel = make([]float64, n)
	l.eff = make([]float64, n)
	l.cmd = make([]float64, n)
	l.stale = make([]bool, n)

	var errs []error
	for i, name := range l.names {
		p, err := l.registry.Resolve(name)
		if err != nil {
			l.logger.Error("no actuator for joint", "joint", name, "error", err)
			errs = append(errs, err)
			continue
		}
		l.proxies[i] = p
		l.limiters[i] = l.newLimiter(p)
		l.logger.Info("joint bound", "joint", name, "actuator", p.Name(), "id", p.ID())
	}
	l.ready = true
	return errors.Join(errs...)
}

func (l *Loop) newLimiter(p *actuator.Proxy) Limiter {
	lo, hi := p.Limits()
	jc, _ := l.cfg.Joint(p.Name())
	if l.cfg.UseSoftLimitsIfAvailable && jc.SoftLimits != nil {
		sl := jc.SoftLimits
		l.logger.Debug("using soft limits", "actuator", p.Name())
		return NewSoftLimits(lo, hi, sl.Min, sl.Max, sl.KPosition, p.VelocityLimit())
	}
	return NewSaturation(lo, hi, p.VelocityLimit())
}

// EffortLimit returns the effort limit demanded of a joint: its own limit
// bounded by the global maximum torque.
func EffortLimit(jointLimit, maxTorque float64) float64 {
	if jointLimit <= 0 || jointLimit > maxTorque {
		return maxTorque
	}
	return jointLimit
}

// SetWritePeriod configures every shaper for the control period T with
// the joint's effort limit bounded by the global maximum torque. Call it
// after Init and whenever the loop rate changes.
func (l *Loop) SetWritePeriod(period time.Duration) error {
	if !l.ready {
		return ErrNotInitialized
	}
	for i, p := range l.proxies {
		if p == nil {
			continue
		}
		effort := EffortLimit(p.EffortLimit(), l.cfg.MaxTorque)
		if err := p.SetupTrajectory(period, effort); err != nil {
			return fmt.Errorf("joint %s: %w", l.names[i], err)
		}
	}
	l.period = period
	l.logger.Debug("write period set", "period", period)
	return nil
}

// Read fills the state arrays with each joint's estimate at now.
func (l *Loop) Read(now actuator.TimePoint, elapsed time.Duration) {
	for i, p := range l.proxies {
		if p == nil {
			continue
		}
		r := p.StateAt(now)
		l.pos[i] = r.Position
		l.vel[i] = r.Velocity
		l.eff[i] = r.Effort
		l.stale[i] = r.Stale
	}
}

// Write enforces the command limits and demands the next trajectory segment
// of every bound joint. It does nothing while control is disabled.
//
// Demands dropped on a full transmit queue are counted, not returned. Any
// other failure is counted and the first one is returned after every joint
// has been written.
func (l *Loop) Write(now actuator.TimePoint, elapsed time.Duration) error {
	if !l.enabled.Load() {
		l.disabled.Add(1)
		return nil
	}
	if !l.ready {
		return ErrNotInitialized
	}
	if elapsed <= 0 {
		elapsed = l.period
	}
	if l.rearm.Swap(false) {
		l.restart()
	}
	l.writes.Add(1)

	var first error
	for i, p := range l.proxies {
		if p == nil {
			continue
		}
		l.cmd[i] = l.limiters[i].Enforce(l.cmd[i], l.pos[i], elapsed)
		_, err := p.Demand(now, l.cmd[i])
		switch {
		case err == nil:
		case errors.Is(err, link.ErrTxFull):
			l.dropped.Add(1)
		default:
			l.failures.Add(1)
			if first == nil {
				first = fmt.Errorf("joint %s: %w", l.names[i], err)
			}
		}
	}
	return first
}

// Reset clears the limit enforcement state, e.g. after a controller switch
// or an emergency stop.
func (l *Loop) Reset() {
	for _, lim := range l.limiters {
		if lim != nil {
			lim.Reset()
		}
	}
}

// restart drops the limit memory and every trajectory chain, so the next
// demands start from the measured positions.
func (l *Loop) restart() {
	l.Reset()
	for _, p := range l.proxies {
		if p != nil {
			p.Shaper().Reset()
		}
	}
}

// SetControlEnabled switches demand output on or off. Safe for concurrent
// use. Switching it back on makes the next Write start over from the
// measured positions.
func (l *Loop) SetControlEnabled(on bool) {
	if was := l.enabled.Swap(on); on && !was {
		l.rearm.Store(true)
	}
}

// ControlEnabled reports whether Write sends demands.
func (l *Loop) ControlEnabled() bool { return l.enabled.Load() }

// Len returns the number of host joints.
func (l *Loop) Len() int { return len(l.names) }

// Names returns the host joint names in index order.
func (l *Loop) Names() []string { return append([]string(nil), l.names...) }

// Proxy returns the actuator bound to joint i, or nil.
func (l *Loop) Proxy(i int) *actuator.Proxy {
	if i < 0 || i >= len(l.proxies) {
		return nil
	}
	return l.proxies[i]
}

// Name returns the host joint name of index i.
func (l *Loop) Name(i int) string { return l.names[i] }

// Index returns the index of the named host joint.
func (l *Loop) Index(name string) (int, bool) {
	for i, n := range l.names {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

// The state and command arrays are owned by the loop and shared with the
// host loop, which reads the state and writes the commands in place.

func (l *Loop) Positions() []float64  { return l.pos }
func (l *Loop) Velocities() []float64 { return l.vel }
func (l *Loop) Efforts() []float64    { return l.eff }
func (l *Loop) Commands() []float64   { return l.cmd }

// Stale reports whether the last Read of joint i was past the freshness
// window.
func (l *Loop) Stale(i int) bool { return l.stale[i] }

// SetCommand sets the position command of joint i.
func (l *Loop) SetCommand(i int, rad float64) error {
	if i < 0 || i >= len(l.cmd) {
		return fmt.Errorf("%w: %d", ErrIndex, i)
	}
	l.cmd[i] = rad
	return nil
}

// Period returns the write period last set.
func (l *Loop) Period() time.Duration { return l.period }

// Stats returns the write counters.
func (l *Loop) Stats() LoopStats {
	return LoopStats{
		Writes:   l.writes.Load(),
		Disabled: l.disabled.Load(),
		Dropped:  l.dropped.Load(),
		Errors:   l.failures.Load(),
	}
}

// StateTable renders the last read state and commands for debugging.
func (l *Loop) StateTable() string {
	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "joint\tposition\tvelocity\teffort\tcommand\t")
	for i, name := range l.names {
		if l.proxies[i] == nil {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t\n", name)
			continue
		}
		mark := ""
		if l.stale[i] {
			mark = " (stale)"
		}
		fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%.4f\t%.4f%s\t\n",
			name, l.pos[i], l.vel[i], l.eff[i], l.cmd[i], mark)
	}
	tw.Flush()
	return sb.String()
}
