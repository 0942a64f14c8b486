package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-dogbot/internal/config"
	"github.com/teslashibe/go-dogbot/pkg/actuator"
	"github.com/teslashibe/go-dogbot/pkg/joints"
	"github.com/teslashibe/go-dogbot/pkg/link"
	"github.com/teslashibe/go-dogbot/pkg/protocol"
	"github.com/teslashibe/go-dogbot/pkg/router"
)

// Options configures a Bridge.
type Options struct {
	Logger     *slog.Logger
	Clock      *actuator.Clock
	Controller Controller
}

// Option is a functional option for configuring a Bridge.
type Option func(*Options)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithClock sets the host clock. Tests use it to share a clock with a
// simulated device.
func WithClock(clock *actuator.Clock) Option {
	return func(o *Options) {
		o.Clock = clock
	}
}

// WithController replaces the built-in HoldController as command source.
func WithController(ctrl Controller) Option {
	return func(o *Options) {
		o.Controller = ctrl
	}
}

// Bridge ties one serial link to the actuator proxies of a robot and the
// host loop that drives them.
//
// The link goroutine (Run) decodes servo reports into the proxies; the
// host-loop goroutine reads their state and sends demands. Telemetry
// accessors may be called from any goroutine.
type Bridge struct {
	cfg     *config.Config
	session uuid.UUID
	logger  *slog.Logger
	clock   *actuator.Clock
	started time.Time

	router   *router.Router
	codec    *link.Codec
	registry *joints.Registry
	loop     *Loop
	hold     *HoldController
	runner   *Runner

	badReports    atomic.Uint64
	unknownJoints atomic.Uint64

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// ActuatorConfig derives the proxy configuration of one joint.
func ActuatorConfig(cfg *config.Config, jc config.JointConfig) actuator.Config {
	return actuator.Config{
		Name: jc.Name,
		ID:   jc.ID,
		Type: jc.JointType(),
		Mode: jc.DemandMode(),
		Converter: actuator.Converter{
			Scale:       jc.Scale,
			Offset:      jc.Offset,
			EffortScale: jc.EffortScale,
		},
		PositionMin:   jc.PositionMin,
		PositionMax:   jc.PositionMax,
		VelocityLimit: jc.EffectiveVelocityLimit(cfg.JointVelocityLimit),
		EffortLimit:   jc.EffortLimit,
		RingSize:      cfg.RingSize,
		NominalPeriod: cfg.NominalPeriod,
		TickPeriod:    cfg.TickPeriod,
		WrapThreshold: uint16(cfg.TickWrapThreshold),
	}
}

// Open opens the configured serial device and builds a bridge on it.
// A device that cannot be opened yields a *link.OpenError.
func Open(cfg *config.Config, opts ...Option) (*Bridge, error) {
	port, err := link.OpenSerial(cfg.DevicePath, cfg.BaudRate)
	if err != nil {
		return nil, err
	}
	return New(cfg, port, opts...)
}

// New builds a bridge on an open byte channel. The bridge owns port and
// closes it on Close. Joints of the host loop that resolve to no actuator
// are logged and left unbound.
func New(cfg *config.Config, port io.ReadWriteCloser, opts ...Option) (*Bridge, error) {
	o := Options{Logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Clock == nil {
		o.Clock = actuator.NewClock()
	}

	b := &Bridge{
		cfg:     cfg,
		session: uuid.New(),
		clock:   o.Clock,
		started: time.Now(),
	}
	b.logger = o.Logger.With("session", b.session.String()[:8])

	b.router = router.New(b.logger)
	b.codec = link.NewCodec(port, b.router,
		link.WithMaxBody(cfg.MaxBody),
		link.WithTxBufferSize(cfg.TxBufferSize),
		link.WithLogger(b.logger))

	b.registry = joints.New(cfg.UseVirtualKneeJoints)
	for _, jc := range cfg.Joints {
		if err := b.registry.Add(actuator.NewProxy(ActuatorConfig(cfg, jc), b.codec)); err != nil {
			b.codec.Close()
			return nil, fmt.Errorf("%w: %v", config.ErrConfigInvalid, err)
		}
	}
	b.router.RegisterFunc(protocol.TagServoReport, b.handleReport)

	b.loop = NewLoop(cfg, b.registry, b.logger)
	if err := b.loop.Init(); err != nil {
		b.logger.Warn("host loop has unbound joints", "error", err)
	}

	ctrl := o.Controller
	if ctrl == nil {
		b.hold = NewHoldController()
		ctrl = b.hold
	}
	b.runner = NewRunner(b.loop, ctrl, b.clock, cfg.LoopPeriod(), b.logger)

	b.logger.Info("bridge ready",
		"device", cfg.DevicePath,
		"actuators", b.registry.Len(),
		"joints", b.loop.Len(),
		"control", cfg.EnableControl,
		"virtual_knees", cfg.UseVirtualKneeJoints)
	return b, nil
}

func (b *Bridge) handleReport(payload []byte) {
	now := b.clock.Now()
	r, err := protocol.UnmarshalServoReport(payload)
	if err != nil {
		if b.badReports.Add(1) == 1 {
			b.logger.Warn("malformed servo report", "error", err)
		}
		return
	}
	p := b.registry.ByID(r.JointID)
	if p == nil {
		if b.unknownJoints.Add(1) == 1 {
			b.logger.Warn("servo report from unconfigured joint", "id", r.JointID)
		}
		return
	}
	_, prev := p.HandleReport(now, r)
	if cur := p.Calibration(); cur != prev {
		b.logger.Info("calibration changed", "actuator", p.Name(), "from", prev, "to", cur)
	}
}

// Run runs the link reader and the host loop until ctx is done, the
// runner is stopped, or the link fails. A link closed by Close or by
// cancellation is not an error.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	linkDone := make(chan error, 1)
	go func() {
		err := b.codec.Run(ctx)
		if link.IsClosed(err) && (ctx.Err() != nil || b.closing.Load()) {
			err = nil
		}
		linkDone <- err
		cancel()
	}()

	err := b.runner.Run(ctx)
	cancel()

	select {
	case lerr := <-linkDone:
		if lerr != nil {
			return fmt.Errorf("bridge: link: %w", lerr)
		}
	default:
	}
	return err
}

// Close stops the host loop and shuts the link down, flushing queued
// demands for at most the configured shutdown timeout.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.closing.Store(true)
		b.runner.Stop()
		b.closeErr = b.codec.Shutdown(b.cfg.ShutdownTimeout)
		b.logger.Info("bridge closed")
	})
	return b.closeErr
}

// Session returns the id of this bridge instance.
func (b *Bridge) Session() uuid.UUID { return b.session }

// Config returns the configuration the bridge was built from.
func (b *Bridge) Config() *config.Config { return b.cfg }

// Clock returns the host clock.
func (b *Bridge) Clock() *actuator.Clock { return b.clock }

// Loop returns the host-loop facade.
func (b *Bridge) Loop() *Loop { return b.loop }

// Registry returns the actuator registry.
func (b *Bridge) Registry() *joints.Registry { return b.registry }

// Runner returns the host-loop driver.
func (b *Bridge) Runner() *Runner { return b.runner }

// Codec returns the link codec.
func (b *Bridge) Codec() *link.Codec { return b.codec }

// SetControlEnabled switches demand output on or off.
func (b *Bridge) SetControlEnabled(on bool) {
	b.loop.SetControlEnabled(on)
	b.logger.Info("control switched", "enabled", on)
}

// SetTarget sets the position target of a joint, by host joint name or
// actuator name. It fails when an external controller supplies the
// commands.
func (b *Bridge) SetTarget(name string, rad float64) error {
	if b.hold == nil {
		return ErrExternalController
	}
	i, ok := b.jointIndex(name)
	if !ok {
		return fmt.Errorf("%w: %q", joints.ErrUnknownJoint, name)
	}
	if b.loop.Proxy(i) == nil {
		return fmt.Errorf("%w: %q is not bound", joints.ErrUnknownJoint, name)
	}
	b.hold.SetTarget(b.loop.Name(i), rad)
	return nil
}

// ClearTargets returns every joint to its held position.
func (b *Bridge) ClearTargets() {
	if b.hold != nil {
		b.hold.ClearTargets()
	}
}

func (b *Bridge) jointIndex(name string) (int, bool) {
	if i, ok := b.loop.Index(name); ok {
		return i, true
	}
	return b.loop.Index(strings.TrimSuffix(name, joints.JointSuffix) + joints.JointSuffix)
}

func (b *Bridge) jointState(i int, now actuator.TimePoint) protocol.JointStateData {
	js := protocol.JointStateData{Name: b.loop.Name(i)}
	p := b.loop.Proxy(i)
	if p == nil {
		js.Stale = true
		return js
	}
	r := p.StateAt(now)
	js.Actuator = p.Name()
	js.Position = r.Position
	js.Velocity = r.Velocity
	js.Effort = r.Effort
	js.Stale = r.Stale
	js.Calibration = p.Calibration().String()
	if seg, _, ok := p.Shaper().Segment(); ok {
		js.Command = seg.P1
	}
	return js
}

// Joint returns the current state of one joint, by host joint name or
// actuator name.
func (b *Bridge) Joint(name string) (protocol.JointStateData, bool) {
	i, ok := b.jointIndex(name)
	if !ok {
		return protocol.JointStateData{}, false
	}
	return b.jointState(i, b.clock.Now()), true
}

// Snapshot returns the current state of every host joint.
func (b *Bridge) Snapshot() protocol.StateData {
	now := b.clock.Now()
	s := protocol.StateData{
		Session: b.session.String(),
		Cycle:   b.runner.Stats().Ticks,
		Control: b.loop.ControlEnabled(),
		Joints:  make([]protocol.JointStateData, b.loop.Len()),
	}
	for i := range s.Joints {
		s.Joints[i] = b.jointState(i, now)
	}
	return s
}

// Counters returns the observability counters of link, router and
// actuators.
func (b *Bridge) Counters() protocol.CountersData {
	ls := b.codec.Stats()
	rs := b.router.Stats()
	c := protocol.CountersData{
		RxBytes:       ls.RxBytes,
		Frames:        ls.Frames,
		FramingErrors: ls.FramingErrors,
		CRCErrors:     ls.CRCErrors,
		NoiseBytes:    ls.NoiseBytes,
		TxFrames:      ls.TxFrames,
		TxDropped:     ls.TxDropped,
		UnknownTags:   rs.UnknownTags,
		HandlerPanics: rs.HandlerPanics,
		BadReports:    b.badReports.Load(),
		UnknownJoints: b.unknownJoints.Load(),
	}
	for _, p := range b.registry.All() {
		ss := p.State().Stats()
		c.OutOfOrder += ss.OutOfOrder
		c.TickGaps += ss.TickGaps
		c.DroppedDemands += p.Shaper().Stats().Dropped
	}
	return c
}

// Status describes the running bridge.
func (b *Bridge) Status() protocol.StatusData {
	bound := 0
	for i := 0; i < b.loop.Len(); i++ {
		if b.loop.Proxy(i) != nil {
			bound++
		}
	}
	return protocol.StatusData{
		Session:    b.session.String(),
		Device:     b.cfg.DevicePath,
		Uptime:     time.Since(b.started).Seconds(),
		Control:    b.loop.ControlEnabled(),
		LoopPeriod: b.runner.Period().Seconds(),
		Joints:     b.loop.Len(),
		Bound:      bound,
		LinkClosed: b.codec.Closed(),
	}
}
