// Package sim simulates a bus of DogBot motor controllers behind a byte
// channel. It speaks the same framed protocol as the hardware: it decodes
// ServoDemand packets, moves each simulated joint towards its target and
// streams ServoReport packets back.
package sim

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-dogbot/internal/config"
	"github.com/teslashibe/go-dogbot/internal/mathx"
	"github.com/teslashibe/go-dogbot/pkg/link"
	"github.com/teslashibe/go-dogbot/pkg/protocol"
)

// Defaults for a simulated device.
const (
	DefaultReportPeriod = 10 * time.Millisecond
	DefaultTickPeriod   = time.Millisecond
	DefaultMaxVelocity  = 5.0 // rad/s

	// effortGain converts position error (rad) to effort (N·m) before the
	// demanded torque limit applies.
	effortGain = 20.0
)

// JointSpec describes one simulated controller.
type JointSpec struct {
	ID          uint8
	Scale       float64 // rad per count
	Offset      float64 // rad
	EffortScale float64 // N·m per count
	Position    float64 // initial position, rad
	MaxVelocity float64 // rad/s
}

// Config configures a Device.
type Config struct {
	Joints       []JointSpec
	ReportPeriod time.Duration
	TickPeriod   time.Duration
	Logger       *slog.Logger
}

// Stats are the device counters.
type Stats struct {
	Demands       uint64 `json:"demands"`
	Reports       uint64 `json:"reports"`
	UnknownIDs    uint64 `json:"unknown_ids"`
	FramingErrors uint64 `json:"framing_errors"`
	CRCErrors     uint64 `json:"crc_errors"`
}

type joint struct {
	spec     JointSpec
	pos      float64
	target   float64
	limit    float64 // N·m; zero until the first demand
	mode     uint8
	flags    uint8
	tracking bool
}

// Device is a simulated controller bus. The host side of the channel is
// returned by Port.
type Device struct {
	cfg    Config
	logger *slog.Logger

	hostR *io.PipeReader // host reads reports
	devW  *io.PipeWriter
	devR  *io.PipeReader // device reads demands
	hostW *io.PipeWriter

	mu     sync.Mutex
	joints map[uint8]*joint
	tick   uint16
	paused bool

	dec *link.Decoder

	demands    atomic.Uint64
	reports    atomic.Uint64
	unknownIDs atomic.Uint64

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts a simulated device.
func New(cfg Config) *Device {
	if cfg.ReportPeriod <= 0 {
		cfg.ReportPeriod = DefaultReportPeriod
	}
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = DefaultTickPeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Device{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "sim"),
		joints: make(map[uint8]*joint, len(cfg.Joints)),
		stop:   make(chan struct{}),
	}
	for _, s := range cfg.Joints {
		if s.Scale == 0 {
			s.Scale = 1
		}
		if s.MaxVelocity <= 0 {
			s.MaxVelocity = DefaultMaxVelocity
		}
		d.joints[s.ID] = &joint{spec: s, pos: s.Position, target: s.Position, flags: protocol.FlagCalibrated}
	}
	d.hostR, d.devW = io.Pipe()
	d.devR, d.hostW = io.Pipe()
	d.dec = link.NewDecoder(link.DispatchFunc(d.handle), 0)

	d.wg.Add(2)
	go d.readLoop()
	go d.reportLoop()
	return d
}

// FromConfig builds a device with one controller per configured joint,
// each starting at the middle of its position range.
func FromConfig(c *config.Config, logger *slog.Logger) *Device {
	specs := make([]JointSpec, 0, len(c.Joints))
	for _, j := range c.Joints {
		specs = append(specs, JointSpec{
			ID:          j.ID,
			Scale:       j.Scale,
			Offset:      j.Offset,
			EffortScale: j.EffortScale,
			Position:    (j.PositionMin + j.PositionMax) / 2,
			MaxVelocity: j.EffectiveVelocityLimit(c.JointVelocityLimit),
		})
	}
	return New(Config{
		Joints:       specs,
		ReportPeriod: c.NominalPeriod,
		TickPeriod:   c.TickPeriod,
		Logger:       logger,
	})
}

// Port returns the host end of the channel.
func (d *Device) Port() io.ReadWriteCloser {
	return &hostPort{d: d}
}

type hostPort struct {
	d *Device
}

func (p *hostPort) Read(b []byte) (int, error)  { return p.d.hostR.Read(b) }
func (p *hostPort) Write(b []byte) (int, error) { return p.d.hostW.Write(b) }
func (p *hostPort) Close() error                { return p.d.Close() }

func (d *Device) readLoop() {
	defer d.wg.Done()
	buf := make([]byte, 256)
	for {
		n, err := d.devR.Read(buf)
		if n > 0 {
			d.dec.Feed(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				d.logger.Warn("sim read failed", "error", err)
			}
			return
		}
	}
}

func (d *Device) handle(p protocol.Packet) {
	if p.Tag != protocol.TagServoDemand {
		return
	}
	dm, err := protocol.UnmarshalServoDemand(p.Payload)
	if err != nil {
		return
	}
	d.demands.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.joints[dm.JointID]
	if !ok {
		d.unknownIDs.Add(1)
		return
	}
	j.target = j.spec.Scale*float64(dm.TargetPos) + j.spec.Offset
	if j.spec.EffortScale != 0 {
		j.limit = math.Abs(j.spec.EffortScale * float64(dm.TorqueLimit))
	}
	j.mode = dm.Mode
	j.tracking = true
}

func (d *Device) reportLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.ReportPeriod)
	defer ticker.Stop()

	ticksPerReport := uint16(max(1, d.cfg.ReportPeriod/d.cfg.TickPeriod))
	var frame, payload []byte
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}

		frame = frame[:0]
		d.mu.Lock()
		d.tick += ticksPerReport
		if !d.paused {
			for _, j := range d.joints {
				r := d.step(j, d.cfg.ReportPeriod)
				payload = protocol.AppendServoReport(payload[:0], r)
				frame, _ = link.AppendFrame(frame, protocol.TagServoReport, payload)
			}
		}
		n := len(d.joints)
		d.mu.Unlock()

		if len(frame) == 0 {
			continue
		}
		if _, err := d.devW.Write(frame); err != nil {
			return
		}
		d.reports.Add(uint64(n))
	}
}

// step advances one joint by dt and returns its report. d.mu is held.
func (d *Device) step(j *joint, dt time.Duration) protocol.ServoReport {
	maxStep := j.spec.MaxVelocity * dt.Seconds()
	errPos := j.target - j.pos
	j.pos += mathx.Clamp(errPos, -maxStep, maxStep)

	effort := effortGain * errPos
	if j.limit > 0 {
		effort = mathx.Clamp(effort, -j.limit, j.limit)
	}
	var current int16
	if j.spec.EffortScale != 0 {
		current = mathx.SaturateInt16(effort / j.spec.EffortScale)
	}
	return protocol.ServoReport{
		Tick:    d.tick,
		Current: [3]int16{current, 0, 0},
		Angle:   int32(math.Round((j.pos - j.spec.Offset) / j.spec.Scale)),
		Mode:    j.mode,
		Flags:   j.flags,
		JointID: j.spec.ID,
	}
}

// SetFlags sets the report flags of one joint.
func (d *Device) SetFlags(id uint8, flags uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if j, ok := d.joints[id]; ok {
		j.flags = flags
	}
}

// Pause stops or resumes the report stream. The tick keeps counting, so
// resumed reports show a gap.
func (d *Device) Pause(paused bool) {
	d.mu.Lock()
	d.paused = paused
	d.mu.Unlock()
}

// Position returns the simulated position of one joint.
func (d *Device) Position(id uint8) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.joints[id]
	if !ok {
		return 0, false
	}
	return j.pos, true
}

// Target returns the last demanded position of one joint and whether any
// demand has arrived for it.
func (d *Device) Target(id uint8) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.joints[id]
	if !ok || !j.tracking {
		return 0, false
	}
	return j.target, true
}

// Stats returns the device counters.
func (d *Device) Stats() Stats {
	ds := d.dec.Stats()
	return Stats{
		Demands:       d.demands.Load(),
		Reports:       d.reports.Load(),
		UnknownIDs:    d.unknownIDs.Load(),
		FramingErrors: ds.FramingErrors,
		CRCErrors:     ds.CRCErrors,
	}
}

// Close stops the device and closes both directions of the channel.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		close(d.stop)
		d.hostR.Close()
		d.devW.Close()
		d.devR.Close()
		d.hostW.Close()
		d.wg.Wait()
	})
	return nil
}
