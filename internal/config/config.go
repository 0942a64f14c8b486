// Package config loads and validates the bridge configuration.
//
// The configuration is a YAML document describing the serial link, the
// global control options and one entry per actuator. A handful of fields can
// be overridden from the environment so that the same file works on the
// robot and on a bench setup.
package config

import (
	"strings"
	"time"
)

// Defaults for the global options.
const (
	DefaultDevicePath        = "/dev/ttyACM0"
	DefaultBaudRate          = 1000000
	DefaultMaxTorque         = 5.0  // N·m
	DefaultVelocityLimit     = 10.0 // rad/s
	DefaultNominalPeriod     = 10 * time.Millisecond
	DefaultTickPeriod        = time.Millisecond
	DefaultTickWrapThreshold = 1 << 15
	DefaultLoopRate          = 500.0 // Hz
	DefaultShutdownTimeout   = 200 * time.Millisecond
	DefaultTxBufferSize      = 4096
	DefaultMaxBody           = 64
	DefaultRingSize          = 8
	DefaultHTTPAddr          = ":8090"

	// DefaultDemandMode is the ServoDemand mode byte for position control.
	DefaultDemandMode = 2

	// VirtualPrefix marks actuators that exist only as virtual knee proxies.
	VirtualPrefix = "virtual_"

	// JointSuffix is appended to actuator names by the host control framework.
	JointSuffix = "_joint"
)

// Config holds the complete bridge configuration.
type Config struct {
	// Link
	DevicePath   string `yaml:"devicePath" json:"devicePath"`
	BaudRate     int    `yaml:"baudRate" json:"baudRate"`
	TxBufferSize int    `yaml:"txBufferSize" json:"txBufferSize"`
	MaxBody      int    `yaml:"maxBody" json:"maxBody"`

	// Control options
	EnableControl            bool    `yaml:"enableControl" json:"enableControl"`
	UseVirtualKneeJoints     bool    `yaml:"useVirtualKneeJoints" json:"useVirtualKneeJoints"`
	UseSoftLimitsIfAvailable bool    `yaml:"useSoftLimitsIfAvailable" json:"useSoftLimitsIfAvailable"`
	MaxTorque                float64 `yaml:"maxTorque" json:"maxTorque"`
	JointVelocityLimit       float64 `yaml:"jointVelocityLimit" json:"jointVelocityLimit"`

	// State estimation
	NominalPeriod     time.Duration `yaml:"nominalPeriod" json:"nominalPeriod"`
	TickPeriod        time.Duration `yaml:"tickPeriod" json:"tickPeriod"`
	TickWrapThreshold int           `yaml:"tickWrapThreshold" json:"tickWrapThreshold"`
	RingSize          int           `yaml:"ringSize" json:"ringSize"`

	// Host loop
	LoopRate        float64       `yaml:"loopRate" json:"loopRate"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`

	// Telemetry; empty disables the HTTP server.
	HTTPAddr string `yaml:"httpAddr" json:"httpAddr"`

	// Joints lists every actuator proxy, virtual knees included.
	Joints []JointConfig `yaml:"joints" json:"joints"`

	// ControlJoints are the host-loop joint names in index order.
	// When empty they are derived from the non-virtual joints.
	ControlJoints []string `yaml:"controlJoints" json:"controlJoints"`
}

// JointConfig describes one actuator.
type JointConfig struct {
	Name string `yaml:"name" json:"name"`
	ID   uint8  `yaml:"id" json:"id"`

	// Type is the joint role, e.g. "roll", "pitch" or "knee".
	// When empty it is taken from the last "_" separated part of Name.
	Type string `yaml:"type" json:"type"`

	// Raw count conversion: SI = Scale*raw + Offset.
	Scale       float64 `yaml:"scale" json:"scale"`
	Offset      float64 `yaml:"offset" json:"offset"`
	EffortScale float64 `yaml:"effortScale" json:"effortScale"`

	PositionMin   float64 `yaml:"positionMin" json:"positionMin"`
	PositionMax   float64 `yaml:"positionMax" json:"positionMax"`
	EffortLimit   float64 `yaml:"effortLimit" json:"effortLimit"`
	VelocityLimit float64 `yaml:"velocityLimit" json:"velocityLimit"`

	SoftLimits *SoftLimits `yaml:"softLimits,omitempty" json:"softLimits,omitempty"`

	// Mode is the ServoDemand mode byte; zero means DefaultDemandMode.
	Mode uint8 `yaml:"mode" json:"mode"`
}

// SoftLimits configures soft position limits for one joint.
type SoftLimits struct {
	Min       float64 `yaml:"min" json:"min"`
	Max       float64 `yaml:"max" json:"max"`
	KPosition float64 `yaml:"kPosition" json:"kPosition"`
}

// DefaultConfig returns a configuration with every global set to its
// default and no joints.
func DefaultConfig() *Config {
	return &Config{
		DevicePath:         DefaultDevicePath,
		BaudRate:           DefaultBaudRate,
		TxBufferSize:       DefaultTxBufferSize,
		MaxBody:            DefaultMaxBody,
		EnableControl:      true,
		MaxTorque:          DefaultMaxTorque,
		JointVelocityLimit: DefaultVelocityLimit,
		NominalPeriod:      DefaultNominalPeriod,
		TickPeriod:         DefaultTickPeriod,
		TickWrapThreshold:  DefaultTickWrapThreshold,
		RingSize:           DefaultRingSize,
		LoopRate:           DefaultLoopRate,
		ShutdownTimeout:    DefaultShutdownTimeout,
		HTTPAddr:           DefaultHTTPAddr,
	}
}

// JointType returns the configured type, or the suffix of the name.
func (j JointConfig) JointType() string {
	if j.Type != "" {
		return j.Type
	}
	if i := strings.LastIndex(j.Name, "_"); i >= 0 {
		return j.Name[i+1:]
	}
	return j.Name
}

// IsVirtual reports whether the joint is a virtual knee proxy.
func (j JointConfig) IsVirtual() bool {
	return strings.HasPrefix(j.Name, VirtualPrefix)
}

// DemandMode returns the mode byte to put in ServoDemand packets.
func (j JointConfig) DemandMode() uint8 {
	if j.Mode == 0 {
		return DefaultDemandMode
	}
	return j.Mode
}

// EffectiveVelocityLimit returns the joint velocity limit bounded by the
// global limit.
func (j JointConfig) EffectiveVelocityLimit(global float64) float64 {
	if j.VelocityLimit <= 0 || j.VelocityLimit > global {
		return global
	}
	return j.VelocityLimit
}

// ControlJointNames returns the host-loop joint names in index order.
func (c *Config) ControlJointNames() []string {
	if len(c.ControlJoints) > 0 {
		return append([]string(nil), c.ControlJoints...)
	}
	names := make([]string, 0, len(c.Joints))
	for _, j := range c.Joints {
		if j.IsVirtual() {
			continue
		}
		names = append(names, j.Name+JointSuffix)
	}
	return names
}

// Joint returns the configuration of the named actuator.
func (c *Config) Joint(name string) (JointConfig, bool) {
	for _, j := range c.Joints {
		if j.Name == name {
			return j, true
		}
	}
	return JointConfig{}, false
}

// LoopPeriod returns the host-loop period derived from LoopRate.
func (c *Config) LoopPeriod() time.Duration {
	if c.LoopRate <= 0 {
		return time.Duration(float64(time.Second) / DefaultLoopRate)
	}
	return time.Duration(float64(time.Second) / c.LoopRate)
}
