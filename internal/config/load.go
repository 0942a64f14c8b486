package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvDevice        = "DOGBOT_DEVICE"
	EnvEnableControl = "DOGBOT_ENABLE_CONTROL"
	EnvVirtualKnees  = "DOGBOT_VIRTUAL_KNEES"
	EnvHTTPAddr      = "DOGBOT_HTTP_ADDR"
)

// Load reads the YAML file at path on top of DefaultConfig, applies the
// environment overrides and validates the result. Every error wraps
// ErrConfigInvalid.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document on top of DefaultConfig, applies the
// environment overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from DOGBOT_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvDevice); v != "" {
		c.DevicePath = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		c.HTTPAddr = v
	}
	if err := envBool(EnvEnableControl, &c.EnableControl); err != nil {
		return err
	}
	return envBool(EnvVirtualKnees, &c.UseVirtualKneeJoints)
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fieldErr(key, "not a boolean: %q", v)
	}
	*dst = b
	return nil
}

// Validate checks globals and every joint entry.
func (c *Config) Validate() error {
	switch {
	case c.DevicePath == "":
		return fieldErr("devicePath", "must not be empty")
	case c.BaudRate <= 0:
		return fieldErr("baudRate", "must be positive, got %d", c.BaudRate)
	case c.TxBufferSize < 64 || c.TxBufferSize&(c.TxBufferSize-1) != 0:
		return fieldErr("txBufferSize", "must be a power of two >= 64, got %d", c.TxBufferSize)
	case c.MaxBody < 1 || c.MaxBody > 255:
		return fieldErr("maxBody", "must be in [1, 255], got %d", c.MaxBody)
	case !(c.MaxTorque > 0):
		return fieldErr("maxTorque", "must be positive, got %v", c.MaxTorque)
	case !(c.JointVelocityLimit > 0):
		return fieldErr("jointVelocityLimit", "must be positive, got %v", c.JointVelocityLimit)
	case c.NominalPeriod <= 0:
		return fieldErr("nominalPeriod", "must be positive, got %v", c.NominalPeriod)
	case c.TickPeriod <= 0:
		return fieldErr("tickPeriod", "must be positive, got %v", c.TickPeriod)
	case c.TickWrapThreshold < 1 || c.TickWrapThreshold > math.MaxUint16:
		return fieldErr("tickWrapThreshold", "must be in [1, 65535], got %d", c.TickWrapThreshold)
	case c.RingSize < 4:
		return fieldErr("ringSize", "must be at least 4, got %d", c.RingSize)
	case !(c.LoopRate > 0):
		return fieldErr("loopRate", "must be positive, got %v", c.LoopRate)
	case c.ShutdownTimeout < 0:
		return fieldErr("shutdownTimeout", "must not be negative, got %v", c.ShutdownTimeout)
	case len(c.Joints) == 0:
		return fieldErr("joints", "at least one joint is required")
	}

	names := make(map[string]bool, len(c.Joints))
	ids := make(map[uint8]string, len(c.Joints))
	for i, j := range c.Joints {
		field := fmt.Sprintf("joints[%d]", i)
		if j.Name == "" {
			return fieldErr(field+".name", "must not be empty")
		}
		if names[j.Name] {
			return fieldErr(field+".name", "duplicate joint %q", j.Name)
		}
		names[j.Name] = true

		if other, dup := ids[j.ID]; dup {
			return fieldErr(field+".id", "id %d already used by %q", j.ID, other)
		}
		ids[j.ID] = j.Name

		switch {
		case j.Scale == 0 || math.IsNaN(j.Scale):
			return fieldErr(field+".scale", "must be non-zero")
		case !(j.PositionMin < j.PositionMax):
			return fieldErr(field+".positionMin", "must be below positionMax (%v >= %v)", j.PositionMin, j.PositionMax)
		case !(j.EffortLimit > 0):
			return fieldErr(field+".effortLimit", "must be positive, got %v", j.EffortLimit)
		case j.VelocityLimit < 0:
			return fieldErr(field+".velocityLimit", "must not be negative, got %v", j.VelocityLimit)
		}
		if s := j.SoftLimits; s != nil {
			if !(s.Min < s.Max) {
				return fieldErr(field+".softLimits", "min must be below max (%v >= %v)", s.Min, s.Max)
			}
			if !(s.KPosition > 0) {
				return fieldErr(field+".softLimits.kPosition", "must be positive, got %v", s.KPosition)
			}
		}
	}

	for i, name := range c.ControlJoints {
		if name == "" {
			return fieldErr(fmt.Sprintf("controlJoints[%d]", i), "must not be empty")
		}
	}
	return nil
}
