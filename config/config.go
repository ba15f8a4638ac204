// Package config loads the scheduler configuration, a YAML document.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"gopkg.in/yaml.v3"
)

const (
	DefaultEventQueueDepth    = 1024
	DefaultTaskQueueCapacity  = 1024
	DefaultSubmitTimeout      = 10 * time.Millisecond
	DefaultEnqueueBuffTimeout = 1000 * time.Millisecond
	DefaultPumpMaxBatch       = 64
	DefaultPumpPartialTimeout = time.Millisecond
	DefaultLogLevel           = `info`
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New(`config: invalid`)

type (
	// Config is the process configuration. Zero values are replaced by
	// defaults, on Parse.
	Config struct {
		// CPUCoreNum is the number of AI-CPU cores, defaulting to the number
		// of cores the process may be scheduled on.
		CPUCoreNum int `yaml:"cpu_core_num"`

		DeviceID uint32 `yaml:"device_id"`

		// EventQueueDepth is the capacity of the event queue feeding the
		// cores.
		EventQueueDepth int `yaml:"event_queue_depth"`

		TaskQueueCapacity int `yaml:"task_queue_capacity"`

		// SubmitOneByOne gates submitting split kernel events one at a time,
		// each waiting up to SubmitTimeout for queue space.
		SubmitOneByOne bool          `yaml:"submit_one_by_one"`
		SubmitTimeout  time.Duration `yaml:"submit_timeout"`

		// NullDataEnabled gates honoring the null-data flag of dequeued
		// buffers.
		NullDataEnabled bool `yaml:"null_data_enabled"`

		EnqueueBuffTimeout time.Duration `yaml:"enqueue_buff_timeout"`

		// BindCores pins each core's loop to one of the CPUs in the
		// scheduling affinity mask.
		BindCores bool `yaml:"bind_cores"`

		Pump Pump `yaml:"pump"`

		// LogLevel is a syslog keyword, e.g. err, warning, info or debug,
		// or disabled.
		LogLevel string `yaml:"log_level"`
	}

	// Pump configures the batching of queue notifications.
	Pump struct {
		MaxBatch       int           `yaml:"max_batch"`
		PartialTimeout time.Duration `yaml:"partial_timeout"`
	}
)

// Default returns the configuration used for an empty document.
func Default() Config {
	c := Config{}
	c.applyDefaults()
	return c
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf(`config: read %s: %w`, path, err)
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf(`config: %s: %w`, path, err)
	}
	return c, nil
}

// Parse decodes a YAML document, rejecting unknown fields, then applies
// defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf(`config: parse: %w`, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.CPUCoreNum == 0 {
		c.CPUCoreNum = len(AvailableCores())
	}
	if c.EventQueueDepth == 0 {
		c.EventQueueDepth = DefaultEventQueueDepth
	}
	if c.TaskQueueCapacity == 0 {
		c.TaskQueueCapacity = DefaultTaskQueueCapacity
	}
	if c.SubmitTimeout == 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.EnqueueBuffTimeout == 0 {
		c.EnqueueBuffTimeout = DefaultEnqueueBuffTimeout
	}
	if c.Pump.MaxBatch == 0 {
		c.Pump.MaxBatch = DefaultPumpMaxBatch
	}
	if c.Pump.PartialTimeout == 0 {
		c.Pump.PartialTimeout = DefaultPumpPartialTimeout
	}
	if c.LogLevel == `` {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate checks every field, returning an error wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	if c.CPUCoreNum <= 0 {
		errs = append(errs, fmt.Errorf(`cpu_core_num must be positive, got %d`, c.CPUCoreNum))
	}
	if c.EventQueueDepth <= 0 {
		errs = append(errs, fmt.Errorf(`event_queue_depth must be positive, got %d`, c.EventQueueDepth))
	}
	if c.TaskQueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf(`task_queue_capacity must be positive, got %d`, c.TaskQueueCapacity))
	}
	if c.SubmitTimeout < 0 {
		errs = append(errs, fmt.Errorf(`submit_timeout must not be negative, got %s`, c.SubmitTimeout))
	}
	if c.EnqueueBuffTimeout < 0 {
		errs = append(errs, fmt.Errorf(`enqueue_buff_timeout must not be negative, got %s`, c.EnqueueBuffTimeout))
	}
	if c.Pump.PartialTimeout < 0 {
		errs = append(errs, fmt.Errorf(`pump.partial_timeout must not be negative, got %s`, c.Pump.PartialTimeout))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) != 0 {
		return fmt.Errorf(`%w: %w`, ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Cores returns the CPUs the core loops should be bound to, or nil if
// BindCores is disabled.
func (c *Config) Cores() []int {
	if !c.BindCores {
		return nil
	}
	return AvailableCores()
}

// NewLogger builds a JSON lines logger writing to w, at the configured
// level.
func (c *Config) NewLogger(w io.Writer) (*logiface.Logger[logiface.Event], error) {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger(), nil
}

// ParseLevel parses a level keyword, as returned by logiface.Level.String.
func ParseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case `disabled`, `off`, `none`:
		return logiface.LevelDisabled, nil
	case `emerg`, `emergency`:
		return logiface.LevelEmergency, nil
	case `alert`:
		return logiface.LevelAlert, nil
	case `crit`, `critical`:
		return logiface.LevelCritical, nil
	case `err`, `error`:
		return logiface.LevelError, nil
	case `warning`, `warn`:
		return logiface.LevelWarning, nil
	case `notice`:
		return logiface.LevelNotice, nil
	case `info`, `informational`:
		return logiface.LevelInformational, nil
	case `debug`:
		return logiface.LevelDebug, nil
	case `trace`:
		return logiface.LevelTrace, nil
	default:
		return 0, fmt.Errorf(`unknown log level %q`, s)
	}
}
