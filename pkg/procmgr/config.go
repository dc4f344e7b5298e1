package procmgr

import (
	"path/filepath"
	"time"
)

// PoolConfig holds every tunable of the pool manager. It is passed by
// pointer into NewPoolManager and never read from package state.
type PoolConfig struct {
	// Global process limits
	MaxProcesses      int `yaml:"max_processes" mapstructure:"max_processes"`
	MinProcesses      int `yaml:"min_processes" mapstructure:"min_processes"`
	MaxClassProcesses int `yaml:"max_class_processes" mapstructure:"max_class_processes"`
	ProcessSlack      int `yaml:"process_slack" mapstructure:"process_slack"`

	// Load policy
	KillInterval            time.Duration `yaml:"kill_interval" mapstructure:"kill_interval"`
	UpdateInterval          time.Duration `yaml:"update_interval" mapstructure:"update_interval"`
	Gain                    float64       `yaml:"gain" mapstructure:"gain"`
	SingleInstanceThreshold float64       `yaml:"single_instance_threshold" mapstructure:"single_instance_threshold"`
	MultiInstanceThreshold  float64       `yaml:"multi_instance_threshold" mapstructure:"multi_instance_threshold"`
	AutoRestart             bool          `yaml:"auto_restart" mapstructure:"auto_restart"`

	// Start scheduling and circuit breaker
	RestartDelay           time.Duration `yaml:"restart_delay" mapstructure:"restart_delay"`
	InitStartDelay         time.Duration `yaml:"init_start_delay" mapstructure:"init_start_delay"`
	MaxFailedStarts        int           `yaml:"max_failed_starts" mapstructure:"max_failed_starts"`
	RuntimeSuccessInterval time.Duration `yaml:"runtime_success_interval" mapstructure:"runtime_success_interval"`
	FailedStartsDelay      time.Duration `yaml:"failed_starts_delay" mapstructure:"failed_starts_delay"`
	MinExecRetryDelay      time.Duration `yaml:"min_exec_retry_delay" mapstructure:"min_exec_retry_delay"`

	// Per class defaults for dynamic classes
	ListenQueueDepth int           `yaml:"listen_queue_depth" mapstructure:"listen_queue_depth"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`

	// Loop and lifecycle
	MaxWait       time.Duration `yaml:"max_wait" mapstructure:"max_wait"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" mapstructure:"shutdown_grace"`
	WatchParent   bool          `yaml:"watch_parent" mapstructure:"watch_parent"`

	// SocketDir holds dynamic class sockets under SocketDir/dynamic.
	SocketDir string `yaml:"socket_dir" mapstructure:"socket_dir"`
	// Wrapper is prepended to every spawned command line.
	Wrapper []string `yaml:"wrapper" mapstructure:"wrapper"`
	// MailboxSize bounds the in-process signal queue.
	MailboxSize int `yaml:"mailbox_size" mapstructure:"mailbox_size"`
}

// DefaultPoolConfig returns the stock configuration
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxProcesses:            50,
		MinProcesses:            5,
		MaxClassProcesses:       10,
		ProcessSlack:            5,
		KillInterval:            300 * time.Second,
		UpdateInterval:          300 * time.Second,
		Gain:                    0.5,
		SingleInstanceThreshold: 0,
		MultiInstanceThreshold:  50,
		AutoRestart:             false,
		RestartDelay:            5 * time.Second,
		InitStartDelay:          time.Second,
		MaxFailedStarts:         3,
		RuntimeSuccessInterval:  30 * time.Second,
		FailedStartsDelay:       600 * time.Second,
		MinExecRetryDelay:       10 * time.Second,
		ListenQueueDepth:        100,
		IdleTimeout:             30 * time.Second,
		ConnectTimeout:          3 * time.Second,
		MaxWait:                 10 * time.Second,
		ShutdownGrace:           5 * time.Second,
		SocketDir:               "/tmp/fcgi-pm",
		MailboxSize:             1024,
	}
}

// Validate checks the configuration for values the loop cannot work with
func (c *PoolConfig) Validate() error {
	switch {
	case c.MaxProcesses <= 0:
		return ErrInvalidConfiguration("max_processes", c.MaxProcesses, "must be positive")
	case c.MinProcesses < 0 || c.MinProcesses > c.MaxProcesses:
		return ErrInvalidConfiguration("min_processes", c.MinProcesses, "must be between 0 and max_processes")
	case c.MaxClassProcesses <= 0:
		return ErrInvalidConfiguration("max_class_processes", c.MaxClassProcesses, "must be positive")
	case c.ProcessSlack < 0:
		return ErrInvalidConfiguration("process_slack", c.ProcessSlack, "must not be negative")
	case c.Gain <= 0 || c.Gain >= 1:
		return ErrInvalidConfiguration("gain", c.Gain, "must be between 0 and 1 exclusive")
	case c.KillInterval <= 0:
		return ErrInvalidConfiguration("kill_interval", c.KillInterval, "must be positive")
	case c.UpdateInterval <= 0:
		return ErrInvalidConfiguration("update_interval", c.UpdateInterval, "must be positive")
	case c.SingleInstanceThreshold < 0 || c.MultiInstanceThreshold < 0:
		return ErrInvalidConfiguration("thresholds", c.MultiInstanceThreshold, "must not be negative")
	case c.RestartDelay < 0 || c.InitStartDelay < 0 || c.FailedStartsDelay < 0 || c.MinExecRetryDelay < 0:
		return ErrInvalidConfiguration("delays", c.RestartDelay, "must not be negative")
	case c.MaxFailedStarts < 0:
		return ErrInvalidConfiguration("max_failed_starts", c.MaxFailedStarts, "must not be negative")
	case c.ListenQueueDepth <= 0:
		return ErrInvalidConfiguration("listen_queue_depth", c.ListenQueueDepth, "must be positive")
	case c.MaxWait <= 0:
		return ErrInvalidConfiguration("max_wait", c.MaxWait, "must be positive")
	case c.SocketDir == "" || !filepath.IsAbs(c.SocketDir):
		return ErrInvalidConfiguration("socket_dir", c.SocketDir, "must be an absolute path")
	case c.MailboxSize <= 0:
		return ErrInvalidConfiguration("mailbox_size", c.MailboxSize, "must be positive")
	}
	return nil
}

// dynamicSpec returns the spec for a class created on demand
func (c *PoolConfig) dynamicSpec(id ClassID) ClassSpec {
	return ClassSpec{
		ID:               id,
		Directive:        DirectiveDynamic,
		Network:          "unix",
		Address:          DynamicSocketPath(c.SocketDir, id),
		MaxInstances:     c.MaxClassProcesses,
		ListenQueueDepth: c.ListenQueueDepth,
		IdleTimeout:      c.IdleTimeout,
		ConnectTimeout:   c.ConnectTimeout,
		RestartDelay:     durationPtr(c.RestartDelay),
		InitStartDelay:   durationPtr(c.InitStartDelay),
	}
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}

// fillDefaults completes a declared spec from the pool defaults
func (c *PoolConfig) fillDefaults(spec ClassSpec) ClassSpec {
	if spec.MaxInstances <= 0 {
		spec.MaxInstances = 1
	}
	if spec.ListenQueueDepth <= 0 {
		spec.ListenQueueDepth = c.ListenQueueDepth
	}
	if spec.IdleTimeout <= 0 {
		spec.IdleTimeout = c.IdleTimeout
	}
	if spec.ConnectTimeout <= 0 {
		spec.ConnectTimeout = c.ConnectTimeout
	}
	if spec.RestartDelay == nil {
		spec.RestartDelay = durationPtr(c.RestartDelay)
	}
	if spec.InitStartDelay == nil {
		spec.InitStartDelay = durationPtr(c.InitStartDelay)
	}
	if spec.Network == "" {
		spec.Network = "unix"
	}
	return spec
}
