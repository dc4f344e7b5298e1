package main

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jrepp/prism-fcgi/pkg/procmgr"
)

// fileConfig mirrors the config file layout
type fileConfig struct {
	Pool procmgr.PoolConfig `mapstructure:"pool"`
}

// poolFlags registers the pool tunables on fs with the stock defaults and
// binds them under the "pool" key
func poolFlags(fs *pflag.FlagSet) {
	d := procmgr.DefaultPoolConfig()

	fs.Int("max-processes", d.MaxProcesses, "Maximum dynamic processes across all classes")
	fs.Int("min-processes", d.MinProcesses, "Dynamic processes the kill policy never goes below")
	fs.Int("max-class-processes", d.MaxClassProcesses, "Maximum instances of one dynamic class")
	fs.Int("process-slack", d.ProcessSlack, "Run the kill policy early when this close to max-processes")
	fs.Duration("kill-interval", d.KillInterval, "Interval between kill policy evaluations")
	fs.Duration("update-interval", d.UpdateInterval, "Interval between connection time decays")
	fs.Float64("gain", d.Gain, "Weight of the latest interval in the smoothed connection time")
	fs.Float64("single-instance-threshold", d.SingleInstanceThreshold, "Load percentage that keeps a lone instance")
	fs.Float64("multi-instance-threshold", d.MultiInstanceThreshold, "Adjusted load percentage that keeps every instance")
	fs.Bool("auto-restart", d.AutoRestart, "Restart crashed dynamic instances immediately")
	fs.Duration("restart-delay", d.RestartDelay, "Delay before restarting an exited instance")
	fs.Duration("init-start-delay", d.InitStartDelay, "Delay between starts of a class")
	fs.Int("max-failed-starts", d.MaxFailedStarts, "Failures before a class is marked bad")
	fs.Duration("failed-starts-delay", d.FailedStartsDelay, "Restart delay of a bad class")
	fs.Duration("runtime-success-interval", d.RuntimeSuccessInterval, "Uptime after which a bad class is trusted again")
	fs.Duration("min-exec-retry-delay", d.MinExecRetryDelay, "Minimum delay before retrying a failed exec")
	fs.Int("listen-queue-depth", d.ListenQueueDepth, "Listen backlog of dynamic class sockets")
	fs.Duration("idle-timeout", d.IdleTimeout, "How long a dynamic class may stay silent during a request")
	fs.Duration("connect-timeout", d.ConnectTimeout, "How long request handlers wait for an instance")
	fs.Duration("max-wait", d.MaxWait, "Longest the manager loop sleeps between passes")
	fs.Duration("shutdown-grace", d.ShutdownGrace, "Wait for instances to exit before killing them")
	fs.Int("mailbox-size", d.MailboxSize, "Capacity of the in-process signal queue")
	fs.Bool("watch-parent", d.WatchParent, "Shut down when the parent process goes away")
	fs.String("socket-dir", d.SocketDir, "Directory for dynamic class sockets")
	fs.StringSlice("wrapper", d.Wrapper, "Command prepended to every spawn, invoked as: wrapper user group path args")

	keys := map[string]string{
		"max-processes":             "max_processes",
		"min-processes":             "min_processes",
		"max-class-processes":       "max_class_processes",
		"process-slack":             "process_slack",
		"kill-interval":             "kill_interval",
		"update-interval":           "update_interval",
		"gain":                      "gain",
		"single-instance-threshold": "single_instance_threshold",
		"multi-instance-threshold":  "multi_instance_threshold",
		"auto-restart":              "auto_restart",
		"restart-delay":             "restart_delay",
		"init-start-delay":          "init_start_delay",
		"max-failed-starts":         "max_failed_starts",
		"failed-starts-delay":       "failed_starts_delay",
		"runtime-success-interval":  "runtime_success_interval",
		"min-exec-retry-delay":      "min_exec_retry_delay",
		"listen-queue-depth":        "listen_queue_depth",
		"idle-timeout":              "idle_timeout",
		"connect-timeout":           "connect_timeout",
		"max-wait":                  "max_wait",
		"shutdown-grace":            "shutdown_grace",
		"mailbox-size":              "mailbox_size",
		"watch-parent":              "watch_parent",
		"socket-dir":                "socket_dir",
		"wrapper":                   "wrapper",
	}
	for flag, key := range keys {
		viper.BindPFlag("pool."+key, fs.Lookup(flag))
	}
}

// loadPoolConfig merges defaults, config file, FCGI_PM_POOL_* environment and
// flags into a validated PoolConfig
func loadPoolConfig() (*procmgr.PoolConfig, error) {
	fc := fileConfig{Pool: *procmgr.DefaultPoolConfig()}
	if err := viper.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("failed to decode pool config: %w", err)
	}
	if err := fc.Pool.Validate(); err != nil {
		return nil, err
	}
	return &fc.Pool, nil
}
