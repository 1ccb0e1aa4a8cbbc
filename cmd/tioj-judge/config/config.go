// Package config loads the judge configuration: defaults from struct tags,
// then TIOJ_ prefixed environment variables, then the INI file. Command
// line overrides are applied by the caller before Validate.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-ini/ini"
	"github.com/koding/multiconfig"
	"github.com/ntuicpc/tioj-judge/cpuset"
	"github.com/ntuicpc/tioj-judge/types"
)

// DefaultPath is the default configuration file path
const DefaultPath = "/etc/tioj-judge.conf"

// Config defines the judge configuration, keys of the global INI section
type Config struct {
	// directories
	BoxRoot        string `ini:"box_root" default:"/tmp/tioj_box"`
	SubmissionRoot string `ini:"submission_root" default:"/tmp/tioj_submissions"`
	TestdataRoot   string `ini:"testdata_root" default:"/tmp/tioj_testdata"`

	// scheduling
	Parallel               int     `ini:"parallel" default:"1"`
	PinnedCpus             string  `ini:"pinned_cpus" default:"none"`
	MaxSubmissionQueueSize int     `ini:"max_submission_queue_size"`
	TimeMultiplier         float64 `ini:"time_multiplier" default:"1"`

	// limits
	MaxRSSPerTaskMB    int `ini:"max_rss_per_task_mb" default:"2048"`
	MaxOutputPerTaskMB int `ini:"max_output_per_task_mb"`

	// server
	TiojURL         string `ini:"tioj_url" default:"http://localhost"`
	TiojKey         string `ini:"tioj_key"`
	PollIntervalMs  int    `ini:"poll_interval_ms" default:"1000"`
	RetryMax        int    `ini:"retry_max" default:"5"`
	Notify          bool   `ini:"notify"`
	ShutdownGraceMs int    `ini:"shutdown_grace_ms" default:"10000"`
	MonitorAddr     string `ini:"monitor_addr"`

	// sandbox
	LanguagesFile  string `ini:"languages_file"`
	SeccompFile    string `ini:"seccomp_file"`
	CgroupPrefix   string `ini:"cgroup_prefix" default:"tioj_judge"`
	CgroupRequired bool   `ini:"cgroup_required"`
	SandboxUID     int    `ini:"sandbox_uid" default:"65534"`
	SandboxGID     int    `ini:"sandbox_gid" default:"65534"`
}

// Error is a fatal configuration error
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config: %s: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func invalid(key string, f string, v ...any) error {
	return &Error{Key: key, Err: fmt.Errorf(f, v...)}
}

// Load loads the defaults, the environment and then the INI file at path
func Load(path string) (*Config, error) {
	c := new(Config)
	cl := multiconfig.MultiLoader(
		&multiconfig.TagLoader{},
		&multiconfig.EnvironmentLoader{
			Prefix:    "TIOJ",
			CamelCase: true,
		},
	)
	if err := cl.Load(c); err != nil {
		return nil, &Error{Err: err}
	}

	f, err := ini.Load(path)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("load %s: %w", path, err)}
	}
	if err := f.Section("").MapTo(c); err != nil {
		return nil, &Error{Err: fmt.Errorf("parse %s: %w", path, err)}
	}
	return c, nil
}

// Validate checks the values after all overrides are applied
func (c *Config) Validate(nproc int) error {
	var errs []error
	if c.BoxRoot == "" {
		errs = append(errs, invalid("box_root", "empty path"))
	}
	if c.SubmissionRoot == "" {
		errs = append(errs, invalid("submission_root", "empty path"))
	}
	if c.TestdataRoot == "" {
		errs = append(errs, invalid("testdata_root", "empty path"))
	}
	if c.Parallel < 1 {
		errs = append(errs, invalid("parallel", "must be positive, got %d", c.Parallel))
	}
	if _, err := cpuset.Parse(c.PinnedCpus, nproc); err != nil {
		errs = append(errs, &Error{Key: "pinned_cpus", Err: err})
	}
	if c.MaxSubmissionQueueSize < 0 {
		errs = append(errs, invalid("max_submission_queue_size", "negative value %d", c.MaxSubmissionQueueSize))
	}
	if c.TimeMultiplier <= 0 {
		errs = append(errs, invalid("time_multiplier", "must be positive, got %v", c.TimeMultiplier))
	}
	if c.MaxRSSPerTaskMB <= 0 {
		errs = append(errs, invalid("max_rss_per_task_mb", "must be positive, got %d", c.MaxRSSPerTaskMB))
	}
	if c.MaxOutputPerTaskMB < 0 {
		errs = append(errs, invalid("max_output_per_task_mb", "negative value %d", c.MaxOutputPerTaskMB))
	}
	if u, err := url.Parse(c.TiojURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, invalid("tioj_url", "invalid url %q", c.TiojURL))
	}
	if c.PollIntervalMs <= 0 {
		errs = append(errs, invalid("poll_interval_ms", "must be positive, got %d", c.PollIntervalMs))
	}
	if c.RetryMax < 0 {
		errs = append(errs, invalid("retry_max", "negative value %d", c.RetryMax))
	}
	if c.ShutdownGraceMs < 0 {
		errs = append(errs, invalid("shutdown_grace_ms", "negative value %d", c.ShutdownGraceMs))
	}
	if c.SandboxUID < 0 || c.SandboxGID < 0 {
		errs = append(errs, invalid("sandbox_uid", "negative credential %d:%d", c.SandboxUID, c.SandboxGID))
	}
	return errors.Join(errs...)
}

// PinnedSet returns the parsed pinned CPU set
func (c *Config) PinnedSet(nproc int) (cpuset.CPUSet, error) {
	return cpuset.Parse(c.PinnedCpus, nproc)
}

// QueueSize returns the admission queue capacity, parallel + 2 by default
func (c *Config) QueueSize() int {
	if c.MaxSubmissionQueueSize > 0 {
		return c.MaxSubmissionQueueSize
	}
	return c.Parallel + 2
}

// MaxRSS returns the memory ceiling of a single execution
func (c *Config) MaxRSS() types.Size {
	return types.Size(c.MaxRSSPerTaskMB) << 20
}

// MaxOutput returns the output ceiling, which falls back to the memory
// ceiling
func (c *Config) MaxOutput() types.Size {
	if c.MaxOutputPerTaskMB > 0 {
		return types.Size(c.MaxOutputPerTaskMB) << 20
	}
	return c.MaxRSS()
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}
