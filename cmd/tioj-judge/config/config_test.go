package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ntuicpc/tioj-judge/types"
)

func writeConf(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tioj-judge.conf")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(writeConf(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	if c.BoxRoot != "/tmp/tioj_box" || c.Parallel != 1 || c.PinnedCpus != "none" || c.TimeMultiplier != 1 {
		t.Fatalf("unexpected defaults %+v", c)
	}
	if c.QueueSize() != 3 {
		t.Fatalf("queue size = %d", c.QueueSize())
	}
	if c.MaxRSS() != 2048<<20 || c.MaxOutput() != c.MaxRSS() {
		t.Fatalf("rss = %v, output = %v", c.MaxRSS(), c.MaxOutput())
	}
	if c.PollInterval() != time.Second || c.ShutdownGrace() != 10*time.Second {
		t.Fatalf("poll = %v, grace = %v", c.PollInterval(), c.ShutdownGrace())
	}
	if err := c.Validate(4); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFile(t *testing.T) {
	p := writeConf(t, `
box_root = /srv/box
parallel = 4
pinned_cpus = 0-3
max_rss_per_task_mb = 512
max_output_per_task_mb = 64
time_multiplier = 1.5
tioj_url = https://tioj.example
tioj_key = secret
notify = true
`)
	c, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if c.BoxRoot != "/srv/box" || c.Parallel != 4 || c.TimeMultiplier != 1.5 || !c.Notify || c.TiojKey != "secret" {
		t.Fatalf("unexpected config %+v", c)
	}
	// untouched keys keep defaults
	if c.SubmissionRoot != "/tmp/tioj_submissions" {
		t.Fatalf("submission root = %s", c.SubmissionRoot)
	}
	if c.QueueSize() != 6 || c.MaxRSS() != 512<<20 || c.MaxOutput() != types.Size(64<<20) {
		t.Fatalf("queue = %d, rss = %v, output = %v", c.QueueSize(), c.MaxRSS(), c.MaxOutput())
	}
	set, err := c.PinnedSet(8)
	if err != nil || set.Len() != 4 {
		t.Fatalf("pinned = %v, %v", set, err)
	}
	if err := c.Validate(8); err != nil {
		t.Fatal(err)
	}
}

func TestEnvironmentOverriddenByFile(t *testing.T) {
	t.Setenv("TIOJ_TIOJ_KEY", "from-env")
	t.Setenv("TIOJ_PARALLEL", "3")
	c, err := Load(writeConf(t, "parallel = 2\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.TiojKey != "from-env" {
		t.Fatalf("key = %q", c.TiojKey)
	}
	if c.Parallel != 2 {
		t.Fatalf("parallel = %d", c.Parallel)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.conf"))
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("Load() = %v, want *Error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		key    string
	}{
		{"parallel", func(c *Config) { c.Parallel = 0 }, "parallel"},
		{"pinned", func(c *Config) { c.PinnedCpus = "0-9" }, "pinned_cpus"},
		{"multiplier", func(c *Config) { c.TimeMultiplier = 0 }, "time_multiplier"},
		{"url", func(c *Config) { c.TiojURL = "localhost" }, "tioj_url"},
		{"rss", func(c *Config) { c.MaxRSSPerTaskMB = -1 }, "max_rss_per_task_mb"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Load(writeConf(t, ""))
			if err != nil {
				t.Fatal(err)
			}
			tc.modify(c)
			err = c.Validate(4)
			var ce *Error
			if !errors.As(err, &ce) || ce.Key != tc.key {
				t.Fatalf("Validate() = %v, want error on %s", err, tc.key)
			}
		})
	}
}
