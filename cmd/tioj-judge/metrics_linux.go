package main

import (
	"time"

	"github.com/criyle/go-sandbox/pkg/cgroup"
	"github.com/ntuicpc/tioj-judge/env"
	"github.com/prometheus/client_golang/prometheus"
)

const cgroupSubsystem = "cgroup"

var _ prometheus.Collector = &cgroupMetrics{}

// cgroupMetrics samples the cgroup holding every sandboxed execution
type cgroupMetrics struct {
	cgroup          cgroup.Cgroup
	cgroupCPU       *prometheus.Desc
	cgroupMemory    *prometheus.Desc
	cgroupMaxMemory *prometheus.Desc
}

func (c *cgroupMetrics) Collect(ch chan<- prometheus.Metric) {
	if u, err := c.cgroup.CPUUsage(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.cgroupCPU, prometheus.CounterValue, time.Duration(u).Seconds())
	}
	if m, err := c.cgroup.MemoryUsage(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.cgroupMemory, prometheus.GaugeValue, float64(m))
	}
	if m, err := c.cgroup.MemoryMaxUsage(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.cgroupMaxMemory, prometheus.GaugeValue, float64(m))
	}
}

func (c *cgroupMetrics) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func initCgroupMetrics(b *env.Builder) {
	cg := b.Cgroup()
	if cg == nil {
		return
	}
	prometheus.MustRegister(&cgroupMetrics{
		cgroup: cg,
		cgroupCPU: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, cgroupSubsystem, "cpu_seconds"),
			"CPU usage of sandboxed executions", nil, nil,
		),
		cgroupMemory: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, cgroupSubsystem, "memory_bytes"),
			"Memory usage of sandboxed executions", nil, nil,
		),
		cgroupMaxMemory: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, cgroupSubsystem, "memory_max_bytes"),
			"Peak memory usage of sandboxed executions", nil, nil,
		),
	})
}
