package main

import (
	"time"

	"github.com/ntuicpc/tioj-judge/types"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tioj_judge"

var (
	// 10ms -> 10min
	judgeBuckets = prometheus.ExponentialBuckets(0.01, 2, 16)
	// 1ms -> 10s
	caseTimeBuckets = []float64{
		0.001, 0.002, 0.005, 0.010, 0.025, 0.050, 0.1, 0.2,
		0.5, 1.0, 1.5, 2, 5, 10,
	}
	// 256k (1<<18) -> 4g (1<<32)
	memoryBuckets = prometheus.ExponentialBuckets(1<<18, 2, 15)

	verdictCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "verdicts_total",
		Help:      "Number of judged submissions",
	}, []string{"status"})

	judgeTimeHist = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "judge_seconds",
		Help:      "Histogram for the time to judge a submission",
		Buckets:   judgeBuckets,
	})

	caseTimeHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "case",
		Name:      "time_seconds",
		Help:      "Histogram for the CPU time of test cases",
		Buckets:   caseTimeBuckets,
	}, []string{"status"})

	caseMemHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "case",
		Name:      "memory_bytes",
		Help:      "Histogram for the memory of test cases",
		Buckets:   memoryBuckets,
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(verdictCount, judgeTimeHist, caseTimeHist, caseMemHist)
}

func observeVerdict(v *types.Verdict, d time.Duration) {
	verdictCount.WithLabelValues(v.Status.String()).Inc()
	judgeTimeHist.Observe(d.Seconds())
	for _, c := range v.Cases {
		s := c.Status.String()
		caseTimeHist.WithLabelValues(s).Observe(c.Time.Seconds())
		caseMemHist.WithLabelValues(s).Observe(float64(c.Memory))
	}
}

// registerStatusMetrics exports the scheduler state sampled on scrape
func registerStatusMetrics(st func() judgeStatus) {
	gauge := func(name, help string, f func(judgeStatus) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(f(st()))
		})
	}
	prometheus.MustRegister(
		gauge("queue_length", "Number of submissions in the admission queue", func(s judgeStatus) int { return s.Queue }),
		gauge("queue_capacity", "Capacity of the admission queue", func(s judgeStatus) int { return s.QueueCapacity }),
		gauge("active_workers", "Number of slots judging", func(s judgeStatus) int { return s.Active }),
		gauge("pending_verdicts", "Number of verdicts awaiting report", func(s judgeStatus) int { return s.PendingVerdicts }),
		gauge("abandoned_runs", "Number of runs that did not stop after cancel", func(s judgeStatus) int { return s.Abandoned }),
	)
}
