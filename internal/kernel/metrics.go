package kernel

import "github.com/prometheus/client_golang/prometheus"

var (
	kernelExecTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aicpusd",
			Subsystem: "kernel",
			Name:      "exec_total",
			Help:      "Kernel executions by kernel and result.",
		},
		[]string{"kernel", "result"},
	)
	kernelExecSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aicpusd",
			Subsystem: "kernel",
			Name:      "exec_seconds",
			Help:      "Kernel execution latency.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		},
		[]string{"kernel"},
	)
)

func init() {
	prometheus.MustRegister(kernelExecTotal, kernelExecSeconds)
}
