package model

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	operateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aicpusd",
			Subsystem: "model",
			Name:      "operate_total",
			Help:      "Lifecycle operations by operate and result",
		},
		[]string{"operate", "result"},
	)

	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aicpusd",
			Subsystem: "model",
			Name:      "status_transitions_total",
			Help:      "Model status transitions",
		},
		[]string{"from", "to"},
	)

	gatherStoreTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aicpusd",
			Subsystem: "gather",
			Name:      "store_total",
			Help:      "StoreDequedMbuf results",
		},
		[]string{"result"},
	)

	gatherSelectTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aicpusd",
			Subsystem: "gather",
			Name:      "select_total",
			Help:      "SelectGatheredMbuf results",
		},
		[]string{"result"},
	)

	gatherInflightKeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "aicpusd",
			Subsystem: "gather",
			Name:      "inflight_keys",
			Help:      "Gather keys currently buffered per model",
		},
		[]string{"model_id"},
	)

	asyncQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "aicpusd",
			Subsystem: "async_release",
			Name:      "queue_depth",
			Help:      "Pending async release tasks per model",
		},
		[]string{"model_id"},
	)

	asyncProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aicpusd",
			Subsystem: "async_release",
			Name:      "processed_total",
			Help:      "Async release tasks processed by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(operateTotal, statusTransitions, gatherStoreTotal, gatherSelectTotal,
		gatherInflightKeys, asyncQueueDepth, asyncProcessedTotal)
}

func observeOperate(op Operate, err error) {
	result := "ok"
	if err != nil {
		result = CodeOf(err).String()
	}
	operateTotal.WithLabelValues(op.String(), result).Inc()
}
