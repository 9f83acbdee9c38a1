package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aicpusd",
			Subsystem: "dispatch",
			Name:      "events_total",
			Help:      "Dispatched model events by event and result.",
		},
		[]string{"event", "result"},
	)
	dispatchPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aicpusd",
		Subsystem: "dispatch",
		Name:      "pending",
		Help:      "Model events waiting to be dispatched.",
	})
	parkedStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aicpusd",
		Subsystem: "dispatch",
		Name:      "parked_streams",
		Help:      "Streams parked on queue data or a table lock.",
	})
	hostEnqueueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aicpusd",
			Subsystem: "queue",
			Name:      "host_enqueue_total",
			Help:      "Host enqueue requests by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(dispatchTotal, dispatchPending, parkedStreams, hostEnqueueTotal)
}
