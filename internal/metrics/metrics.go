// Registers:
//
//	#dhanflow_frames_total
//	#dhanflow_decode_errors_total
//	#dhanflow_reconnects_total
//	#go_* and process_* system metrics
//
// Exposes them on the configured listen address using the Prometheus HTTP handler
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dhanflow/logger"
)

var (
	once           sync.Once
	framesTotal    *prometheus.CounterVec
	decodeErrors   *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	reconnectCount *prometheus.CounterVec
	throttleWait   *prometheus.HistogramVec
	trackedOrders  prometheus.Gauge
	batchesWritten *prometheus.CounterVec
)

func Init(listen string) {
	once.Do(func() {
		framesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dhanflow_frames_total",
				Help: "Number of feed frames decoded into events",
			},
			[]string{"segment", "kind"},
		)

		decodeErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dhanflow_decode_errors_total",
				Help: "Number of frames that failed to decode",
			},
			[]string{"channel"},
		)

		eventsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dhanflow_events_dropped_total",
				Help: "Number of events dropped on a full buffer",
			},
			[]string{"channel"},
		)

		reconnectCount = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dhanflow_reconnects_total",
				Help: "Number of feed reconnect attempts",
			},
			[]string{"channel"},
		)

		throttleWait = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dhanflow_throttle_wait_seconds",
				Help:    "Time spent blocked on the client side rate limiter",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"tier"},
		)

		trackedOrders = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dhanflow_tracked_orders",
				Help: "Number of orders currently held by the tracker",
			},
		)

		batchesWritten = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dhanflow_batches_written_total",
				Help: "Number of event batches flushed to storage",
			},
			[]string{"segment"},
		)

		_ = prometheus.Register(framesTotal)
		_ = prometheus.Register(decodeErrors)
		_ = prometheus.Register(eventsDropped)
		_ = prometheus.Register(reconnectCount)
		_ = prometheus.Register(throttleWait)
		_ = prometheus.Register(trackedOrders)
		_ = prometheus.Register(batchesWritten)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(listen, mux); err != nil {
				logger.GetLogger().WithComponent("metrics").WithError(err).Error("metrics server failed")
			}
		}()
	})
}

// IncrementFrame increases the decoded frame counter for a segment and kind.
func IncrementFrame(segment, kind string) {
	if framesTotal != nil {
		framesTotal.WithLabelValues(segment, kind).Inc()
	}
}

// IncrementDecodeError increases the decode failure counter for a channel.
func IncrementDecodeError(channel string) {
	if decodeErrors != nil {
		decodeErrors.WithLabelValues(channel).Inc()
	}
}

// IncrementDrop increases the dropped event counter for a channel.
func IncrementDrop(channel string) {
	if eventsDropped != nil {
		eventsDropped.WithLabelValues(channel).Inc()
	}
}

// IncrementReconnect increases the reconnect counter for a channel.
func IncrementReconnect(channel string) {
	if reconnectCount != nil {
		reconnectCount.WithLabelValues(channel).Inc()
	}
}

// ObserveThrottleWait records time spent blocked on the limiter for a tier.
func ObserveThrottleWait(tier string, seconds float64) {
	if throttleWait != nil {
		throttleWait.WithLabelValues(tier).Observe(seconds)
	}
}

// SetTrackedOrders records the current tracker occupancy.
func SetTrackedOrders(n int) {
	if trackedOrders != nil {
		trackedOrders.Set(float64(n))
	}
}

// IncrementBatchWritten increases the storage batch counter for a segment.
func IncrementBatchWritten(segment string) {
	if batchesWritten != nil {
		batchesWritten.WithLabelValues(segment).Inc()
	}
}
