package metrics

import "dhanflow/logger"

// TrackerMetrics holds occupancy counters for the order tracker.
type TrackerMetrics struct {
	Tracked  int
	Capacity int
	Expired  int64
	Evicted  int64
}

// ReportTrackerMetrics emits occupancy metrics for the order tracker.
func ReportTrackerMetrics(log *logger.Log, stats TrackerMetrics) {
	l := log.WithComponent("order_tracker")

	l.LogMetric("order_tracker", "tracked_orders", stats.Tracked, "gauge", logger.Fields{})
	l.LogMetric("order_tracker", "expired_orders", stats.Expired, "counter", logger.Fields{})
	l.LogMetric("order_tracker", "evicted_orders", stats.Evicted, "counter", logger.Fields{})

	SetTrackedOrders(stats.Tracked)

	l.WithFields(logger.Fields{
		"tracked":  stats.Tracked,
		"capacity": stats.Capacity,
		"expired":  stats.Expired,
		"evicted":  stats.Evicted,
	}).Info("order tracker metrics")
}
