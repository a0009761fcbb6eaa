package metrics

import "dhanflow/logger"

// DropMetric identifies the metric name emitted when channel messages are dropped.
type DropMetric string

const (
	// DropMetricMarketEvent records dropped market feed events.
	DropMetricMarketEvent DropMetric = "market_events_dropped"
	// DropMetricDepthEvent records dropped depth feed events.
	DropMetricDepthEvent DropMetric = "depth_events_dropped"
	// DropMetricOrderEvent records dropped order update events.
	DropMetricOrderEvent DropMetric = "order_events_dropped"
)

// EmitDropMetric logs and emits a metric representing a dropped channel event. The
// metric value is always incremented by one so callers should invoke this helper for
// each dropped event. Optional metadata (channel, segment, security id, stage) is
// added to the metric fields when provided which enables downstream aggregation per
// feed channel and instrument.
func EmitDropMetric(log *logger.Log, metric DropMetric, channel, segment, securityID, stage string) {
	fields := logger.Fields{}
	if channel != "" {
		fields["channel"] = channel
	}
	if segment != "" {
		fields["segment"] = segment
	}
	if securityID != "" {
		fields["security_id"] = securityID
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
