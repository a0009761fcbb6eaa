package metrics

import "dhanflow/logger"

// SessionMetrics holds per-connection counters reported by feed sessions.
type SessionMetrics struct {
	Channel       string
	State         string
	FramesRead    int64
	EventsEmitted int64
	DecodeErrors  int64
	Reconnects    int64
	Drops         int64
	Subscriptions int
}

// ReportSessionMetrics emits the counters for one feed session.
func ReportSessionMetrics(log *logger.Log, stats SessionMetrics) {
	component := stats.Channel + "_session"
	l := log.WithComponent(component)

	l.LogMetric(component, "frames_read", stats.FramesRead, "counter", logger.Fields{})
	l.LogMetric(component, "events_emitted", stats.EventsEmitted, "counter", logger.Fields{})
	l.LogMetric(component, "decode_errors", stats.DecodeErrors, "counter", logger.Fields{})
	l.LogMetric(component, "reconnects", stats.Reconnects, "counter", logger.Fields{})
	l.LogMetric(component, "events_dropped", stats.Drops, "counter", logger.Fields{})
	l.LogMetric(component, "subscriptions", stats.Subscriptions, "gauge", logger.Fields{})

	entry := l.WithFields(logger.Fields{
		"state":          stats.State,
		"frames_read":    stats.FramesRead,
		"events_emitted": stats.EventsEmitted,
		"decode_errors":  stats.DecodeErrors,
		"reconnects":     stats.Reconnects,
		"events_dropped": stats.Drops,
		"subscriptions":  stats.Subscriptions,
	})

	if stats.DecodeErrors > 0 {
		entry.Warn(component + " metrics")
		return
	}

	entry.Info(component + " metrics")
}
