package rate

import (
	"strconv"
	"strings"

	"dhanflow/logger"
)

// ReportRateLimitExceeded increments the rate limit exceeded counter for the given
// feed channel and emits the metric to CloudWatch. The channel name is attached to
// the log entry.
func ReportRateLimitExceeded(log *logger.Log, channel string) {
	component := strings.ToLower(channel) + "_session"
	l := log.WithComponent(component)
	fields := logger.Fields{
		"channel": strings.ToLower(channel),
	}
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportAuthRejected increments the auth rejection counter for the given feed
// channel and emits the metric to CloudWatch. The disconnect reason code is
// attached to the log entry.
func ReportAuthRejected(log *logger.Log, channel string, reason uint16) {
	component := strings.ToLower(channel) + "_session"
	l := log.WithComponent(component)
	fields := logger.Fields{
		"channel": strings.ToLower(channel),
		"reason":  int64(reason),
	}
	l.LogMetric(component, "auth_rejected", int64(1), "counter", fields)
	l.WithFields(fields).Error("authentication rejected")
}

// DetectThrottle inspects the text of a close frame or handshake error and
// determines whether it signals server side throttling. The feed does not use
// one consistent wording, so both keywords and an embedded 429 status are
// accepted.
func DetectThrottle(msg string) bool {
	lowerMsg := strings.ToLower(msg)
	if strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") {
		return true
	}
	for _, n := range extractInts(msg) {
		if n == 429 {
			return true
		}
	}
	return false
}

// ReportLimitFromMessage checks the provided message for throttling based on the
// feed's wording and records the metric when it matches. It reports whether the
// message signalled a rate limit so callers can switch into a cooloff.
func ReportLimitFromMessage(log *logger.Log, channel, msg string) bool {
	if !DetectThrottle(msg) {
		return false
	}
	ReportRateLimitExceeded(log, channel)
	return true
}

// extractInts returns all integer substrings contained in s. Any non-digit
// characters are treated as separators. Missing or unparsable values result in
// an empty slice.
func extractInts(s string) []int64 {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r < '0' || r > '9'
	})
	nums := make([]int64, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			nums = append(nums, n)
		}
	}
	return nums
}
