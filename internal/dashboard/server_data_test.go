package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"dhanflow/config"
	"dhanflow/internal/metrics"
	"dhanflow/internal/ratelimit"
	"dhanflow/internal/session"
	"dhanflow/logger"
)

func newTestServer(t *testing.T, sources Sources) *Server {
	t.Helper()

	cfg := config.DashboardConfig{
		Enabled:                 true,
		Listen:                  ":8080",
		MetricsHistory:          10,
		LogsHistory:             10,
		ResourceIntervalSeconds: 1,
	}
	srv, err := NewServer(cfg, logger.Logger(), sources)
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected non-nil server")
	}
	t.Cleanup(srv.cleanup)
	return srv
}

func serveJSON(t *testing.T, srv *Server, path string, out interface{}) {
	t.Helper()

	router, err := srv.buildRouter("dhanflow")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, path, nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("GET %s returned status %d", path, res.Code)
	}
	if err := json.Unmarshal(res.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
}

func TestMetricsEndpointEmitsStoredMetrics(t *testing.T) {
	srv := newTestServer(t, Sources{})

	metrics.EmitMetric(srv.log, "market_feed", "events_buffer_length", 5, "gauge", logger.Fields{"capacity": 10})

	var payload struct {
		Metrics []struct {
			Component string      `json:"component"`
			Name      string      `json:"name"`
			Value     interface{} `json:"value"`
			Type      string      `json:"type"`
		} `json:"metrics"`
	}
	serveJSON(t, srv, "/api/metrics", &payload)

	found := false
	for _, m := range payload.Metrics {
		if m.Name == "events_buffer_length" && m.Component == "market_feed" {
			found = true
			if m.Type != "gauge" {
				t.Fatalf("metric type = %q, want gauge", m.Type)
			}
		}
	}
	if !found {
		t.Fatalf("emitted metric missing from response: %+v", payload.Metrics)
	}
}

func TestLogsEndpointCapturesLoggerOutput(t *testing.T) {
	srv := newTestServer(t, Sources{})

	srv.log.WithComponent("market_feed").WithFields(logger.Fields{"channel": "market"}).Info("feed connected")

	var payload struct {
		Logs []struct {
			Level     string `json:"level"`
			Component string `json:"component"`
			Message   string `json:"message"`
		} `json:"logs"`
	}
	serveJSON(t, srv, "/api/logs", &payload)

	found := false
	for _, l := range payload.Logs {
		if l.Message == "feed connected" && l.Component == "market_feed" && l.Level == "info" {
			found = true
		}
	}
	if !found {
		t.Fatalf("log entry missing from response: %+v", payload.Logs)
	}
}

func TestStatusEndpointReportsSources(t *testing.T) {
	sources := Sources{
		Sessions: func() []session.Status {
			return []session.Status{{
				Name:          "market",
				State:         "open",
				Subscriptions: []string{"NSE_EQ:11536"},
				FramesRead:    42,
			}}
		},
		Tracker: func() metrics.TrackerMetrics {
			return metrics.TrackerMetrics{Tracked: 3, Capacity: 100, Expired: 1, Evicted: 2}
		},
		Limits: func() []ratelimit.TierSnapshot {
			return []ratelimit.TierSnapshot{{
				Tier:    ratelimit.TierData,
				Windows: []ratelimit.WindowSnapshot{{Span: "second", Limit: 10, Used: 2}},
			}}
		},
	}
	srv := newTestServer(t, sources)

	var payload struct {
		UptimeSeconds *int64 `json:"uptime_seconds"`
		Sessions      []struct {
			Name       string `json:"name"`
			State      string `json:"state"`
			FramesRead int64  `json:"frames_read"`
		} `json:"sessions"`
		Orders struct {
			Tracked  int   `json:"tracked"`
			Capacity int   `json:"capacity"`
			Expired  int64 `json:"expired"`
			Evicted  int64 `json:"evicted"`
		} `json:"orders"`
		RateLimits []struct {
			Tier    string `json:"tier"`
			Windows []struct {
				Span string `json:"span"`
				Used int    `json:"used"`
			} `json:"windows"`
		} `json:"rate_limits"`
	}
	serveJSON(t, srv, "/api/status", &payload)

	if payload.UptimeSeconds == nil {
		t.Fatal("uptime_seconds missing from status payload")
	}
	if len(payload.Sessions) != 1 || payload.Sessions[0].Name != "market" || payload.Sessions[0].State != "open" {
		t.Fatalf("unexpected sessions payload: %+v", payload.Sessions)
	}
	if payload.Sessions[0].FramesRead != 42 {
		t.Fatalf("frames_read = %d, want 42", payload.Sessions[0].FramesRead)
	}
	if payload.Orders.Tracked != 3 || payload.Orders.Capacity != 100 || payload.Orders.Evicted != 2 {
		t.Fatalf("unexpected orders payload: %+v", payload.Orders)
	}
	if len(payload.RateLimits) != 1 || payload.RateLimits[0].Tier != "data" {
		t.Fatalf("unexpected rate limits payload: %+v", payload.RateLimits)
	}
	if len(payload.RateLimits[0].Windows) != 1 || payload.RateLimits[0].Windows[0].Used != 2 {
		t.Fatalf("unexpected windows payload: %+v", payload.RateLimits[0].Windows)
	}
}

func TestStatusEndpointOmitsMissingSources(t *testing.T) {
	srv := newTestServer(t, Sources{})

	var payload map[string]interface{}
	serveJSON(t, srv, "/api/status", &payload)

	for _, key := range []string{"sessions", "orders", "rate_limits"} {
		if _, ok := payload[key]; ok {
			t.Fatalf("status payload includes %q without a source", key)
		}
	}
	if _, ok := payload["uptime_seconds"]; !ok {
		t.Fatal("uptime_seconds missing from status payload")
	}
}
