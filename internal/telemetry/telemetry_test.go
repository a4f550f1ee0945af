package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector(true, 0)
	persisted := map[string]string{"state": "persisted"}
	c.Counter("flowgen_jobs_total", 1, persisted)
	c.Counter("flowgen_jobs_total", 2, map[string]string{"state": "persisted"})
	c.Counter("flowgen_jobs_total", 1, map[string]string{"state": "abandoned"})
	c.Gauge("flowgen_in_flight", 3, nil)
	c.Gauge("flowgen_in_flight", 1, nil)
	c.Timer("flowgen_stage_duration", 10*time.Millisecond, map[string]string{"stage": "solve"})
	c.Timer("flowgen_stage_duration", 30*time.Millisecond, map[string]string{"stage": "solve"})

	assert.Equal(t, 3.0, c.Value("flowgen_jobs_total", persisted))
	assert.Equal(t, 1.0, c.Value("flowgen_in_flight", nil))
	assert.Equal(t, 0.0, c.Value("missing", nil))

	metrics := c.GetMetrics()
	require.Len(t, metrics, 4)
	var timer Metric
	for _, m := range metrics {
		if m.Type == Timer {
			timer = m
		}
	}
	assert.Equal(t, int64(2), timer.Count)
	assert.InDelta(t, 40.0, timer.Value, 1e-9)
	assert.InDelta(t, 30.0, timer.Max, 1e-9)

	// Mutating the caller's labels must not move the series.
	persisted["state"] = "other"
	assert.Equal(t, 3.0, c.Value("flowgen_jobs_total", map[string]string{"state": "persisted"}))
	c.Shutdown()
}

func TestDisabledAndNilCollector(t *testing.T) {
	var nilC *Collector
	nilC.Counter("x", 1, nil)
	nilC.Shutdown()
	assert.False(t, nilC.Enabled())

	c := NewCollector(false, time.Millisecond)
	c.Counter("x", 1, nil)
	assert.Empty(t, c.GetMetrics())
	c.Shutdown()
}

func TestPeriodicLogStops(t *testing.T) {
	c := NewCollector(true, time.Millisecond)
	c.Counter("x", 1, nil)
	time.Sleep(5 * time.Millisecond)
	c.Shutdown()
	c.Shutdown()
}

func TestGlobalCollector(t *testing.T) {
	c := InitGlobal(true, 0)
	assert.Same(t, c, GetGlobal())
	GetGlobal().Counter("x", 1, nil)
	assert.Equal(t, 1.0, c.Value("x", nil))
	Shutdown()
}

func TestMetricsEndpoint(t *testing.T) {
	c := NewCollector(true, 0)
	c.Counter("flowgen_jobs_total", 2, map[string]string{"state": "persisted"})
	c.Timer("flowgen_stage_duration", 5*time.Millisecond, map[string]string{"stage": "mesh"})
	ms := NewMonitoringServer("127.0.0.1:0", c)

	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "# TYPE flowgen_jobs_total counter\n")
	assert.Contains(t, body, `flowgen_jobs_total{state="persisted"} 2`)
	assert.Contains(t, body, `flowgen_stage_duration_ms_sum{stage="mesh"} 5`)
	assert.Contains(t, body, `flowgen_stage_duration_count{stage="mesh"} 1`)

	rec = httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	var metrics []Metric
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	assert.Len(t, metrics, 2)
}

func TestProgressEndpoint(t *testing.T) {
	ms := NewMonitoringServer("127.0.0.1:0", NewCollector(true, 0))

	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/progress", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ms.SetProgress(func() any { return map[string]int{"persisted": 7} })
	rec = httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/progress", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"persisted": 7}`, rec.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	ms := NewMonitoringServer("127.0.0.1:0", nil)
	for name, fn := range DefaultHealthChecks() {
		ms.RegisterHealthCheck(name, fn)
	}
	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	ms.RegisterHealthCheck("ledger", func() HealthCheck {
		return HealthCheck{Name: "ledger", Status: HealthStatusUnhealthy, Message: "closed"}
	})
	rec = httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"unhealthy"`))
}

func TestServerStartShutdown(t *testing.T) {
	ms := NewMonitoringServer("127.0.0.1:0", NewCollector(true, 0))
	require.NoError(t, ms.Start())
	resp, err := http.Get("http://" + ms.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, ms.Shutdown(context.Background()))
}
