package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// MonitoringServer exposes health, metrics and batch progress over HTTP.
type MonitoringServer struct {
	collector *Collector

	mu           sync.RWMutex
	healthChecks map[string]func() HealthCheck
	progress     func() any

	server   *http.Server
	listener net.Listener
}

// NewMonitoringServer creates a new monitoring server
func NewMonitoringServer(addr string, collector *Collector) *MonitoringServer {
	ms := &MonitoringServer{
		collector:    collector,
		healthChecks: make(map[string]func() HealthCheck),
	}
	mux := http.NewServeMux()
	ms.setupRoutes(mux)
	ms.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

func (ms *MonitoringServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/metrics", ms.metricsHandler)
	mux.HandleFunc("/api/metrics", ms.apiMetricsHandler)
	mux.HandleFunc("/api/progress", ms.apiProgressHandler)
}

// Handler returns the server's routes, for embedding or tests.
func (ms *MonitoringServer) Handler() http.Handler { return ms.server.Handler }

func overall(checks []HealthCheck) HealthStatus {
	status := HealthStatusHealthy
	for _, check := range checks {
		if check.Status == HealthStatusUnhealthy {
			return HealthStatusUnhealthy
		}
		if check.Status == HealthStatusDegraded {
			status = HealthStatusDegraded
		}
	}
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write monitoring response")
	}
}

func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := ms.runHealthChecks()
	status := overall(checks)
	code := http.StatusOK
	if status == HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

// metricsHandler renders the Prometheus text exposition format.
func (ms *MonitoringServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	typed := make(map[string]bool)
	for _, m := range ms.collector.GetMetrics() {
		name, typ := m.Name, "gauge"
		switch m.Type {
		case Counter:
			typ = "counter"
		case Timer:
			name, typ = m.Name+"_ms_sum", "counter"
		}
		if !typed[name] {
			fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
			typed[name] = true
		}
		labels := formatLabels(m.Labels)
		fmt.Fprintf(w, "%s%s %g\n", name, labels, m.Value)
		if m.Type == Timer {
			count := m.Name + "_count"
			if !typed[count] {
				fmt.Fprintf(w, "# TYPE %s counter\n", count)
				typed[count] = true
			}
			fmt.Fprintf(w, "%s%s %d\n", count, labels, m.Count)
		}
	}
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, v))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}

func (ms *MonitoringServer) apiMetricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ms.collector.GetMetrics())
}

func (ms *MonitoringServer) apiProgressHandler(w http.ResponseWriter, r *http.Request) {
	ms.mu.RLock()
	fn := ms.progress
	ms.mu.RUnlock()
	if fn == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no batch running"})
		return
	}
	writeJSON(w, http.StatusOK, fn())
}

// SetProgress installs the snapshot served on /api/progress.
func (ms *MonitoringServer) SetProgress(fn func() any) {
	ms.mu.Lock()
	ms.progress = fn
	ms.mu.Unlock()
}

// RegisterHealthCheck registers a health check function
func (ms *MonitoringServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	ms.mu.Lock()
	ms.healthChecks[name] = checkFn
	ms.mu.Unlock()
}

func (ms *MonitoringServer) runHealthChecks() []HealthCheck {
	ms.mu.RLock()
	names := make([]string, 0, len(ms.healthChecks))
	for name := range ms.healthChecks {
		names = append(names, name)
	}
	fns := ms.healthChecks
	ms.mu.RUnlock()
	sort.Strings(names)

	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		check := fns[name]()
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

// Start binds the listen address and serves in the background.
func (ms *MonitoringServer) Start() error {
	ln, err := net.Listen("tcp", ms.server.Addr)
	if err != nil {
		return fmt.Errorf("monitoring listen: %w", err)
	}
	ms.listener = ln
	log.Info().Str("addr", ln.Addr().String()).Msg("Starting monitoring server")
	go func() {
		if err := ms.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("monitoring server stopped")
		}
	}()
	return nil
}

// Addr is the bound address once Start has returned.
func (ms *MonitoringServer) Addr() string {
	if ms.listener == nil {
		return ms.server.Addr
	}
	return ms.listener.Addr().String()
}

// Shutdown gracefully shuts down the monitoring server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// DefaultHealthChecks returns a set of default health checks
func DefaultHealthChecks() map[string]func() HealthCheck {
	return map[string]func() HealthCheck{
		"memory": func() HealthCheck {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			heapMB := float64(m.HeapAlloc) / (1024 * 1024)
			status := HealthStatusHealthy
			message := fmt.Sprintf("Heap memory: %.2f MB", heapMB)

			if heapMB > 1000 {
				status = HealthStatusDegraded
				message = fmt.Sprintf("High memory usage: %.2f MB", heapMB)
			}
			if heapMB > 2000 {
				status = HealthStatusUnhealthy
				message = fmt.Sprintf("Critical memory usage: %.2f MB", heapMB)
			}
			return HealthCheck{
				Name:    "memory",
				Status:  status,
				Message: message,
				Details: map[string]string{"heap_mb": fmt.Sprintf("%.2f", heapMB)},
			}
		},
		"goroutines": func() HealthCheck {
			count := runtime.NumGoroutine()
			status := HealthStatusHealthy
			if count > 1000 {
				status = HealthStatusDegraded
			}
			return HealthCheck{
				Name:    "goroutines",
				Status:  status,
				Message: fmt.Sprintf("Goroutines: %d", count),
				Details: map[string]string{"count": fmt.Sprintf("%d", count)},
			}
		},
	}
}
