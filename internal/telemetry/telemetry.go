package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric is one aggregated series. For timers Value is the total in
// milliseconds and Count the number of observations.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Count     int64             `json:"count,omitempty"`
	Max       float64           `json:"max,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector aggregates metrics in memory. A disabled collector drops
// everything, so callers never need to check.
type Collector struct {
	mu      sync.RWMutex
	series  map[string]*Metric
	enabled bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCollector creates a collector. A positive logEvery logs a snapshot on
// that interval until Shutdown.
func NewCollector(enabled bool, logEvery time.Duration) *Collector {
	c := &Collector{
		series:  make(map[string]*Metric),
		enabled: enabled,
	}
	if enabled && logEvery > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.periodicLog(ctx, logEvery)
	}
	return c
}

func (c *Collector) Enabled() bool { return c != nil && c.enabled }

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func (c *Collector) update(name string, typ MetricType, labels map[string]string, fn func(m *Metric)) {
	if !c.Enabled() {
		return
	}
	key := seriesKey(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.series[key]
	if !ok {
		copied := make(map[string]string, len(labels))
		for k, v := range labels {
			copied[k] = v
		}
		m = &Metric{Name: name, Type: typ, Labels: copied}
		c.series[key] = m
	}
	fn(m)
	m.Timestamp = time.Now()
}

// Counter adds value to a counter.
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.update(name, Counter, labels, func(m *Metric) { m.Value += value })
}

// Gauge sets a gauge.
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.update(name, Gauge, labels, func(m *Metric) { m.Value = value })
}

// Timer records a duration.
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	ms := float64(duration) / float64(time.Millisecond)
	c.update(name, Timer, labels, func(m *Metric) {
		m.Value += ms
		m.Count++
		if ms > m.Max {
			m.Max = ms
		}
		m.Unit = "ms"
	})
}

// GetMetrics returns a snapshot sorted by series key.
func (c *Collector) GetMetrics() []Metric {
	if !c.Enabled() {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Metric, 0, len(keys))
	for _, k := range keys {
		out = append(out, *c.series[k])
	}
	return out
}

// Value returns the current value of a series, or zero.
func (c *Collector) Value(name string, labels map[string]string) float64 {
	if !c.Enabled() {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.series[seriesKey(name, labels)]; ok {
		return m.Value
	}
	return 0
}

// LogMetrics writes the snapshot to the global logger.
func (c *Collector) LogMetrics() {
	for _, m := range c.GetMetrics() {
		ev := log.Debug().
			Str("name", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Interface("labels", m.Labels)
		if m.Type == Timer {
			ev = ev.Int64("count", m.Count).Float64("max_ms", m.Max)
		}
		ev.Msg("telemetry_metric")
	}
}

func (c *Collector) periodicLog(ctx context.Context, every time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.LogMetrics()
		}
	}
}

// Shutdown stops periodic logging and logs a final snapshot.
func (c *Collector) Shutdown() {
	if c == nil {
		return
	}
	if c.cancel != nil {
		c.cancel()
		<-c.done
		c.cancel = nil
	}
	c.LogMetrics()
}

// Global collector instance
var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal replaces the global collector.
func InitGlobal(enabled bool, logEvery time.Duration) *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = NewCollector(enabled, logEvery)
	return globalCollector
}

// GetGlobal returns the global collector, a disabled one if none was set.
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false, 0)
	}
	return globalCollector
}

// Shutdown shuts down the global collector
func Shutdown() {
	globalMu.Lock()
	c := globalCollector
	globalMu.Unlock()
	c.Shutdown()
}
