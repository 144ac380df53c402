// Package telemetry aggregates engine metrics per series and exposes them to
// the logger and the status API.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	// Timer values are milliseconds.
	Timer MetricType = "timer"
)

// Series is the running aggregate of one metric name and label set.
type Series struct {
	Name   string            `json:"name"`
	Type   MetricType        `json:"type"`
	Labels map[string]string `json:"labels,omitempty"`
	// Value is the running total for counters and timers and the last value
	// for gauges.
	Value float64 `json:"value"`
	Count int64   `json:"count"`
}

// Collector keeps one aggregate per series. Series touched since the last
// flush are logged at debug level every flushInterval, or sooner once
// flushBatch samples have accumulated.
type Collector struct {
	mu      sync.RWMutex
	series  map[string]*Series
	dirty   map[string]struct{}
	pending int
	enabled bool
	flushCh chan struct{}
	stop    context.CancelFunc
	done    chan struct{}
}

const (
	flushInterval = 30 * time.Second
	flushBatch    = 100
)

func NewCollector(enabled bool) *Collector {
	c := &Collector{
		series:  map[string]*Series{},
		dirty:   map[string]struct{}{},
		enabled: enabled,
		flushCh: make(chan struct{}, 1),
	}
	if enabled {
		ctx, cancel := context.WithCancel(context.Background())
		c.stop = cancel
		c.done = make(chan struct{})
		go c.flushLoop(ctx)
	}
	return c
}

func (c *Collector) Enabled() bool { return c != nil && c.enabled }

func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.record(name, Counter, value, labels)
}

func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.record(name, Gauge, value, labels)
}

func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.record(name, Timer, float64(d.Milliseconds()), labels)
}

func (c *Collector) record(name string, typ MetricType, value float64, labels map[string]string) {
	if !c.Enabled() {
		return
	}
	key := seriesKey(name, labels)

	c.mu.Lock()
	s, ok := c.series[key]
	if !ok {
		s = &Series{Name: name, Type: typ, Labels: copyLabels(labels)}
		c.series[key] = s
	}
	s.Count++
	if typ == Gauge {
		s.Value = value
	} else {
		s.Value += value
	}
	c.dirty[key] = struct{}{}
	c.pending++
	full := c.pending >= flushBatch
	c.mu.Unlock()

	if full {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// pendingSamples returns the number of samples recorded since the last flush.
func (c *Collector) pendingSamples() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pending
}

// Series returns the aggregates sorted by name and labels.
func (c *Collector) Series() []Series {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Series, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.snapshot(k))
	}
	return out
}

func (c *Collector) snapshot(key string) Series {
	s := *c.series[key]
	s.Labels = copyLabels(s.Labels)
	return s
}

// WriteText writes the aggregates in the Prometheus text exposition format.
// Timers are exposed as <name>_ms_sum and <name>_ms_count.
func (c *Collector) WriteText(w io.Writer) error {
	for _, s := range c.Series() {
		labels := formatLabels(s.Labels)
		var err error
		switch s.Type {
		case Timer:
			_, err = fmt.Fprintf(w, "%s_ms_sum%s %g\n%s_ms_count%s %d\n", s.Name, labels, s.Value, s.Name, labels, s.Count)
		default:
			_, err = fmt.Fprintf(w, "%s%s %g\n", s.Name, labels, s.Value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// FlushMetrics logs every series touched since the previous flush.
func (c *Collector) FlushMetrics() error {
	c.mu.Lock()
	touched := make([]Series, 0, len(c.dirty))
	for k := range c.dirty {
		touched = append(touched, c.snapshot(k))
	}
	samples := c.pending
	c.dirty = map[string]struct{}{}
	c.pending = 0
	c.mu.Unlock()

	if len(touched) == 0 {
		return nil
	}
	sort.Slice(touched, func(i, j int) bool { return touched[i].Name < touched[j].Name })
	log.Debug().Int("samples", samples).Int("series", len(touched)).Msg("flushing metrics")
	for _, s := range touched {
		log.Debug().
			Str("metric", s.Name).
			Str("type", string(s.Type)).
			Float64("value", s.Value).
			Int64("count", s.Count).
			Interface("labels", s.Labels).
			Msg("metric")
	}
	return nil
}

func (c *Collector) flushLoop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.flushCh:
		}
		_ = c.FlushMetrics()
	}
}

// Shutdown stops the flush loop and flushes what is left.
func (c *Collector) Shutdown() error {
	if c == nil {
		return nil
	}
	if c.stop != nil {
		c.stop()
		<-c.done
	}
	return c.FlushMetrics()
}

func seriesKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func copyLabels(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal replaces the process-wide collector.
func InitGlobal(enabled bool) *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector != nil {
		_ = globalCollector.Shutdown()
	}
	globalCollector = NewCollector(enabled)
	return globalCollector
}

// GetGlobal returns the process-wide collector, a disabled one if InitGlobal
// was never called.
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false)
	}
	return globalCollector
}

func Shutdown() error {
	globalMu.Lock()
	c := globalCollector
	globalMu.Unlock()
	return c.Shutdown()
}
