package telemetry

import (
	"fmt"
	"runtime"
	"time"
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
	Name    string            `json:"name"`
	Status  HealthStatus      `json:"status"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Overall folds check results into one status.
func Overall(checks []HealthCheck) HealthStatus {
	status := HealthStatusHealthy
	for _, c := range checks {
		switch c.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

// GoroutineCheck flags runaway goroutine counts, which in this process track
// the number of live task watchers.
func GoroutineCheck() HealthCheck {
	count := runtime.NumGoroutine()
	status := HealthStatusHealthy
	message := fmt.Sprintf("Goroutines: %d", count)
	if count > 1000 {
		status = HealthStatusDegraded
		message = fmt.Sprintf("High goroutine count: %d", count)
	}
	if count > 5000 {
		status = HealthStatusUnhealthy
		message = fmt.Sprintf("Critical goroutine count: %d", count)
	}
	return HealthCheck{
		Name:    "goroutines",
		Status:  status,
		Message: message,
		Details: map[string]string{"count": fmt.Sprintf("%d", count)},
	}
}

// TimerScope represents a scoped timer for measuring durations
type TimerScope struct {
	startTime time.Time
	name      string
	labels    map[string]string
	collector *Collector
}

// NewTimerScope creates a timer recording into c, or the global collector
// when c is nil.
func NewTimerScope(c *Collector, name string, labels map[string]string) *TimerScope {
	if c == nil {
		c = GetGlobal()
	}
	return &TimerScope{startTime: time.Now(), name: name, labels: labels, collector: c}
}

// End completes the timer and records the duration. Labels added after
// creation are included.
func (ts *TimerScope) End(extra map[string]string) time.Duration {
	duration := time.Since(ts.startTime)
	labels := copyLabels(ts.labels)
	if labels == nil && len(extra) > 0 {
		labels = map[string]string{}
	}
	for k, v := range extra {
		labels[k] = v
	}
	ts.collector.Timer(ts.name, duration, labels)
	return duration
}
