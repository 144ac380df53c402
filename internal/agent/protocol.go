package agent

import (
	"time"

	"github.com/3cpo-dev/stagehand/internal/telemetry"
)

type HeartbeatResponse struct {
	Time    time.Time               `json:"time"`
	Host    string                  `json:"host"`
	Version string                  `json:"version"`
	Running int                     `json:"running"`
	Status  telemetry.HealthStatus  `json:"status"`
	Checks  []telemetry.HealthCheck `json:"checks,omitempty"`
}

type KillResponse struct {
	ID     string `json:"id"`
	Killed bool   `json:"killed"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
