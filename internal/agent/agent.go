// Package agent serves the status API: job records, kill requests and
// metrics of the running engine.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/3cpo-dev/stagehand/internal/telemetry"
	"github.com/3cpo-dev/stagehand/pkg/api"
)

// Jobs is the job table the server exposes. core.Registry implements it.
type Jobs interface {
	Snapshot() []api.JobRecord
	Get(id string) (api.JobRecord, bool)
	Running() []string
	Kill(id string) error
}

type Server struct {
	Version string
	Jobs    Jobs
	Metrics *telemetry.Collector
	// Token, when set, is required on /v0/jobs endpoints. It defaults to
	// STAGEHAND_AGENT_TOKEN.
	Token string
	srv   *http.Server
}

func (s *Server) token() string {
	if s.Token != "" {
		return s.Token
	}
	return os.Getenv("STAGEHAND_AGENT_TOKEN")
}

func (s *Server) metrics() *telemetry.Collector {
	if s.Metrics != nil {
		return s.Metrics
	}
	return telemetry.GetGlobal()
}

// Routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v0/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		checks := []telemetry.HealthCheck{telemetry.GoroutineCheck()}
		h := HeartbeatResponse{
			Time:    time.Now(),
			Host:    r.Host,
			Version: s.Version,
			Running: len(s.Jobs.Running()),
			Status:  telemetry.Overall(checks),
			Checks:  checks,
		}
		writeJSON(w, http.StatusOK, h)
		s.observe("heartbeat", http.StatusOK, start)
	})
	mux.HandleFunc("GET /v0/jobs", s.auth(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		jobs := s.Jobs.Snapshot()
		if status := r.URL.Query().Get("status"); status != "" {
			filtered := jobs[:0]
			for _, j := range jobs {
				if string(j.Status) == status {
					filtered = append(filtered, j)
				}
			}
			jobs = filtered
		}
		writeJSON(w, http.StatusOK, jobs)
		s.observe("jobs", http.StatusOK, start)
	}))
	mux.HandleFunc("GET /v0/jobs/{id}", s.auth(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec, ok := s.Jobs.Get(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "job not found"})
			s.observe("job", http.StatusNotFound, start)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		s.observe("job", http.StatusOK, start)
	}))
	mux.HandleFunc("POST /v0/jobs/{id}/kill", s.auth(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.PathValue("id")
		rec, ok := s.Jobs.Get(id)
		switch {
		case !ok:
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "job not found"})
			s.observe("kill", http.StatusNotFound, start)
			return
		case rec.Status != api.JobRunning:
			writeJSON(w, http.StatusConflict, ErrorResponse{Error: fmt.Sprintf("job is %s", rec.Status)})
			s.observe("kill", http.StatusConflict, start)
			return
		}
		if err := s.Jobs.Kill(id); err != nil {
			writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
			s.observe("kill", http.StatusConflict, start)
			return
		}
		writeJSON(w, http.StatusAccepted, KillResponse{ID: id, Killed: true})
		s.observe("kill", http.StatusAccepted, start)
	}))
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = s.metrics().WriteText(w)
	})
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if tok := s.token(); tok != "" {
			auth := r.Header.Get("Authorization")
			x := r.Header.Get("X-Auth-Token")
			if auth != "Bearer "+tok && x != tok {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) observe(endpoint string, status int, start time.Time) {
	labels := map[string]string{
		"component": "agent",
		"endpoint":  endpoint,
		"status":    fmt.Sprintf("%d", status),
	}
	s.metrics().Counter("stagehand_agent_requests_total", 1, labels)
	s.metrics().Timer("stagehand_agent_request_duration", time.Since(start), labels)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s.srv.ListenAndServe()
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
