package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/3cpo-dev/stagehand/internal/telemetry"
	"github.com/3cpo-dev/stagehand/pkg/api"
)

type fakeJobs struct {
	recs   []api.JobRecord
	killed []string
}

func (f *fakeJobs) Snapshot() []api.JobRecord {
	return append([]api.JobRecord(nil), f.recs...)
}

func (f *fakeJobs) Get(id string) (api.JobRecord, bool) {
	for _, r := range f.recs {
		if r.ID == id {
			return r, true
		}
	}
	return api.JobRecord{}, false
}

func (f *fakeJobs) Running() []string {
	var ids []string
	for _, r := range f.recs {
		if r.Status == api.JobRunning {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

func (f *fakeJobs) Kill(id string) error {
	for _, r := range f.recs {
		if r.ID == id && r.Killable {
			f.killed = append(f.killed, id)
			return nil
		}
	}
	return errors.New("job is not running")
}

func newTestServer(t *testing.T) (*Server, *fakeJobs) {
	t.Helper()
	t.Setenv("STAGEHAND_AGENT_TOKEN", "")
	jobs := &fakeJobs{recs: []api.JobRecord{
		{ID: "a", Kind: api.JobCommand, Name: "build", Status: api.JobSuccess, StartedAt: time.Unix(1, 0).UTC()},
		{ID: "b", Kind: api.JobCommand, Name: "dev", Status: api.JobRunning, Killable: true, StartedAt: time.Unix(2, 0).UTC()},
		{ID: "c", Kind: api.JobCommand, Name: "watch", Status: api.JobRunning, StartedAt: time.Unix(3, 0).UTC()},
	}}
	m := telemetry.NewCollector(true)
	t.Cleanup(func() { _ = m.Shutdown() })
	return &Server{Version: "test", Jobs: jobs, Metrics: m}, jobs
}

func serve(s *Server, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHeartbeat(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := serve(srv, http.MethodGet, "/v0/heartbeat", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var resp HeartbeatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Version != "test" || resp.Running != 2 {
		t.Errorf("unexpected heartbeat %+v", resp)
	}
	if resp.Status != telemetry.HealthStatusHealthy || len(resp.Checks) != 1 {
		t.Errorf("unexpected health %s %+v", resp.Status, resp.Checks)
	}
}

func TestListJobs(t *testing.T) {
	srv, jobs := newTestServer(t)
	rr := serve(srv, http.MethodGet, "/v0/jobs", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var got []api.JobRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff(jobs.recs, got); diff != "" {
		t.Errorf("jobs (-want +got):\n%s", diff)
	}

	rr = serve(srv, http.MethodGet, "/v0/jobs?status=running", nil)
	got = nil
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Errorf("filtered jobs = %+v", got)
	}
}

func TestGetJob(t *testing.T) {
	srv, _ := newTestServer(t)
	if rr := serve(srv, http.MethodGet, "/v0/jobs/a", nil); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"build"`) {
		t.Errorf("get a: %d %s", rr.Code, rr.Body)
	}
	if rr := serve(srv, http.MethodGet, "/v0/jobs/zzz", nil); rr.Code != http.StatusNotFound {
		t.Errorf("get missing: %d", rr.Code)
	}
}

func TestKillJob(t *testing.T) {
	srv, jobs := newTestServer(t)
	cases := []struct {
		id   string
		want int
	}{
		{"b", http.StatusAccepted},
		{"a", http.StatusConflict},
		{"c", http.StatusConflict},
		{"missing", http.StatusNotFound},
	}
	for _, tc := range cases {
		if rr := serve(srv, http.MethodPost, "/v0/jobs/"+tc.id+"/kill", nil); rr.Code != tc.want {
			t.Errorf("kill %s: status %d, want %d", tc.id, rr.Code, tc.want)
		}
	}
	if diff := cmp.Diff([]string{"b"}, jobs.killed); diff != "" {
		t.Errorf("killed (-want +got):\n%s", diff)
	}
	if rr := serve(srv, http.MethodGet, "/v0/jobs/b/kill", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET kill: status %d", rr.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Token = "s3cret"
	if rr := serve(srv, http.MethodGet, "/v0/jobs", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("no token: status %d", rr.Code)
	}
	if rr := serve(srv, http.MethodGet, "/v0/jobs", map[string]string{"Authorization": "Bearer s3cret"}); rr.Code != http.StatusOK {
		t.Errorf("bearer: status %d", rr.Code)
	}
	if rr := serve(srv, http.MethodGet, "/v0/jobs", map[string]string{"X-Auth-Token": "s3cret"}); rr.Code != http.StatusOK {
		t.Errorf("header: status %d", rr.Code)
	}
	if rr := serve(srv, http.MethodGet, "/v0/heartbeat", nil); rr.Code != http.StatusOK {
		t.Errorf("heartbeat stays open: status %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	serve(srv, http.MethodGet, "/v0/jobs", nil)
	rr := serve(srv, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `stagehand_agent_requests_total{component="agent",endpoint="jobs",status="200"} 1`) {
		t.Errorf("metrics output:\n%s", rr.Body)
	}
}

func TestClientIdentityWithoutTLS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	rr := httptest.NewRecorder()
	clientIdentity(false, ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusNoContent {
		t.Errorf("optional client cert: status %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	clientIdentity(true, ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("required client cert: status %d", rr.Code)
	}
}

func TestTLSSettings(t *testing.T) {
	if _, err := (TLSSettings{}).ServerConfig(); err == nil {
		t.Error("expected error without a certificate pair")
	}
	t.Setenv("STAGEHAND_AGENT_TLS_CERT", "cert.pem")
	t.Setenv("STAGEHAND_AGENT_TLS_KEY", "key.pem")
	t.Setenv("STAGEHAND_AGENT_CLIENT_CA", "")
	t.Setenv("STAGEHAND_AGENT_REQUIRE_MTLS", "true")
	s := TLSSettingsFromEnv()
	if !s.Enabled() || !s.RequireClientCert {
		t.Errorf("unexpected settings %+v", s)
	}
	if _, err := loadCertPool(""); err == nil {
		t.Error("expected error without a client CA file")
	}
}
