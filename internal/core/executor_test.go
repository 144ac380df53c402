package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/stagehand/internal/proctree"
	"github.com/3cpo-dev/stagehand/internal/results"
	"github.com/3cpo-dev/stagehand/internal/telemetry"
	"github.com/3cpo-dev/stagehand/pkg/api"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process tests use /bin/sh")
	}
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	root := t.TempDir()
	procs := proctree.NewController(zerolog.Nop())
	procs.Grace = time.Second
	return &Executor{
		Root:         root,
		Results:      results.Writer{Root: root},
		Vars:         NewVariables(nil),
		Registry:     NewRegistry(),
		Procs:        procs,
		PollInterval: 20 * time.Millisecond,
		Metrics:      telemetry.NewCollector(true),
		Logger:       zerolog.Nop(),
	}
}

func TestExecuteSuccessExtractsOutputs(t *testing.T) {
	skipWithoutShell(t)
	x := newTestExecutor(t)
	res := x.Execute(context.Background(), api.Task{
		Name:    "version",
		Command: `echo hello; echo "::set-output name=VERSION::1.4.2"`,
		Outputs: []string{"VERSION"},
	}, "")
	if !res.Success || res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(res.Output, "hello") {
		t.Errorf("output not captured: %q", res.Output)
	}
	if v, _ := x.Vars.Get("VERSION"); v != "1.4.2" {
		t.Errorf("VERSION = %q", v)
	}
	rec, _ := x.Registry.Get(res.JobID)
	if rec.Status != api.JobSuccess || !strings.Contains(rec.Output, "hello") {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestExecuteFailureSurfacesExitCode(t *testing.T) {
	skipWithoutShell(t)
	x := newTestExecutor(t)
	res := x.Execute(context.Background(), api.Task{Name: "boom", Command: "echo boom >&2; exit 3"}, "")
	if res.Success || res.Tolerated {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.ExitCode == nil || *res.ExitCode != 3 {
		t.Errorf("exit code = %v", res.ExitCode)
	}
	if !strings.Contains(res.Error, "boom") {
		t.Errorf("stderr not surfaced: %q", res.Error)
	}
}

func TestExecuteAllowFailureIsTolerated(t *testing.T) {
	skipWithoutShell(t)
	x := newTestExecutor(t)
	res := x.Execute(context.Background(), api.Task{Name: "flaky", Command: "exit 1", AllowFailure: true}, "")
	if res.Success || !res.Tolerated {
		t.Fatalf("expected tolerated failure, got %+v", res)
	}
	rec, _ := x.Registry.Get(res.JobID)
	if rec.Status != api.JobFailed || !rec.Tolerated {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestExecuteSpawnFailure(t *testing.T) {
	skipWithoutShell(t)
	x := newTestExecutor(t)
	res := x.Execute(context.Background(), api.Task{Name: "noshell", Command: "true", Shell: "/nonexistent/shell"}, "")
	if res.Success || res.ExitCode != nil {
		t.Fatalf("expected spawn failure without exit code, got %+v", res)
	}
	if !strings.Contains(res.Error, "failed to start") {
		t.Errorf("unexpected error %q", res.Error)
	}
}

func TestExecutePersistsJSONOutput(t *testing.T) {
	skipWithoutShell(t)
	x := newTestExecutor(t)
	res := x.Execute(context.Background(), api.Task{
		Name:       "report",
		Command:    `echo 'Log: ok {"a": 1, "b": [2,3]}'`,
		OutputFile: "reports/out.json",
	}, "")
	if !res.Success {
		t.Fatalf("unexpected result %+v", res)
	}
	data, err := os.ReadFile(filepath.Join(x.Root, results.DefaultDir, "reports", "out.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "{\n  \"a\": 1,\n  \"b\": [\n    2,\n    3\n  ]\n}\n"
	if string(data) != want {
		t.Errorf("got %q want %q", data, want)
	}
}

func TestExecuteSubstitutesVariables(t *testing.T) {
	skipWithoutShell(t)
	x := newTestExecutor(t)
	x.Vars.Set("GREETING", "hi")
	x.Vars.Set("DIR", "sub")
	if err := os.Mkdir(filepath.Join(x.Root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	res := x.Execute(context.Background(), api.Task{
		Name:       "greet",
		Command:    `echo "$MSG from ${GREETING}"; pwd`,
		WorkingDir: "$DIR",
		Env:        map[string]string{"MSG": "${GREETING} there"},
	}, "")
	if !res.Success {
		t.Fatalf("unexpected result %+v", res)
	}
	lines := strings.Split(strings.TrimSpace(res.Output), "\n")
	if len(lines) != 2 || lines[0] != "hi there from hi" || filepath.Base(lines[1]) != "sub" {
		t.Errorf("unexpected output %q", res.Output)
	}
}

func TestExecuteIgnoredWorkingDir(t *testing.T) {
	skipWithoutShell(t)
	x := newTestExecutor(t)
	x.Results.Ignore = func(rel string) bool { return rel == "node_modules" }
	dir := filepath.Join(x.Root, "node_modules")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	res := x.Execute(context.Background(), api.Task{Name: "touch", Command: "touch marker", WorkingDir: "node_modules"}, "")
	if res.Success || !strings.Contains(res.Error, ErrIgnoredPath.Error()) {
		t.Fatalf("expected ignored path failure, got %+v", res)
	}
	if _, err := os.Stat(filepath.Join(dir, "marker")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("process was spawned in an ignored directory")
	}
}

func TestExecuteCancelKillsProcessTree(t *testing.T) {
	skipWithoutShell(t)
	x := newTestExecutor(t)

	done := make(chan api.ExecutionResult, 1)
	go func() {
		done <- x.Execute(context.Background(), api.Task{
			Name:    "dev",
			Command: "sleep 30 & sleep 30 & echo ready; wait",
		}, "")
	}()

	id := waitForJob(t, x.Registry, func(rec api.JobRecord) bool {
		return strings.Contains(rec.Output, "ready") && len(rec.PIDs) >= 2
	})
	if err := x.Registry.Kill(id); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	var res api.ExecutionResult
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("task did not stop after kill")
	}
	if res.Success || res.ExitCode == nil || *res.ExitCode != ExitCanceled {
		t.Fatalf("expected exit code %d, got %+v", ExitCanceled, res)
	}
	rec, _ := x.Registry.Get(id)
	if alive := x.Procs.Alive(context.Background(), rec.PIDs); len(alive) != 0 {
		t.Errorf("processes survived cancellation: %v", alive)
	}
}

func TestExecuteContextCancel(t *testing.T) {
	skipWithoutShell(t)
	x := newTestExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	res := x.Execute(ctx, api.Task{Name: "sleep", Command: "sleep 30"}, "")
	if res.ExitCode == nil || *res.ExitCode != ExitCanceled {
		t.Errorf("expected exit code %d, got %+v", ExitCanceled, res)
	}
}

func TestExecuteTimeout(t *testing.T) {
	skipWithoutShell(t)
	x := newTestExecutor(t)
	start := time.Now()
	res := x.Execute(context.Background(), api.Task{Name: "slow", Command: "sleep 30", TimeoutSeconds: 1}, "")
	if res.ExitCode == nil || *res.ExitCode != ExitTimeout {
		t.Fatalf("expected exit code %d, got %+v", ExitTimeout, res)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestExecuteContainerWithoutRuntime(t *testing.T) {
	x := newTestExecutor(t)
	res := x.Execute(context.Background(), api.Task{Name: "db", Image: "postgres"}, "")
	if res.Success || !strings.Contains(res.Error, "no container runtime") {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestResolveShell(t *testing.T) {
	cases := []struct {
		in   string
		bin  string
		args []string
	}{
		{"bash", "bash", []string{"-c"}},
		{"pwsh", "pwsh", []string{"-NoProfile", "-Command"}},
		{"cmd.exe", "cmd.exe", []string{"/C"}},
		{"bash -e -c", "bash", []string{"-e", "-c"}},
	}
	for _, tc := range cases {
		bin, args := ResolveShell(tc.in)
		if bin != tc.bin || strings.Join(args, " ") != strings.Join(tc.args, " ") {
			t.Errorf("ResolveShell(%q) = %s %v", tc.in, bin, args)
		}
	}
}

func TestMergeEnv(t *testing.T) {
	got := MergeEnv([]string{"PATH=/bin", "HOME=/root"}, map[string]string{"HOME": "/tmp", "CI": "1"})
	want := "PATH=/bin HOME=/tmp CI=1"
	if strings.Join(got, " ") != want {
		t.Errorf("got %v", got)
	}
}

// waitForJob polls the registry until a command record satisfies ok.
func waitForJob(t *testing.T, r *Registry, ok func(api.JobRecord) bool) string {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, rec := range r.Snapshot() {
			if rec.Kind == api.JobCommand && rec.Status == api.JobRunning && ok(rec) {
				return rec.ID
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not reach the expected state")
	return ""
}
