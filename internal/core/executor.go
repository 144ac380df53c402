package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/stagehand/internal/container"
	"github.com/3cpo-dev/stagehand/internal/proctree"
	"github.com/3cpo-dev/stagehand/internal/results"
	"github.com/3cpo-dev/stagehand/internal/telemetry"
	"github.com/3cpo-dev/stagehand/pkg/api"
)

const (
	// ExitCanceled is reported for tasks stopped by a kill request.
	ExitCanceled = 130
	// ExitTimeout is reported for tasks stopped by their timeout.
	ExitTimeout = 124

	defaultPollInterval = time.Second
	waitDelay           = 2 * time.Second
)

var (
	errKilled   = errors.New("task canceled")
	errTimedOut = errors.New("task timed out")
)

// Executor runs single tasks as host processes or containers.
type Executor struct {
	Root         string
	Shell        string
	Results      results.Writer
	Vars         *Variables
	Registry     *Registry
	Procs        *proctree.Controller
	Containers   *container.Adapter
	PollInterval time.Duration
	// Timeout applies to tasks without their own timeout_seconds.
	Timeout time.Duration
	Metrics *telemetry.Collector
	Logger  zerolog.Logger
}

// Execute runs task as a child job of parentID and returns its result. It
// never returns an error: spawn and runtime failures become failed results.
func (x *Executor) Execute(ctx context.Context, task api.Task, parentID string) api.ExecutionResult {
	start := time.Now()
	id := x.Registry.StartCommand(task.Name, parentID)
	lg := x.Logger.With().Str("task", task.Name).Str("job", id).Logger()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	x.Registry.RegisterKillHandler(id, func() { cancel(errKilled) })

	timeout := x.Timeout
	if task.TimeoutSeconds > 0 {
		timeout = time.Duration(task.TimeoutSeconds) * time.Second
	}
	if timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, timeout, errTimedOut)
		defer stop()
	}

	t := x.substitute(task)
	var res api.ExecutionResult
	if err := t.Validate(); err != nil {
		res = api.ExecutionResult{Error: err.Error()}
	} else if t.Kind() == api.ContainerTask {
		res = x.runContainer(ctx, id, t, lg)
	} else {
		res = x.runProcess(ctx, id, t, lg)
	}
	res.Name, res.Kind, res.JobID = task.Name, api.JobCommand, id

	status := "success"
	if res.Success {
		x.Registry.CompleteSuccess(id)
	} else {
		res.Tolerated = task.AllowFailure
		x.Registry.CompleteFailure(id, res.Error, res.Tolerated)
		status = "failed"
	}
	labels := map[string]string{"task": task.Name, "kind": string(t.Kind()), "status": status}
	x.metrics().Timer("stagehand_task_duration", time.Since(start), labels)
	x.metrics().Counter("stagehand_tasks_total", 1, labels)
	return res
}

func (x *Executor) metrics() *telemetry.Collector {
	if x.Metrics != nil {
		return x.Metrics
	}
	return telemetry.GetGlobal()
}

func (x *Executor) substitute(task api.Task) api.Task {
	t := task
	t.Command = x.Vars.Substitute(task.Command)
	t.WorkingDir = x.Vars.Substitute(task.WorkingDir)
	t.OutputFile = x.Vars.Substitute(task.OutputFile)
	t.Image = x.Vars.Substitute(task.Image)
	t.ImageTag = x.Vars.Substitute(task.ImageTag)
	if len(task.Env) > 0 {
		t.Env = make(map[string]string, len(task.Env))
		for k, v := range task.Env {
			t.Env[k] = x.Vars.Substitute(v)
		}
	}
	t.Ports = substituteAll(x.Vars, task.Ports)
	t.Volumes = substituteAll(x.Vars, task.Volumes)
	return t
}

func substituteAll(v *Variables, in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = v.Substitute(s)
	}
	return out
}

func (x *Executor) runProcess(ctx context.Context, id string, t api.Task, lg zerolog.Logger) api.ExecutionResult {
	dir, err := x.workingDir(t)
	if err != nil {
		return api.ExecutionResult{Error: err.Error()}
	}
	shell, args := ResolveShell(firstNonEmpty(t.Shell, x.Shell))
	cmd := exec.Command(shell, append(args, t.Command)...)
	cmd.Dir = dir
	cmd.Env = MergeEnv(os.Environ(), t.Env)
	cmd.SysProcAttr = proctree.SysProcAttr()
	cmd.WaitDelay = waitDelay

	c := &capture{seen: map[int]struct{}{}}
	cmd.Stdout = streamWriter{c: c, emit: func(s string) { x.Registry.AppendOutput(id, s) }}
	cmd.Stderr = streamWriter{c: c, stderr: true, emit: func(s string) { x.Registry.AppendError(id, s) }}

	if err := cmd.Start(); err != nil {
		return api.ExecutionResult{Error: fmt.Sprintf("failed to start %s: %v", shell, err)}
	}
	procs := x.Procs
	if procs == nil {
		procs = proctree.NewController(x.Logger)
	}
	h := proctree.NewHandle(cmd.Process.Pid)
	lg.Debug().Int("pid", h.PID()).Str("dir", dir).Str("shell", shell).Msg("process started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	poll := x.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var waitErr error
	var stopped error
loop:
	for {
		select {
		case waitErr = <-done:
			break loop
		case <-ticker.C:
			newPIDs := procs.Discover(ctx, h)
			newPorts := h.AddPorts(c.portList()...)
			if newPIDs > 0 || newPorts > 0 {
				x.Registry.TrackProcesses(id, h.PIDs(), h.Ports())
				x.metrics().Gauge("stagehand_task_processes", float64(len(h.PIDs())), map[string]string{"task": t.Name})
			}
		case <-ctx.Done():
			stopped = context.Cause(ctx)
			h.AddPorts(c.portList()...)
			rep := procs.Terminate(context.WithoutCancel(ctx), h, t.Command)
			x.Registry.TrackProcesses(id, rep.PIDs, rep.Ports)
			x.metrics().Counter("stagehand_kills_total", float64(len(rep.PIDs)), map[string]string{"task": t.Name})
			lg.Info().Ints("pids", rep.PIDs).Ints("ports", rep.Ports).Msg("process tree terminated")
			waitErr = <-done
			break loop
		}
	}

	stdout, stderr := c.text()
	res := api.ExecutionResult{Output: stdout}
	if stopped != nil {
		code := ExitCanceled
		msg := "canceled"
		if errors.Is(stopped, errTimedOut) {
			code = ExitTimeout
			msg = "timed out"
		}
		res.ExitCode = api.IntPtr(code)
		res.Error = joinNonEmpty(strings.TrimSpace(stderr), msg)
		return res
	}

	code := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			code = exitErr.ExitCode()
			if code < 0 {
				code = 1
			}
		case errors.Is(waitErr, exec.ErrWaitDelay):
			lg.Warn().Msg("output still held open by a background process after exit")
		default:
			res.Error = waitErr.Error()
			return res
		}
	}
	res.ExitCode = api.IntPtr(code)
	if code != 0 {
		res.Error = joinNonEmpty(strings.TrimSpace(stderr), fmt.Sprintf("exit status %d", code))
		return res
	}

	res.Success = true
	x.Vars.ExtractOutputs(t.Outputs, stdout, stderr)
	if t.OutputFile != "" {
		x.persist(t, stdout, lg)
	}
	return res
}

func (x *Executor) runContainer(ctx context.Context, id string, t api.Task, lg zerolog.Logger) api.ExecutionResult {
	if x.Containers == nil {
		return api.ExecutionResult{Error: "no container runtime configured"}
	}
	out, err := x.Containers.Run(ctx, t)
	if out.Logs != "" {
		x.Registry.AppendOutput(id, out.Logs)
	}
	res := api.ExecutionResult{Output: out.Logs}
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && ctx.Err() != nil {
			code := ExitCanceled
			if errors.Is(cause, errTimedOut) {
				code = ExitTimeout
			}
			res.ExitCode = api.IntPtr(code)
		}
		res.Error = err.Error()
		return res
	}
	if out.Detached {
		res.Success = true
		res.Output = fmt.Sprintf("container %s started", out.Container.Name)
		return res
	}
	res.ExitCode = api.IntPtr(out.ExitCode)
	if out.ExitCode != 0 {
		res.Error = fmt.Sprintf("container exited with status %d", out.ExitCode)
		return res
	}
	res.Success = true
	x.Vars.ExtractOutputs(t.Outputs, out.Logs)
	if out.OutputPath != "" {
		lg.Debug().Str("path", out.OutputPath).Msg("output persisted")
	}
	return res
}

func (x *Executor) persist(t api.Task, text string, lg zerolog.Logger) {
	path, err := x.Results.Write(t.OutputFile, text)
	if err != nil {
		lg.Warn().Err(err).Str("path", path).Msg("output not persisted")
		return
	}
	lg.Debug().Str("path", path).Msg("output persisted")
}

// workingDir resolves the task's directory against the root and applies the
// ignore predicate before anything is spawned.
func (x *Executor) workingDir(t api.Task) (string, error) {
	dir := x.Root
	if t.WorkingDir != "" {
		if filepath.IsAbs(t.WorkingDir) {
			dir = t.WorkingDir
		} else {
			dir = filepath.Join(x.Root, t.WorkingDir)
		}
	}
	if x.Results.Ignore != nil {
		if rel, err := filepath.Rel(x.Root, dir); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
			if x.Results.Ignore(filepath.ToSlash(rel)) {
				return "", fmt.Errorf("working directory %q: %w", filepath.ToSlash(rel), ErrIgnoredPath)
			}
		}
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("working directory %q is not a directory", dir)
	}
	return dir, nil
}

// ResolveShell returns the program and leading arguments used to run a
// command string. An explicit shell may carry its own flags.
func ResolveShell(shell string) (string, []string) {
	if shell == "" {
		if runtime.GOOS == "windows" {
			return "cmd.exe", []string{"/C"}
		}
		return "/bin/sh", []string{"-c"}
	}
	if _, err := os.Stat(shell); err != nil {
		if f := strings.Fields(shell); len(f) > 1 {
			return f[0], f[1:]
		}
	}
	base := strings.ToLower(strings.TrimSuffix(filepath.Base(shell), filepath.Ext(shell)))
	switch base {
	case "cmd":
		return shell, []string{"/C"}
	case "powershell", "pwsh":
		return shell, []string{"-NoProfile", "-Command"}
	default:
		return shell, []string{"-c"}
	}
}

// MergeEnv overlays over on top of base ("K=V" entries). Keys are compared
// case-insensitively on Windows.
func MergeEnv(base []string, over map[string]string) []string {
	key := func(k string) string {
		if runtime.GOOS == "windows" {
			return strings.ToUpper(k)
		}
		return k
	}
	idx := make(map[string]int, len(base))
	out := make([]string, 0, len(base)+len(over))
	for _, kv := range base {
		k := kv
		if i := strings.IndexByte(kv, '='); i > 0 {
			k = kv[:i]
		}
		if j, ok := idx[key(k)]; ok {
			out[j] = kv
			continue
		}
		idx[key(k)] = len(out)
		out = append(out, kv)
	}
	keys := make([]string, 0, len(over))
	for k := range over {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv := k + "=" + over[k]
		if j, ok := idx[key(k)]; ok {
			out[j] = kv
			continue
		}
		idx[key(k)] = len(out)
		out = append(out, kv)
	}
	return out
}

// capture accumulates a task's output and the ports it mentions.
type capture struct {
	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
	ports  []int
	seen   map[int]struct{}
}

func (c *capture) add(s string, stderr bool) {
	ports := proctree.ScanPorts(s)
	c.mu.Lock()
	defer c.mu.Unlock()
	if stderr {
		c.stderr.WriteString(s)
	} else {
		c.stdout.WriteString(s)
	}
	for _, p := range ports {
		if _, ok := c.seen[p]; !ok {
			c.seen[p] = struct{}{}
			c.ports = append(c.ports, p)
		}
	}
}

func (c *capture) text() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdout.String(), c.stderr.String()
}

func (c *capture) portList() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.ports...)
}

type streamWriter struct {
	c      *capture
	stderr bool
	emit   func(string)
}

func (w streamWriter) Write(p []byte) (int, error) {
	s := string(p)
	w.c.add(s, w.stderr)
	w.emit(s)
	return len(p), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}
