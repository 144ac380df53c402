package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/stagehand/internal/results"
	"github.com/3cpo-dev/stagehand/pkg/api"
)

const (
	// OutputMount is where the results directory is mounted in the container.
	OutputMount = "/stagehand/output"
	// EnvOutputDir and EnvOutputFile tell the workload where to leave a
	// result file.
	EnvOutputDir  = "STAGEHAND_OUTPUT_DIR"
	EnvOutputFile = "STAGEHAND_OUTPUT_FILE"

	cleanupTimeout = 30 * time.Second
)

// Outcome is what one container run produced.
type Outcome struct {
	Container  Handle
	ExitCode   int
	Logs       string
	OutputPath string
	// Detached is set for containers without a command, which are left
	// running as services.
	Detached bool
}

// Adapter maps container tasks onto a Runtime.
type Adapter struct {
	Runtime Runtime
	Results results.Writer
	Logger  zerolog.Logger
}

// Run creates and starts the task's container and, when the task has a
// command, waits for it and collects its logs and result file. The task is
// expected to be substituted already.
func (a *Adapter) Run(ctx context.Context, task api.Task) (Outcome, error) {
	if a.Runtime == nil {
		return Outcome{}, errors.New("no container runtime configured")
	}
	spec, err := a.BuildSpec(task)
	if err != nil {
		return Outcome{}, err
	}
	lg := a.Logger.With().Str("task", task.Name).Str("container", spec.Name).Str("image", spec.Ref()).Logger()
	started := time.Now()

	if _, err := a.Runtime.CreateStart(ctx, spec); err != nil {
		a.cleanup(ctx, task, spec.Name, lg)
		return Outcome{}, fmt.Errorf("start container: %w", err)
	}
	h, ok, err := a.Runtime.Find(ctx, spec.Name)
	if err != nil || !ok {
		a.cleanup(ctx, task, spec.Name, lg)
		if err == nil {
			err = ErrNotFound
		}
		return Outcome{}, fmt.Errorf("locate container %s: %w", spec.Name, err)
	}
	lg.Debug().Str("id", h.ID).Msg("container started")

	if task.Command == "" {
		return Outcome{Container: h, Detached: true}, nil
	}

	code, err := a.Runtime.Wait(ctx, h)
	if err != nil {
		a.cleanup(ctx, task, spec.Name, lg)
		if ctx.Err() != nil {
			return Outcome{Container: h}, ctx.Err()
		}
		return Outcome{Container: h}, fmt.Errorf("wait container: %w", err)
	}
	logs, err := a.Runtime.Logs(ctx, h)
	if err != nil {
		lg.Warn().Err(err).Msg("container logs unavailable")
	}
	out := Outcome{Container: h, ExitCode: code, Logs: StripANSI(logs)}

	if task.OutputFile != "" && code == 0 {
		out.OutputPath = a.persist(task, out.Logs, started, lg)
	}
	if task.RemoveOnStop {
		a.cleanup(ctx, task, spec.Name, lg)
	}
	return out, nil
}

// BuildSpec derives the container spec for a task.
func (a *Adapter) BuildSpec(task api.Task) (Spec, error) {
	hostDir := a.Results.HostDir()
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return Spec{}, fmt.Errorf("create output volume: %w", err)
	}
	env := make(map[string]string, len(task.Env)+2)
	for k, v := range task.Env {
		env[k] = v
	}
	env[EnvOutputDir] = OutputMount
	env[EnvOutputFile] = OutputFileName(task)

	volumes := append([]string(nil), task.Volumes...)
	volumes = append(volumes, hostDir+":"+OutputMount+":rw")
	return Spec{
		Name:       ContainerName(task.Name),
		Image:      task.Image,
		Tag:        task.ImageTag,
		Command:    task.Command,
		Ports:      append([]string(nil), task.Ports...),
		Volumes:    volumes,
		Env:        env,
		WorkingDir: task.WorkingDir,
	}, nil
}

// persist keeps a result file the container wrote into the output volume
// and falls back to the logs otherwise.
func (a *Adapter) persist(task api.Task, logs string, since time.Time, lg zerolog.Logger) string {
	content := logs
	p := a.Results.Path(OutputFileName(task))
	if fi, err := os.Stat(p); err == nil && !fi.IsDir() && !fi.ModTime().Before(since.Add(-time.Second)) {
		if data, err := os.ReadFile(p); err == nil {
			content = string(data)
		}
	}
	written, err := a.Results.Write(task.OutputFile, content)
	if err != nil {
		lg.Warn().Err(err).Str("path", written).Msg("output not persisted")
		return ""
	}
	return written
}

func (a *Adapter) cleanup(ctx context.Context, task api.Task, name string, lg zerolog.Logger) {
	if !task.RemoveOnStop {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := a.Runtime.Remove(cctx, name); err != nil {
		lg.Warn().Err(err).Msg("container removal failed")
	}
}

// OutputFileName is the result file name advertised to the container.
func OutputFileName(task api.Task) string {
	if task.OutputFile != "" {
		return path.Base(strings.ReplaceAll(task.OutputFile, "\\", "/"))
	}
	return task.Name + ".out"
}

var nameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// ContainerName returns a unique, runtime-safe container name for a task.
func ContainerName(task string) string {
	base := strings.Trim(nameUnsafe.ReplaceAllString(strings.ToLower(task), "-"), "-.")
	if base == "" {
		base = "task"
	}
	return "stagehand-" + base + "-" + uuid.NewString()[:8]
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-Z\\-_]|[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]|\r`)

// StripANSI removes terminal escape sequences and control characters other
// than newlines and tabs.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
