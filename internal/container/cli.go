package container

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

// Runner executes a runtime binary and returns its combined output.
type Runner func(ctx context.Context, bin string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, bin string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, bin, args...).CombinedOutput()
}

// CLIRuntime drives a docker-compatible command line (docker, podman).
type CLIRuntime struct {
	Bin string
	Run Runner
}

// NewCLIRuntime creates a runtime for the given binary.
func NewCLIRuntime(bin string) *CLIRuntime {
	return &CLIRuntime{Bin: bin, Run: execRunner}
}

func (c *CLIRuntime) Name() string { return c.Bin }

func (c *CLIRuntime) run(ctx context.Context, args ...string) (string, error) {
	out, err := c.Run(ctx, c.Bin, args...)
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text != "" {
			return text, fmt.Errorf("%s %s: %w: %s", c.Bin, args[0], err, text)
		}
		return text, fmt.Errorf("%s %s: %w", c.Bin, args[0], err)
	}
	return text, nil
}

func (c *CLIRuntime) CreateStart(ctx context.Context, spec Spec) (Handle, error) {
	args := []string{"run", "-d", "--name", spec.Name}
	for _, p := range spec.Ports {
		args = append(args, "-p", p)
	}
	for _, v := range spec.Volumes {
		args = append(args, "-v", v)
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	if spec.WorkingDir != "" {
		args = append(args, "-w", spec.WorkingDir)
	}
	args = append(args, spec.Ref())
	if spec.Command != "" {
		args = append(args, "sh", "-c", spec.Command)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return Handle{}, err
	}
	lines := strings.Split(out, "\n")
	return Handle{ID: strings.TrimSpace(lines[len(lines)-1]), Name: spec.Name, Running: true}, nil
}

func (c *CLIRuntime) Find(ctx context.Context, name string) (Handle, bool, error) {
	out, err := c.run(ctx, "inspect", "--format", "{{.Id}} {{.State.Running}}", name)
	if err != nil {
		if strings.Contains(strings.ToLower(out), "no such") {
			return Handle{}, false, nil
		}
		return Handle{}, false, err
	}
	f := strings.Fields(out)
	if len(f) < 2 {
		return Handle{}, false, fmt.Errorf("unexpected inspect output %q", out)
	}
	return Handle{ID: f[0], Name: name, Running: f[1] == "true"}, true, nil
}

func (c *CLIRuntime) Wait(ctx context.Context, h Handle) (int, error) {
	out, err := c.run(ctx, "wait", h.ref())
	if err != nil {
		return -1, err
	}
	lines := strings.Split(out, "\n")
	code, err := strconv.Atoi(strings.TrimSpace(lines[len(lines)-1]))
	if err != nil {
		return -1, fmt.Errorf("parse exit code %q: %w", out, err)
	}
	return code, nil
}

func (c *CLIRuntime) Logs(ctx context.Context, h Handle) (string, error) {
	out, err := c.Run(ctx, c.Bin, "logs", h.ref())
	if err != nil {
		return string(out), fmt.Errorf("%s logs: %w", c.Bin, err)
	}
	return string(out), nil
}

func (c *CLIRuntime) Remove(ctx context.Context, name string) error {
	out, err := c.run(ctx, "rm", "-f", name)
	if err != nil && strings.Contains(strings.ToLower(out), "no such") {
		return nil
	}
	return err
}

func (h Handle) ref() string {
	if h.ID != "" {
		return h.ID
	}
	return h.Name
}

// ErrNotFound is returned when a started container cannot be located.
var ErrNotFound = errors.New("container not found")
