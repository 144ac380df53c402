package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/stagehand/internal/container"
	"github.com/3cpo-dev/stagehand/internal/proctree"
	"github.com/3cpo-dev/stagehand/internal/results"
	"github.com/3cpo-dev/stagehand/internal/telemetry"
	"github.com/3cpo-dev/stagehand/pkg/api"
)

const (
	DefaultTaskPause  = 500 * time.Millisecond
	DefaultStagePause = time.Second
)

// Provider resolves definitions by name.
type Provider interface {
	Command(name string) (api.Task, bool)
	Stage(name string) (api.Stage, bool)
	Sequence(name string) (api.Sequence, bool)
	Variables() map[string]string
}

// Options configures an Engine. Zero pauses disable pausing; use
// DefaultOptions for the usual values.
type Options struct {
	Root       string
	Shell      string
	ResultsDir string
	Ignore     results.IgnoreFunc

	// Concurrency limits parallel stages; zero means unlimited.
	Concurrency  int
	TaskPause    time.Duration
	StagePause   time.Duration
	PollInterval time.Duration
	Timeout      time.Duration

	// Variables override the provider's variables for every run.
	Variables map[string]string

	Containers container.Runtime
	Procs      *proctree.Controller
	Registry   *Registry
	Metrics    *telemetry.Collector
	Logger     zerolog.Logger
}

// DefaultOptions returns options with the standard pauses.
func DefaultOptions(root string) Options {
	return Options{
		Root:         root,
		ResultsDir:   results.DefaultDir,
		TaskPause:    DefaultTaskPause,
		StagePause:   DefaultStagePause,
		PollInterval: defaultPollInterval,
	}
}

// Engine runs commands, stages and sequences from a Provider.
type Engine struct {
	provider Provider
	opts     Options
}

func NewEngine(p Provider, opts Options) *Engine {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Procs == nil {
		opts.Procs = proctree.NewController(opts.Logger)
	}
	return &Engine{provider: p, opts: opts}
}

// Registry returns the job registry shared by every run of the engine.
func (e *Engine) Registry() *Registry { return e.opts.Registry }

// run holds the state of one top-level invocation.
type run struct {
	e      *Engine
	vars   *Variables
	ledger *Ledger
	exec   *Executor
	log    zerolog.Logger
}

func (e *Engine) newRun(known []string) *run {
	seed := e.provider.Variables()
	vars := NewVariables(seed)
	for k, v := range e.opts.Variables {
		vars.Set(k, v)
	}
	e.opts.Registry.Reset()

	x := &Executor{
		Root:         e.opts.Root,
		Shell:        e.opts.Shell,
		Results:      results.Writer{Root: e.opts.Root, Dir: e.opts.ResultsDir, Ignore: e.opts.Ignore},
		Vars:         vars,
		Registry:     e.opts.Registry,
		Procs:        e.opts.Procs,
		PollInterval: e.opts.PollInterval,
		Timeout:      e.opts.Timeout,
		Metrics:      e.opts.Metrics,
		Logger:       e.opts.Logger,
	}
	if e.opts.Containers != nil {
		x.Containers = &container.Adapter{Runtime: e.opts.Containers, Results: x.Results, Logger: e.opts.Logger}
	}
	return &run{e: e, vars: vars, ledger: NewLedger(known), exec: x, log: e.opts.Logger}
}

// RunCommand runs a single named command. The returned error is non-nil only
// for configuration errors, in which case nothing was started. The run starts
// with an empty ledger, so any depends_on entry fails the gate: a tolerant
// command is skipped, any other fails without starting.
func (e *Engine) RunCommand(ctx context.Context, name string) (api.ExecutionResult, error) {
	task, ok := e.provider.Command(name)
	if !ok {
		return failed(name, api.JobCommand, notFound("command", name))
	}
	if err := task.Validate(); err != nil {
		return failed(name, api.JobCommand, invalidf("command", name, "%v", err))
	}
	known := []string{task.Name}
	for _, dep := range task.DependsOn {
		if _, ok := e.provider.Command(dep); ok {
			known = append(known, dep)
		}
	}
	r := e.newRun(known)
	if err := CheckDependencies(task, r.ledger); err != nil {
		r.log.Warn().Str("task", task.Name).Err(err).Msg("dependency gate failed")
		if task.AllowFailure {
			return r.skip("", task, err), nil
		}
		return r.gateFailure("", task, err), nil
	}
	res := r.exec.Execute(ctx, task, "")
	r.record(task, res)
	return res, nil
}

// RunStage runs a single named stage.
func (e *Engine) RunStage(ctx context.Context, name string) (api.ExecutionResult, error) {
	st, tasks, err := e.resolveStage(name)
	if err != nil {
		return failed(name, api.JobStage, err)
	}
	r := e.newRun(taskNames(tasks))
	return r.runStage(ctx, st, tasks, ""), nil
}

// RunSequence runs a named sequence of stages.
func (e *Engine) RunSequence(ctx context.Context, name string) (api.ExecutionResult, error) {
	seq, ok := e.provider.Sequence(name)
	if !ok {
		return failed(name, api.JobSequence, notFound("sequence", name))
	}
	if len(seq.Stages) == 0 {
		return failed(name, api.JobSequence, invalidf("sequence", name, "has no stages"))
	}
	plan := make([]plannedStage, 0, len(seq.Stages))
	var known []string
	for _, sn := range seq.Stages {
		st, tasks, err := e.resolveStage(sn)
		if err != nil {
			return failed(name, api.JobSequence, err)
		}
		plan = append(plan, plannedStage{stage: st, tasks: tasks})
		known = append(known, taskNames(tasks)...)
	}
	r := e.newRun(known)
	return r.runSequence(ctx, seq, plan), nil
}

type plannedStage struct {
	stage api.Stage
	tasks []api.Task
}

// resolveStage looks up a stage and resolves its entries to tasks.
func (e *Engine) resolveStage(name string) (api.Stage, []api.Task, error) {
	st, ok := e.provider.Stage(name)
	if !ok {
		return api.Stage{}, nil, notFound("stage", name)
	}
	tasks := make([]api.Task, 0, len(st.Commands))
	for _, ref := range st.Commands {
		var t api.Task
		if ref.Inline != nil {
			t = *ref.Inline
		} else {
			if t, ok = e.provider.Command(ref.Ref); !ok {
				return api.Stage{}, nil, invalidf("stage", name, "unknown command %q", ref.Ref)
			}
		}
		if err := t.Validate(); err != nil {
			return api.Stage{}, nil, invalidf("stage", name, "%v", err)
		}
		tasks = append(tasks, t)
	}
	if len(tasks) == 0 {
		return api.Stage{}, nil, invalidf("stage", name, "has no commands")
	}
	return st, tasks, nil
}

// record adds a finished task to the ledger when later tasks may depend on
// it: on success and on tolerated failure.
func (r *run) record(t api.Task, res api.ExecutionResult) {
	if res.Skipped {
		return
	}
	if res.Success || res.Tolerated {
		r.ledger.Add(t.Name)
	}
}

func failed(name string, kind api.JobKind, err error) (api.ExecutionResult, error) {
	return api.ExecutionResult{Name: name, Kind: kind, Error: err.Error()}, err
}

func taskNames(tasks []api.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Name
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
