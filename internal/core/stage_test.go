package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/stagehand/pkg/api"
)

// mapProvider serves definitions from maps.
type mapProvider struct {
	commands  map[string]api.Task
	stages    map[string]api.Stage
	sequences map[string]api.Sequence
	vars      map[string]string
}

func (p *mapProvider) Command(name string) (api.Task, bool) {
	t, ok := p.commands[name]
	return t, ok
}

func (p *mapProvider) Stage(name string) (api.Stage, bool) {
	s, ok := p.stages[name]
	return s, ok
}

func (p *mapProvider) Sequence(name string) (api.Sequence, bool) {
	s, ok := p.sequences[name]
	return s, ok
}

func (p *mapProvider) Variables() map[string]string { return p.vars }

func newProvider(tasks ...api.Task) *mapProvider {
	p := &mapProvider{
		commands:  map[string]api.Task{},
		stages:    map[string]api.Stage{},
		sequences: map[string]api.Sequence{},
	}
	for _, t := range tasks {
		p.commands[t.Name] = t
	}
	return p
}

func (p *mapProvider) stage(name string, parallel bool, refs ...string) *mapProvider {
	st := api.Stage{Name: name, Parallel: parallel}
	for _, r := range refs {
		st.Commands = append(st.Commands, api.TaskRef{Ref: r})
	}
	p.stages[name] = st
	return p
}

func newTestEngine(t *testing.T, p Provider) *Engine {
	t.Helper()
	return NewEngine(p, Options{
		Root:         t.TempDir(),
		PollInterval: 20 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
}

// outline reduces results to name/state pairs for comparison.
func outline(children []api.ExecutionResult) []string {
	out := make([]string, len(children))
	for i, c := range children {
		state := "ok"
		switch {
		case c.Skipped:
			state = "skipped"
		case !c.Success && c.Tolerated:
			state = "tolerated"
		case !c.Success:
			state = "failed"
		}
		out[i] = c.Name + ":" + state
	}
	return out
}

func TestSequentialStagePropagatesVariables(t *testing.T) {
	skipWithoutShell(t)
	p := newProvider(
		api.Task{Name: "a", Command: `echo "::set-output name=V::from-a"`, Outputs: []string{"V"}},
		api.Task{Name: "b", Command: `echo "got $V"`, DependsOn: []string{"a"}},
	).stage("ci", false, "a", "b")
	e := newTestEngine(t, p)

	res, err := e.RunStage(context.Background(), "ci")
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if !res.Success {
		t.Fatalf("stage failed: %+v", res)
	}
	if diff := cmp.Diff([]string{"a:ok", "b:ok"}, outline(res.Children)); diff != "" {
		t.Errorf("children mismatch (-want +got):\n%s", diff)
	}
	if got := strings.TrimSpace(res.Children[1].Output); got != "got from-a" {
		t.Errorf("b output = %q", got)
	}
}

func TestSequentialStageStopsOnFailure(t *testing.T) {
	skipWithoutShell(t)
	p := newProvider(
		api.Task{Name: "a", Command: "exit 1"},
		api.Task{Name: "b", Command: "echo never"},
	).stage("ci", false, "a", "b")
	e := newTestEngine(t, p)

	res, _ := e.RunStage(context.Background(), "ci")
	if res.Success {
		t.Fatalf("expected failure")
	}
	if diff := cmp.Diff([]string{"a:failed"}, outline(res.Children)); diff != "" {
		t.Errorf("children mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(res.Output, "1 not started") {
		t.Errorf("summary %q", res.Output)
	}
}

func TestSequentialStageToleratesAllowedFailure(t *testing.T) {
	skipWithoutShell(t)
	p := newProvider(
		api.Task{Name: "a", Command: "exit 1", AllowFailure: true},
		api.Task{Name: "b", Command: "echo after", DependsOn: []string{"a"}},
	).stage("ci", false, "a", "b")
	e := newTestEngine(t, p)

	res, _ := e.RunStage(context.Background(), "ci")
	if !res.Success || res.Tolerated {
		t.Fatalf("unexpected stage result %+v", res)
	}
	if diff := cmp.Diff([]string{"a:tolerated", "b:ok"}, outline(res.Children)); diff != "" {
		t.Errorf("children mismatch (-want +got):\n%s", diff)
	}
}

func TestSequentialStageDependencyGate(t *testing.T) {
	skipWithoutShell(t)
	p := newProvider(
		api.Task{Name: "optional", Command: "echo x", DependsOn: []string{"missing"}, AllowFailure: true},
		api.Task{Name: "next", Command: "echo y"},
		api.Task{Name: "strict", Command: "echo z", DependsOn: []string{"later"}},
		api.Task{Name: "later", Command: "echo w"},
	).stage("ci", false, "optional", "next", "strict", "later")
	e := newTestEngine(t, p)

	res, _ := e.RunStage(context.Background(), "ci")
	if res.Success {
		t.Fatalf("expected the strict dependency to abort the stage")
	}
	if diff := cmp.Diff([]string{"optional:skipped", "next:ok", "strict:failed"}, outline(res.Children)); diff != "" {
		t.Errorf("children mismatch (-want +got):\n%s", diff)
	}
	var dep *DependencyError
	if !strings.Contains(res.Error, "has not been executed") {
		t.Errorf("unexpected stage error %q", res.Error)
	}
	if err := CheckDependencies(p.commands["strict"], NewLedger([]string{"later"})); !errors.As(err, &dep) || dep.Unknown {
		t.Errorf("expected known missing dependency, got %v", err)
	}
	rec, _ := e.Registry().Get(res.Children[0].JobID)
	if rec.Status != api.JobSkipped {
		t.Errorf("skipped task recorded as %s", rec.Status)
	}
}

func TestStandaloneCommandDependencyGate(t *testing.T) {
	skipWithoutShell(t)
	p := newProvider(
		api.Task{Name: "build", Command: "echo built"},
		api.Task{Name: "deploy", Command: "echo deployed", DependsOn: []string{"build", "nonexistent"}},
		api.Task{Name: "notify", Command: "echo notified", DependsOn: []string{"nonexistent"}, AllowFailure: true},
	)
	e := newTestEngine(t, p)
	ctx := context.Background()

	res, err := e.RunCommand(ctx, "deploy")
	if err != nil {
		t.Fatalf("a dependency failure is not a configuration error: %v", err)
	}
	var dep *DependencyError
	if res.Success || res.Output != "" || res.ExitCode != nil {
		t.Errorf("deploy should fail without starting, got %+v", res)
	}
	if !strings.Contains(res.Error, `"build", which has not been executed`) {
		t.Errorf("unexpected error %q", res.Error)
	}
	rec, _ := e.Registry().Get(res.JobID)
	if rec.Status != api.JobFailed {
		t.Errorf("deploy recorded as %s", rec.Status)
	}

	res, err = e.RunCommand(ctx, "notify")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if !res.Skipped || !res.Tolerated || res.Output != "" {
		t.Errorf("notify should be skipped, got %+v", res)
	}
	if !strings.Contains(res.Error, `unknown task "nonexistent"`) {
		t.Errorf("unexpected error %q", res.Error)
	}
	if err := CheckDependencies(p.commands["notify"], NewLedger(nil)); !errors.As(err, &dep) || !dep.Unknown {
		t.Errorf("expected unknown dependency, got %v", err)
	}
}

func TestParallelStageRunsConcurrently(t *testing.T) {
	skipWithoutShell(t)
	p := newProvider()
	var names []string
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("t%d", i)
		p.commands[name] = api.Task{Name: name, Command: "sleep 0.5; echo " + name}
		names = append(names, name)
	}
	p.stage("fan", true, names...)
	e := newTestEngine(t, p)

	start := time.Now()
	res, _ := e.RunStage(context.Background(), "fan")
	elapsed := time.Since(start)
	if !res.Success {
		t.Fatalf("stage failed: %+v", res)
	}
	if elapsed > 1800*time.Millisecond {
		t.Errorf("parallel stage took %s", elapsed)
	}
	if diff := cmp.Diff([]string{"t0:ok", "t1:ok", "t2:ok", "t3:ok"}, outline(res.Children)); diff != "" {
		t.Errorf("children mismatch (-want +got):\n%s", diff)
	}
}

func TestParallelStageFailurePolicy(t *testing.T) {
	skipWithoutShell(t)
	p := newProvider(
		api.Task{Name: "ok", Command: "true"},
		api.Task{Name: "bad", Command: "exit 2"},
		api.Task{Name: "soft", Command: "exit 3", AllowFailure: true},
	).stage("fan", true, "ok", "bad", "soft")
	e := newTestEngine(t, p)

	res, _ := e.RunStage(context.Background(), "fan")
	if res.Success {
		t.Fatalf("expected failure")
	}
	if diff := cmp.Diff([]string{"ok:ok", "bad:failed", "soft:tolerated"}, outline(res.Children)); diff != "" {
		t.Errorf("children mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(res.Error, `task "bad" failed with exit code 2`) || strings.Contains(res.Error, "soft") {
		t.Errorf("unexpected error %q", res.Error)
	}

	st := p.stages["fan"]
	st.AllowFailure = true
	p.stages["fan"] = st
	res, _ = e.RunStage(context.Background(), "fan")
	if !res.Success || !res.Tolerated || res.Error == "" {
		t.Errorf("allow_failure stage should succeed as tolerated with the error kept: %+v", res)
	}
}

func TestSequenceStopsAtFailedStage(t *testing.T) {
	skipWithoutShell(t)
	p := newProvider(
		api.Task{Name: "gen", Command: `echo "::set-output name=TAG::v1"`, Outputs: []string{"TAG"}},
		api.Task{Name: "use", Command: `test "$TAG" = v1 && exit 4`},
		api.Task{Name: "never", Command: "true"},
	).stage("one", false, "gen").stage("two", false, "use").stage("three", false, "never")
	p.sequences["release"] = api.Sequence{Name: "release", Stages: []string{"one", "two", "three"}}
	e := newTestEngine(t, p)

	res, err := e.RunSequence(context.Background(), "release")
	if err != nil {
		t.Fatalf("RunSequence: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure")
	}
	if diff := cmp.Diff([]string{"one:ok", "two:failed"}, outline(res.Children)); diff != "" {
		t.Errorf("children mismatch (-want +got):\n%s", diff)
	}
	if code := res.Children[1].Children[0].ExitCode; code == nil || *code != 4 {
		t.Errorf("variable did not propagate across stages, exit code %v", code)
	}
	rec, _ := e.Registry().Get(res.JobID)
	if len(rec.Children) != 2 || rec.Status != api.JobFailed {
		t.Errorf("unexpected sequence record %+v", rec)
	}
}

func TestConfigurationErrorsStartNothing(t *testing.T) {
	p := newProvider(api.Task{Name: "a", Command: "true"}).stage("bad", false, "a", "ghost")
	p.stages["empty"] = api.Stage{Name: "empty"}
	p.sequences["s"] = api.Sequence{Name: "s", Stages: []string{"bad"}}
	e := newTestEngine(t, p)
	ctx := context.Background()

	checks := []struct {
		name string
		run  func() (api.ExecutionResult, error)
	}{
		{"unknown stage", func() (api.ExecutionResult, error) { return e.RunStage(ctx, "nope") }},
		{"unknown command ref", func() (api.ExecutionResult, error) { return e.RunStage(ctx, "bad") }},
		{"empty stage", func() (api.ExecutionResult, error) { return e.RunStage(ctx, "empty") }},
		{"unknown sequence", func() (api.ExecutionResult, error) { return e.RunSequence(ctx, "nope") }},
		{"sequence with bad stage", func() (api.ExecutionResult, error) { return e.RunSequence(ctx, "s") }},
		{"unknown command", func() (api.ExecutionResult, error) { return e.RunCommand(ctx, "nope") }},
	}
	for _, c := range checks {
		res, err := c.run()
		if !errors.Is(err, ErrConfig) {
			t.Errorf("%s: expected configuration error, got %v", c.name, err)
		}
		if res.Success || res.Error == "" {
			t.Errorf("%s: unexpected result %+v", c.name, res)
		}
	}
	if n := len(e.Registry().Snapshot()); n != 0 {
		t.Errorf("configuration errors started %d jobs", n)
	}
}

func TestInlineStageCommand(t *testing.T) {
	skipWithoutShell(t)
	p := newProvider()
	p.vars = map[string]string{"WHO": "world"}
	p.stages["inline"] = api.Stage{Name: "inline", Commands: []api.TaskRef{
		{Inline: &api.Task{Name: "hello", Command: "echo hello $WHO"}},
	}}
	e := newTestEngine(t, p)

	res, err := e.RunStage(context.Background(), "inline")
	if err != nil || !res.Success {
		t.Fatalf("RunStage: %v %+v", err, res)
	}
	if got := strings.TrimSpace(res.Children[0].Output); got != "hello world" {
		t.Errorf("output %q", got)
	}
}
