package core

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/stagehand/internal/telemetry"
	"github.com/3cpo-dev/stagehand/pkg/api"
)

func (r *run) runStage(ctx context.Context, st api.Stage, tasks []api.Task, parentID string) api.ExecutionResult {
	reg := r.exec.Registry
	id := reg.StartStage(st.Name, parentID)
	timer := telemetry.NewTimerScope(r.exec.metrics(), "stagehand_stage_duration", map[string]string{"stage": st.Name})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	reg.RegisterKillHandler(id, cancel)

	var children []api.ExecutionResult
	var failure string
	if st.Parallel {
		children, failure = r.runParallel(ctx, id, st, tasks)
	} else {
		children, failure = r.runSequential(ctx, id, tasks)
	}

	res := api.ExecutionResult{
		Name:     st.Name,
		Kind:     api.JobStage,
		JobID:    id,
		Output:   summarize(children, len(tasks)),
		Children: children,
	}
	status := "success"
	switch {
	case failure == "":
		res.Success = true
		reg.CompleteSuccess(id)
	case st.AllowFailure:
		res.Success, res.Tolerated, res.Error = true, true, failure
		reg.CompleteFailure(id, failure, true)
		status = "tolerated"
	default:
		res.Error = failure
		reg.CompleteFailure(id, failure, false)
		status = "failed"
	}
	timer.End(map[string]string{"status": status})
	return res
}

// runSequential runs tasks in declaration order and stops at the first
// failure that is not tolerated. It returns the child results and the
// failure message, empty on success.
func (r *run) runSequential(ctx context.Context, stageID string, tasks []api.Task) ([]api.ExecutionResult, string) {
	children := make([]api.ExecutionResult, 0, len(tasks))
	for i, t := range tasks {
		if i > 0 {
			if err := sleepCtx(ctx, r.e.opts.TaskPause); err != nil {
				return children, "canceled"
			}
		} else if ctx.Err() != nil {
			return children, "canceled"
		}

		if err := CheckDependencies(t, r.ledger); err != nil {
			if t.AllowFailure {
				children = append(children, r.skip(stageID, t, err))
				continue
			}
			children = append(children, r.gateFailure(stageID, t, err))
			return children, err.Error()
		}

		res := r.exec.Execute(ctx, t, stageID)
		r.record(t, res)
		children = append(children, res)
		if !res.Success && !res.Tolerated {
			return children, taskFailure(res)
		}
	}
	return children, ""
}

// runParallel launches every task at once, bounded by the configured
// concurrency, and waits for all of them. Dependencies are checked at launch
// time, so a task depending on a sibling in the same stage only passes when
// the sibling happened to finish first.
func (r *run) runParallel(ctx context.Context, stageID string, st api.Stage, tasks []api.Task) ([]api.ExecutionResult, string) {
	siblings := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		siblings[t.Name] = struct{}{}
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := siblings[dep]; ok {
				r.log.Warn().Str("stage", st.Name).Str("task", t.Name).Str("depends_on", dep).
					Msg("parallel task depends on a sibling; the outcome depends on timing")
			}
		}
	}

	var g errgroup.Group
	if r.e.opts.Concurrency > 0 {
		g.SetLimit(r.e.opts.Concurrency)
	}
	children := make([]api.ExecutionResult, len(tasks))
	for i, t := range tasks {
		g.Go(func() error {
			if err := CheckDependencies(t, r.ledger); err != nil {
				if t.AllowFailure {
					children[i] = r.skip(stageID, t, err)
				} else {
					children[i] = r.gateFailure(stageID, t, err)
				}
				return nil
			}
			res := r.exec.Execute(ctx, t, stageID)
			r.record(t, res)
			children[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var failures []string
	for _, c := range children {
		if !c.Success && !c.Tolerated {
			failures = append(failures, taskFailure(c))
		}
	}
	return children, strings.Join(failures, "\n")
}

// skip records a tolerant task whose dependencies are not satisfied.
func (r *run) skip(stageID string, t api.Task, cause error) api.ExecutionResult {
	id := r.exec.Registry.StartCommand(t.Name, stageID)
	r.exec.Registry.Skip(id, cause.Error())
	return api.ExecutionResult{
		Name:      t.Name,
		Kind:      api.JobCommand,
		JobID:     id,
		Error:     cause.Error(),
		Tolerated: true,
		Skipped:   true,
	}
}

func (r *run) gateFailure(stageID string, t api.Task, cause error) api.ExecutionResult {
	id := r.exec.Registry.StartCommand(t.Name, stageID)
	r.exec.Registry.CompleteFailure(id, cause.Error(), false)
	return api.ExecutionResult{Name: t.Name, Kind: api.JobCommand, JobID: id, Error: cause.Error()}
}

func taskFailure(res api.ExecutionResult) string {
	msg := fmt.Sprintf("task %q failed", res.Name)
	if res.ExitCode != nil {
		msg += fmt.Sprintf(" with exit code %d", *res.ExitCode)
	}
	if res.Error != "" {
		msg += ": " + firstLine(res.Error)
	}
	return msg
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func summarize(children []api.ExecutionResult, total int) string {
	var ok, failed, tolerated, skipped int
	for _, c := range children {
		switch {
		case c.Skipped:
			skipped++
		case c.Success:
			ok++
		case c.Tolerated:
			tolerated++
		default:
			failed++
		}
	}
	s := fmt.Sprintf("%d/%d succeeded", ok, total)
	if failed > 0 {
		s += fmt.Sprintf(", %d failed", failed)
	}
	if tolerated > 0 {
		s += fmt.Sprintf(", %d failed (allowed)", tolerated)
	}
	if skipped > 0 {
		s += fmt.Sprintf(", %d skipped", skipped)
	}
	if n := total - len(children); n > 0 {
		s += fmt.Sprintf(", %d not started", n)
	}
	return s
}
