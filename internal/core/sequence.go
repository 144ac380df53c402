package core

import (
	"context"
	"fmt"

	"github.com/3cpo-dev/stagehand/pkg/api"
)

// runSequence runs stages strictly in order and stops at the first stage
// that does not succeed.
func (r *run) runSequence(ctx context.Context, seq api.Sequence, plan []plannedStage) api.ExecutionResult {
	reg := r.exec.Registry
	id := reg.StartSequence(seq.Name)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	reg.RegisterKillHandler(id, cancel)

	res := api.ExecutionResult{Name: seq.Name, Kind: api.JobSequence, JobID: id}
	for i, p := range plan {
		if i > 0 {
			if err := sleepCtx(ctx, r.e.opts.StagePause); err != nil {
				res.Error = "canceled"
				break
			}
		} else if ctx.Err() != nil {
			res.Error = "canceled"
			break
		}
		child := r.runStage(ctx, p.stage, p.tasks, id)
		res.Children = append(res.Children, child)
		if !child.Success {
			res.Error = fmt.Sprintf("stage %q failed: %s", p.stage.Name, firstLine(child.Error))
			break
		}
	}
	res.Output = fmt.Sprintf("%d/%d stages completed", countSucceeded(res.Children), len(plan))

	if res.Error == "" {
		res.Success = true
		reg.CompleteSuccess(id)
	} else {
		reg.CompleteFailure(id, res.Error, false)
	}
	return res
}

func countSucceeded(children []api.ExecutionResult) int {
	n := 0
	for _, c := range children {
		if c.Success {
			n++
		}
	}
	return n
}
