package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/stagehand/pkg/api"
)

// StatusSink receives job lifecycle events. OutputAppended and ErrorAppended
// run on a task's output path and must not block.
type StatusSink interface {
	JobStarted(rec api.JobRecord)
	OutputAppended(id, text string)
	ErrorAppended(id, text string)
	ProcessesTracked(id string, pids, ports []int)
	JobCompleted(rec api.JobRecord)
}

// Registry is the run-scoped table of job records. Every start operation
// returns the id of the new record and callers pass that id down to their
// children. Records are only cleared by Reset.
type Registry struct {
	mu    sync.RWMutex
	jobs  map[string]*api.JobRecord
	order []string
	kill  map[string]func()
	sinks []StatusSink
}

// NewRegistry creates an empty registry forwarding to sinks.
func NewRegistry(sinks ...StatusSink) *Registry {
	r := &Registry{}
	r.Reset()
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// Reset drops every record. It is called between top-level runs.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.jobs = map[string]*api.JobRecord{}
	r.order = nil
	r.kill = map[string]func(){}
	r.mu.Unlock()
}

// Start creates a running record and returns its id.
func (r *Registry) Start(kind api.JobKind, name, parentID string) string {
	id := uuid.NewString()
	rec := &api.JobRecord{
		ID:        id,
		ParentID:  parentID,
		Kind:      kind,
		Name:      name,
		Status:    api.JobRunning,
		StartedAt: time.Now(),
	}
	r.mu.Lock()
	r.jobs[id] = rec
	r.order = append(r.order, id)
	if p, ok := r.jobs[parentID]; ok {
		p.Children = append(p.Children, id)
	}
	snap := copyRecord(rec)
	sinks := r.sinks
	r.mu.Unlock()

	for _, s := range sinks {
		s.JobStarted(snap)
	}
	return id
}

// StartCommand, StartStage and StartSequence are typed shorthands for Start.
func (r *Registry) StartCommand(name, parentID string) string {
	return r.Start(api.JobCommand, name, parentID)
}

func (r *Registry) StartStage(name, parentID string) string {
	return r.Start(api.JobStage, name, parentID)
}

func (r *Registry) StartSequence(name string) string {
	return r.Start(api.JobSequence, name, "")
}

// AppendOutput adds stdout text to a record.
func (r *Registry) AppendOutput(id, text string) {
	if r.update(id, func(rec *api.JobRecord) { rec.Output += text }) {
		for _, s := range r.sinkList() {
			s.OutputAppended(id, text)
		}
	}
}

// AppendError adds stderr text to a record.
func (r *Registry) AppendError(id, text string) {
	if r.update(id, func(rec *api.JobRecord) { rec.Error += text }) {
		for _, s := range r.sinkList() {
			s.ErrorAppended(id, text)
		}
	}
}

// TrackProcesses replaces the pid and port sets shown for a record.
func (r *Registry) TrackProcesses(id string, pids, ports []int) {
	if r.update(id, func(rec *api.JobRecord) {
		rec.PIDs = append([]int(nil), pids...)
		rec.Ports = append([]int(nil), ports...)
	}) {
		for _, s := range r.sinkList() {
			s.ProcessesTracked(id, pids, ports)
		}
	}
}

// CompleteSuccess marks a record successful.
func (r *Registry) CompleteSuccess(id string) {
	r.complete(id, func(rec *api.JobRecord) { rec.Status = api.JobSuccess })
}

// CompleteFailure marks a record failed. tolerated records a failure that
// allow_failure keeps from stopping the enclosing scheduler.
func (r *Registry) CompleteFailure(id string, err string, tolerated bool) {
	r.complete(id, func(rec *api.JobRecord) {
		rec.Status = api.JobFailed
		rec.Tolerated = tolerated
		if err != "" && !strings.Contains(rec.Error, err) {
			if rec.Error != "" && !strings.HasSuffix(rec.Error, "\n") {
				rec.Error += "\n"
			}
			rec.Error += err
		}
	})
}

// Skip marks a record skipped with a reason.
func (r *Registry) Skip(id string, reason string) {
	r.complete(id, func(rec *api.JobRecord) {
		rec.Status = api.JobSkipped
		rec.Error = reason
	})
}

func (r *Registry) complete(id string, fn func(rec *api.JobRecord)) {
	var snap api.JobRecord
	ok := r.update(id, func(rec *api.JobRecord) {
		fn(rec)
		rec.EndedAt = time.Now()
		rec.Killable = false
		snap = copyRecord(rec)
	})
	r.mu.Lock()
	delete(r.kill, id)
	r.mu.Unlock()
	if ok {
		for _, s := range r.sinkList() {
			s.JobCompleted(snap)
		}
	}
}

// RegisterKillHandler attaches the function that cancels a running job.
func (r *Registry) RegisterKillHandler(id string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok || rec.Status != api.JobRunning {
		return
	}
	r.kill[id] = fn
	rec.Killable = true
}

// Kill invokes the kill handler of a running job.
func (r *Registry) Kill(id string) error {
	r.mu.RLock()
	fn, ok := r.kill[id]
	_, exists := r.jobs[id]
	r.mu.RUnlock()
	if !exists {
		return fmt.Errorf("job %s not found", id)
	}
	if !ok {
		return fmt.Errorf("job %s is not running", id)
	}
	fn()
	return nil
}

// Get returns a copy of a record.
func (r *Registry) Get(id string) (api.JobRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[id]
	if !ok {
		return api.JobRecord{}, false
	}
	return copyRecord(rec), true
}

// Snapshot returns copies of every record in start order.
func (r *Registry) Snapshot() []api.JobRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]api.JobRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, copyRecord(r.jobs[id]))
	}
	return out
}

// Running returns the ids of running jobs, sorted by start time.
func (r *Registry) Running() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for _, id := range r.order {
		if r.jobs[id].Status == api.JobRunning {
			ids = append(ids, id)
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		return r.jobs[ids[i]].StartedAt.Before(r.jobs[ids[j]].StartedAt)
	})
	return ids
}

func (r *Registry) update(id string, fn func(rec *api.JobRecord)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

func (r *Registry) sinkList() []StatusSink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sinks
}

func copyRecord(rec *api.JobRecord) api.JobRecord {
	c := *rec
	c.PIDs = append([]int(nil), rec.PIDs...)
	c.Ports = append([]int(nil), rec.Ports...)
	c.Children = append([]string(nil), rec.Children...)
	return c
}

// LogSink writes job lifecycle events through zerolog.
type LogSink struct {
	Logger zerolog.Logger
	// Echo forwards task output at info level when set; otherwise output is
	// logged at debug.
	Echo bool
}

func (s LogSink) JobStarted(rec api.JobRecord) {
	s.Logger.Info().Str("job", rec.ID).Str("kind", string(rec.Kind)).Str("name", rec.Name).Msg("started")
}

func (s LogSink) OutputAppended(id, text string) {
	ev := s.Logger.Debug()
	if s.Echo {
		ev = s.Logger.Info()
	}
	ev.Str("job", id).Msg(strings.TrimRight(text, "\n"))
}

func (s LogSink) ErrorAppended(id, text string) {
	ev := s.Logger.Debug()
	if s.Echo {
		ev = s.Logger.Warn()
	}
	ev.Str("job", id).Str("stream", "stderr").Msg(strings.TrimRight(text, "\n"))
}

func (s LogSink) ProcessesTracked(id string, pids, ports []int) {
	s.Logger.Debug().Str("job", id).Ints("pids", pids).Ints("ports", ports).Msg("processes tracked")
}

func (s LogSink) JobCompleted(rec api.JobRecord) {
	var ev *zerolog.Event
	switch {
	case rec.Status == api.JobSuccess:
		ev = s.Logger.Info()
	case rec.Status == api.JobSkipped, rec.Tolerated:
		ev = s.Logger.Warn()
	default:
		ev = s.Logger.Error()
	}
	ev.Str("job", rec.ID).
		Str("kind", string(rec.Kind)).
		Str("name", rec.Name).
		Str("status", string(rec.Status)).
		Bool("tolerated", rec.Tolerated).
		Dur("duration", rec.EndedAt.Sub(rec.StartedAt)).
		Msg("completed")
}
