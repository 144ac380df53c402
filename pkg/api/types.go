package api

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// v0 contains the public definition and result types shared by the engine,
// the configuration loader and status consumers.

// TaskKind distinguishes host processes from container runs.
type TaskKind string

const (
	ProcessTask   TaskKind = "process"
	ContainerTask TaskKind = "container"
)

type Task struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	// Command is the shell invocation for process tasks and the optional
	// command override for container tasks.
	Command        string            `json:"command,omitempty" yaml:"command"`
	Image          string            `json:"image,omitempty" yaml:"image"`
	ImageTag       string            `json:"image_tag,omitempty" yaml:"image_tag"`
	WorkingDir     string            `json:"working_dir,omitempty" yaml:"working_dir"`
	Env            map[string]string `json:"env,omitempty" yaml:"env"`
	Shell          string            `json:"shell,omitempty" yaml:"shell"`
	AllowFailure   bool              `json:"allow_failure,omitempty" yaml:"allow_failure"`
	DependsOn      []string          `json:"depends_on,omitempty" yaml:"depends_on"`
	Outputs        []string          `json:"outputs,omitempty" yaml:"outputs"`
	OutputFile     string            `json:"output_file,omitempty" yaml:"output_file"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`

	// Container-only settings.
	Ports        []string `json:"ports,omitempty" yaml:"ports"`
	Volumes      []string `json:"volumes,omitempty" yaml:"volumes"`
	RemoveOnStop bool     `json:"remove_on_stop,omitempty" yaml:"remove_on_stop"`
}

// Kind reports whether the task runs as a host process or a container.
func (t Task) Kind() TaskKind {
	if t.Image != "" {
		return ContainerTask
	}
	return ProcessTask
}

// Validate checks the invariants of a single task definition.
func (t Task) Validate() error {
	if t.Name == "" {
		return errors.New("task name is required")
	}
	if t.Image == "" && t.Command == "" {
		return fmt.Errorf("task %q: either command or image is required", t.Name)
	}
	if t.Image == "" && (len(t.Ports) > 0 || len(t.Volumes) > 0 || t.ImageTag != "") {
		return fmt.Errorf("task %q: ports, volumes and image_tag need an image", t.Name)
	}
	return nil
}

// TaskRef is a stage entry: either a reference to a named task or an inline
// task definition.
type TaskRef struct {
	Ref    string `json:"ref,omitempty"`
	Inline *Task  `json:"inline,omitempty"`
}

// UnmarshalYAML accepts either a scalar (reference) or a mapping (inline task).
func (r *TaskRef) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&r.Ref)
	case yaml.MappingNode:
		var t Task
		if err := node.Decode(&t); err != nil {
			return err
		}
		r.Inline = &t
		return nil
	default:
		return fmt.Errorf("line %d: stage command must be a name or a mapping", node.Line)
	}
}

func (r TaskRef) String() string {
	if r.Inline != nil {
		return r.Inline.Name
	}
	return r.Ref
}

type Stage struct {
	Name         string    `json:"name" yaml:"name"`
	Description  string    `json:"description,omitempty" yaml:"description"`
	Commands     []TaskRef `json:"commands" yaml:"commands"`
	Parallel     bool      `json:"parallel,omitempty" yaml:"parallel"`
	AllowFailure bool      `json:"allow_failure,omitempty" yaml:"allow_failure"`
}

type Sequence struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description"`
	Stages      []string `json:"stages" yaml:"stages"`
}

// Config is the parsed project definition.
type Config struct {
	Shell            string            `json:"shell,omitempty" yaml:"shell"`
	ResultsDir       string            `json:"results_dir,omitempty" yaml:"results_dir"`
	EnvFile          string            `json:"env_file,omitempty" yaml:"env_file"`
	ContainerRuntime string            `json:"container_runtime,omitempty" yaml:"container_runtime"`
	Concurrency      int               `json:"concurrency,omitempty" yaml:"concurrency"`
	TaskPauseMS      *int              `json:"task_pause_ms,omitempty" yaml:"task_pause_ms"`
	StagePauseMS     *int              `json:"stage_pause_ms,omitempty" yaml:"stage_pause_ms"`
	Ignore           []string          `json:"ignore,omitempty" yaml:"ignore"`
	Variables        map[string]string `json:"variables,omitempty" yaml:"variables"`
	Commands         []Task            `json:"commands,omitempty" yaml:"commands"`
	Stages           []Stage           `json:"stages,omitempty" yaml:"stages"`
	Sequences        []Sequence        `json:"sequences,omitempty" yaml:"sequences"`
}

// JobKind is the level of the execution tree a job record mirrors.
type JobKind string

const (
	JobCommand  JobKind = "command"
	JobStage    JobKind = "stage"
	JobSequence JobKind = "sequence"
)

type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
	JobSkipped JobStatus = "skipped"
)

// ExecutionResult is produced once per task, stage or sequence invocation.
type ExecutionResult struct {
	Name    string  `json:"name"`
	Kind    JobKind `json:"kind"`
	JobID   string  `json:"job_id,omitempty"`
	Success bool    `json:"success"`
	Output  string  `json:"output,omitempty"`
	Error   string  `json:"error,omitempty"`
	// ExitCode is nil when no process exit status exists.
	ExitCode *int `json:"exit_code,omitempty"`
	// Tolerated marks a failure that allow_failure kept from stopping the
	// enclosing scheduler.
	Tolerated bool              `json:"tolerated,omitempty"`
	Skipped   bool              `json:"skipped,omitempty"`
	Children  []ExecutionResult `json:"children,omitempty"`
}

// IntPtr returns a pointer to v, used for ExitCode.
func IntPtr(v int) *int { return &v }

// JobRecord mirrors one running or finished task, stage or sequence for
// status consumers.
type JobRecord struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Kind      JobKind   `json:"kind"`
	Name      string    `json:"name"`
	Status    JobStatus `json:"status"`
	Tolerated bool      `json:"tolerated,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	PIDs      []int     `json:"pids,omitempty"`
	Ports     []int     `json:"ports,omitempty"`
	Children  []string  `json:"children,omitempty"`
	Killable  bool      `json:"killable,omitempty"`
}
