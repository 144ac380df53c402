// Package container runs container tasks through an external container
// runtime.
package container

import (
	"context"
	"fmt"
)

// Spec describes one container run.
type Spec struct {
	Name       string
	Image      string
	Tag        string
	Command    string
	Ports      []string
	Volumes    []string
	Env        map[string]string
	WorkingDir string
}

// Ref returns image:tag.
func (s Spec) Ref() string {
	if s.Tag == "" {
		return s.Image
	}
	return s.Image + ":" + s.Tag
}

// Handle identifies a created container.
type Handle struct {
	ID      string
	Name    string
	Running bool
}

// Runtime is the container lifecycle collaborator.
type Runtime interface {
	Name() string
	CreateStart(ctx context.Context, spec Spec) (Handle, error)
	Find(ctx context.Context, name string) (Handle, bool, error)
	Wait(ctx context.Context, h Handle) (int, error)
	Logs(ctx context.Context, h Handle) (string, error)
	Remove(ctx context.Context, name string) error
}

// Registry holds the runtimes available to the engine by name.
type Registry struct {
	runtimes map[string]Runtime
}

func NewRegistry() *Registry {
	return &Registry{runtimes: map[string]Runtime{}}
}

func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

func (r *Registry) Get(name string) (Runtime, error) {
	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("container runtime not registered: %s", name)
	}
	return rt, nil
}
