package core

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks definitions that cannot be started at all.
	ErrConfig = errors.New("configuration error")
	// ErrDependency marks a task whose depends_on entries are not satisfied.
	ErrDependency = errors.New("dependency not satisfied")
	// ErrIgnoredPath is returned when a working directory is excluded by the
	// ignore predicate.
	ErrIgnoredPath = errors.New("path is ignored")
)

// ConfigError describes a missing or invalid definition.
type ConfigError struct {
	Kind string
	Name string
	Msg  string
}

func (e *ConfigError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s %q: %s", e.Kind, e.Name, e.Msg)
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

func notFound(kind, name string) error { return &ConfigError{Kind: kind, Name: name} }

func invalidf(kind, name, format string, args ...any) error {
	return &ConfigError{Kind: kind, Name: name, Msg: fmt.Sprintf(format, args...)}
}

// DependencyError reports the first unsatisfied dependency of a task.
type DependencyError struct {
	Task    string
	Missing string
	// Unknown is set when Missing names no task known to the run.
	Unknown bool
}

func (e *DependencyError) Error() string {
	if e.Unknown {
		return fmt.Sprintf("task %q depends on unknown task %q", e.Task, e.Missing)
	}
	return fmt.Sprintf("task %q depends on %q, which has not been executed", e.Task, e.Missing)
}

func (e *DependencyError) Unwrap() error { return ErrDependency }
