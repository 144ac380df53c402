package core

import (
	"sync"

	"github.com/3cpo-dev/stagehand/pkg/api"
)

// Ledger is the set of task names executed so far in one run.
type Ledger struct {
	mu    sync.RWMutex
	names map[string]struct{}
	known map[string]struct{}
}

// NewLedger creates an empty ledger. known lists every task name the run's
// scope can resolve; it is only used to word dependency errors.
func NewLedger(known []string) *Ledger {
	l := &Ledger{names: map[string]struct{}{}, known: map[string]struct{}{}}
	for _, n := range known {
		l.known[n] = struct{}{}
	}
	return l
}

// Add records name as executed.
func (l *Ledger) Add(name string) {
	l.mu.Lock()
	l.names[name] = struct{}{}
	l.known[name] = struct{}{}
	l.mu.Unlock()
}

// Has reports whether name has been executed.
func (l *Ledger) Has(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.names[name]
	return ok
}

func (l *Ledger) isKnown(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.known[name]
	return ok
}

// CheckDependencies returns nil when every depends_on entry of task is in the
// ledger, or a *DependencyError naming the first one that is not.
func CheckDependencies(task api.Task, executed *Ledger) error {
	for _, dep := range task.DependsOn {
		if executed != nil && executed.Has(dep) {
			continue
		}
		unknown := executed != nil && !executed.isKnown(dep)
		return &DependencyError{Task: task.Name, Missing: dep, Unknown: unknown}
	}
	return nil
}
