package proctree

import (
	"sort"
	"sync"
)

// Handle tracks the processes and listening ports attributed to one running
// task. It is safe for concurrent use.
type Handle struct {
	mu    sync.Mutex
	pid   int
	pids  map[int]struct{}
	ports map[int]struct{}
}

// NewHandle creates a handle for the task's primary process.
func NewHandle(pid int) *Handle {
	return &Handle{pid: pid, pids: map[int]struct{}{}, ports: map[int]struct{}{}}
}

// PID returns the primary process id.
func (h *Handle) PID() int { return h.pid }

// AddPIDs records descendant pids and returns how many were new.
func (h *Handle) AddPIDs(pids ...int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range pids {
		if p <= 0 || p == h.pid {
			continue
		}
		if _, ok := h.pids[p]; !ok {
			h.pids[p] = struct{}{}
			n++
		}
	}
	return n
}

// AddPorts records observed ports and returns how many were new.
func (h *Handle) AddPorts(ports ...int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range ports {
		if p <= 0 || p > 65535 {
			continue
		}
		if _, ok := h.ports[p]; !ok {
			h.ports[p] = struct{}{}
			n++
		}
	}
	return n
}

// PIDs returns the discovered descendant pids, sorted.
func (h *Handle) PIDs() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sortedKeys(h.pids)
}

// Ports returns the observed ports, sorted.
func (h *Handle) Ports() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sortedKeys(h.ports)
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
