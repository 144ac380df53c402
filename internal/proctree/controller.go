package proctree

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultGrace is how long POSIX processes get between SIGTERM and SIGKILL.
	DefaultGrace = 2 * time.Second
	// maxPasses bounds descendant expansion while the table keeps changing.
	maxPasses   = 10
	aliveTicker = 50 * time.Millisecond
)

// Report summarizes one termination attempt.
type Report struct {
	PIDs   []int
	Ports  []int
	Errors int
}

// Controller discovers and terminates task process trees.
type Controller struct {
	Platform   Platform
	Grace      time.Duration
	Signatures []Signature
	Logger     zerolog.Logger

	protected map[int]struct{}
}

// NewController creates a controller for the current OS.
func NewController(logger zerolog.Logger) *Controller {
	return NewControllerWith(NewPlatform(), logger)
}

// NewControllerWith creates a controller on an explicit platform.
func NewControllerWith(p Platform, logger zerolog.Logger) *Controller {
	return &Controller{
		Platform:   p,
		Grace:      DefaultGrace,
		Signatures: DefaultSignatures,
		Logger:     logger,
		protected: map[int]struct{}{
			os.Getpid():  {},
			os.Getppid(): {},
		},
	}
}

func (c *Controller) logger() *zerolog.Logger { return &c.Logger }

func (c *Controller) isProtected(pid int) bool {
	if pid <= 1 {
		return true
	}
	_, ok := c.protected[pid]
	return ok
}

// Discover performs one polling pass and records new descendants of the
// handle's processes. It returns the number of new pids.
func (c *Controller) Discover(ctx context.Context, h *Handle) int {
	table, err := c.Platform.Processes(ctx)
	if err != nil {
		c.logger().Debug().Err(err).Int("pid", h.PID()).Msg("process table snapshot failed")
		return 0
	}
	seed := append([]int{h.PID()}, h.PIDs()...)
	found := descendants(table, seed)
	return h.AddPIDs(found...)
}

// Terminate stops every process attributed to the handle: its descendants to
// a fixed point, owners of its observed ports, and owners of the default
// ports of any signature matching invocation. Errors are logged, never
// returned. On return every discoverable pid has been signaled; the OS may
// not have reclaimed them yet.
func (c *Controller) Terminate(ctx context.Context, h *Handle, invocation string) Report {
	lg := c.logger().With().Int("pid", h.PID()).Logger()
	set := map[int]struct{}{h.PID(): {}}
	for _, p := range h.PIDs() {
		set[p] = struct{}{}
	}
	c.expand(ctx, set)

	sigs := MatchSignatures(invocation, c.Signatures)
	ports := criticalPorts(h.Ports(), sigs)
	for _, port := range ports {
		owners, err := c.Platform.PortOwners(ctx, port)
		if err != nil {
			lg.Debug().Err(err).Int("port", port).Msg("port owner lookup failed")
			continue
		}
		for _, o := range owners {
			if _, ok := set[o]; !ok && !c.isProtected(o) {
				lg.Info().Int("port", port).Int("owner", o).Msg("terminating process holding task port")
				set[o] = struct{}{}
			}
		}
	}
	if len(ports) > 0 {
		c.expand(ctx, set)
	}

	rep := Report{Ports: ports}
	if c.Platform.Graceful() {
		rep.Errors += c.signalAll(set, false, lg)
		if c.waitGone(ctx, set) {
			// catch children forked during the grace period
			c.expand(ctx, set)
		}
		rep.Errors += c.signalAll(set, true, lg)
	} else {
		rep.Errors += c.signalAll(set, true, lg)
		for _, s := range sigs {
			for _, name := range s.Processes {
				if err := c.Platform.KillByName(ctx, name); err != nil {
					lg.Debug().Err(err).Str("process", name).Msg("kill by name failed")
				}
			}
		}
		for _, port := range ports {
			owners, err := c.Platform.PortOwners(ctx, port)
			if err != nil {
				continue
			}
			for _, o := range owners {
				if c.isProtected(o) {
					continue
				}
				if err := c.Platform.Signal(o, true); err != nil {
					lg.Debug().Err(err).Int("port", port).Int("owner", o).Msg("port sweep kill failed")
				}
			}
		}
	}

	for p := range set {
		if !c.isProtected(p) {
			rep.PIDs = append(rep.PIDs, p)
		}
	}
	sort.Ints(rep.PIDs)
	lg.Debug().Ints("pids", rep.PIDs).Ints("ports", rep.Ports).Int("errors", rep.Errors).Msg("process tree terminated")
	return rep
}

// expand adds descendants of every pid in set until a pass finds nothing new.
func (c *Controller) expand(ctx context.Context, set map[int]struct{}) {
	for pass := 0; pass < maxPasses; pass++ {
		table, err := c.Platform.Processes(ctx)
		if err != nil {
			c.logger().Debug().Err(err).Msg("process table snapshot failed")
			return
		}
		seed := make([]int, 0, len(set))
		for p := range set {
			seed = append(seed, p)
		}
		added := 0
		for _, p := range descendants(table, seed) {
			if _, ok := set[p]; ok || c.isProtected(p) {
				continue
			}
			set[p] = struct{}{}
			added++
		}
		if added == 0 {
			return
		}
	}
}

func (c *Controller) signalAll(set map[int]struct{}, force bool, lg zerolog.Logger) int {
	errs := 0
	for p := range set {
		if c.isProtected(p) {
			continue
		}
		if err := c.Platform.Signal(p, force); err != nil {
			errs++
			lg.Debug().Err(err).Int("target", p).Bool("force", force).Msg("signal failed")
		}
	}
	return errs
}

// waitGone waits up to the grace period for every pid in set to exit. It
// reports true when the grace period elapsed with processes still alive.
func (c *Controller) waitGone(ctx context.Context, set map[int]struct{}) bool {
	grace := c.Grace
	if grace <= 0 {
		return true
	}
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(aliveTicker)
	defer tick.Stop()
	for {
		select {
		case <-deadline.C:
			return true
		case <-tick.C:
			if !c.anyAlive(context.WithoutCancel(ctx), set) {
				return false
			}
		}
	}
}

func (c *Controller) anyAlive(ctx context.Context, set map[int]struct{}) bool {
	table, err := c.Platform.Processes(ctx)
	if err != nil {
		return true
	}
	for _, p := range table {
		if _, ok := set[p.PID]; ok && !p.Zombie && !c.isProtected(p.PID) {
			return true
		}
	}
	return false
}

// Alive returns the pids from pids that are still running (zombies excluded).
func (c *Controller) Alive(ctx context.Context, pids []int) []int {
	table, err := c.Platform.Processes(ctx)
	if err != nil {
		return nil
	}
	want := map[int]struct{}{}
	for _, p := range pids {
		want[p] = struct{}{}
	}
	var out []int
	for _, p := range table {
		if _, ok := want[p.PID]; ok && !p.Zombie {
			out = append(out, p.PID)
		}
	}
	sort.Ints(out)
	return out
}

func descendants(table []Process, seed []int) []int {
	children := map[int][]int{}
	for _, p := range table {
		if p.PID != p.PPID {
			children[p.PPID] = append(children[p.PPID], p.PID)
		}
	}
	seen := map[int]struct{}{}
	for _, s := range seed {
		seen[s] = struct{}{}
	}
	queue := append([]int(nil), seed...)
	var out []int
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for _, ch := range children[p] {
			if _, ok := seen[ch]; ok {
				continue
			}
			seen[ch] = struct{}{}
			out = append(out, ch)
			queue = append(queue, ch)
		}
	}
	return out
}

func criticalPorts(observed []int, sigs []Signature) []int {
	set := map[int]struct{}{}
	for _, p := range observed {
		set[p] = struct{}{}
	}
	for _, s := range sigs {
		for _, p := range s.Ports {
			set[p] = struct{}{}
		}
	}
	return sortedKeys(set)
}
