//go:build !windows

package proctree

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

type unixPlatform struct{}

// NewPlatform returns the capability set for the current OS.
func NewPlatform() Platform { return unixPlatform{} }

func (unixPlatform) Graceful() bool { return true }

func (unixPlatform) Processes(ctx context.Context) ([]Process, error) {
	return listProcesses(ctx)
}

// PortOwners asks lsof for listeners and falls back to the OS-specific
// lookup when lsof is not installed.
func (unixPlatform) PortOwners(ctx context.Context, port int) ([]int, error) {
	out, err := exec.CommandContext(ctx, "lsof", "-nP", "-t", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN").Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(out) == 0 {
			// lsof exits 1 when nothing matches
			return nil, nil
		}
		if errors.Is(err, exec.ErrNotFound) {
			return portOwnersFallback(port)
		}
		return nil, err
	}
	return parsePIDLines(out), nil
}

func (unixPlatform) Signal(pid int, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	// group leaders take their whole group with them
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) && !errors.Is(err, unix.EPERM) {
			return err
		}
	}
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// KillByName is a no-op on POSIX; descendants and port owners are reached by
// pid.
func (unixPlatform) KillByName(ctx context.Context, name string) error { return nil }

// SysProcAttr starts a task in its own process group so the group can be
// signaled as a unit.
func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func parsePIDLines(out []byte) []int {
	var pids []int
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		if pid, err := strconv.Atoi(strings.TrimSpace(s.Text())); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}

// psProcesses reads the process table through ps(1).
func psProcesses(ctx context.Context) ([]Process, error) {
	out, err := exec.CommandContext(ctx, "ps", "-A", "-o", "pid=", "-o", "ppid=", "-o", "stat=", "-o", "comm=").Output()
	if err != nil {
		return nil, err
	}
	var procs []Process
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		f := strings.Fields(s.Text())
		if len(f) < 3 {
			continue
		}
		pid, err1 := strconv.Atoi(f[0])
		ppid, err2 := strconv.Atoi(f[1])
		if err1 != nil || err2 != nil {
			continue
		}
		p := Process{PID: pid, PPID: ppid, Zombie: strings.HasPrefix(f[2], "Z")}
		if len(f) > 3 {
			p.Name = strings.Join(f[3:], " ")
		}
		procs = append(procs, p)
	}
	return procs, nil
}
