//go:build windows

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
	"unsafe"

	"golang.org/x/sys/windows"
)

type windowsPlatform struct{}

// NewPlatform returns the capability set for the current OS.
func NewPlatform() Platform { return windowsPlatform{} }

// Graceful is false: there is no signal to ask a console process to exit
// that works for detached children, so every kill is forceful.
func (windowsPlatform) Graceful() bool { return false }

func (windowsPlatform) Processes(ctx context.Context) ([]Process, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snap)

	var e windows.ProcessEntry32
	e.Size = uint32(unsafe.Sizeof(e))
	var procs []Process
	for err = windows.Process32First(snap, &e); err == nil; err = windows.Process32Next(snap, &e) {
		procs = append(procs, Process{
			PID:  int(e.ProcessID),
			PPID: int(e.ParentProcessID),
			Name: windows.UTF16ToString(e.ExeFile[:]),
		})
	}
	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		return procs, err
	}
	return procs, nil
}

func (windowsPlatform) PortOwners(ctx context.Context, port int) ([]int, error) {
	out, err := exec.CommandContext(ctx, "netstat", "-ano", "-p", "TCP").Output()
	if err != nil {
		return nil, err
	}
	suffix := ":" + strconv.Itoa(port)
	seen := map[int]struct{}{}
	var pids []int
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		f := strings.Fields(s.Text())
		if len(f) < 5 || !strings.EqualFold(f[3], "LISTENING") || !strings.HasSuffix(f[1], suffix) {
			continue
		}
		pid, err := strconv.Atoi(f[4])
		if err != nil || pid <= 0 {
			continue
		}
		if _, ok := seen[pid]; !ok {
			seen[pid] = struct{}{}
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// Signal kills pid and its children with taskkill. force is implied.
func (windowsPlatform) Signal(pid int, force bool) error {
	out, err := exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F").CombinedOutput()
	if err != nil && !notFound(out) {
		return errors.New(strings.TrimSpace(string(out)))
	}
	return nil
}

func (windowsPlatform) KillByName(ctx context.Context, name string) error {
	out, err := exec.CommandContext(ctx, "taskkill", "/IM", name, "/T", "/F").CombinedOutput()
	if err != nil && !notFound(out) {
		return errors.New(strings.TrimSpace(string(out)))
	}
	return nil
}

func notFound(out []byte) bool {
	return bytes.Contains(bytes.ToLower(out), []byte("not found"))
}

// SysProcAttr starts a task in a new process group.
func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
