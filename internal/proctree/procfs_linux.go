package proctree

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// listProcesses reads /proc directly, falling back to ps when /proc is not
// mounted.
func listProcesses(ctx context.Context) ([]Process, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return psProcesses(ctx)
	}
	procs := make([]Process, 0, len(entries))
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		p, err := readStat(pid)
		if err != nil {
			// exited between ReadDir and ReadFile
			continue
		}
		procs = append(procs, p)
	}
	return procs, nil
}

func readStat(pid int) (Process, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return Process{}, err
	}
	s := string(data)
	open := strings.IndexByte(s, '(')
	end := strings.LastIndexByte(s, ')')
	if open < 0 || end < open {
		return Process{}, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(s[end+1:])
	if len(fields) < 2 {
		return Process{}, fmt.Errorf("malformed stat for pid %d", pid)
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return Process{}, err
	}
	return Process{PID: pid, PPID: ppid, Name: s[open+1 : end], Zombie: fields[0] == "Z"}, nil
}

// portOwnersFallback maps a listening port to socket inodes through
// /proc/net/tcp{,6} and the inodes to pids through /proc/<pid>/fd.
func portOwnersFallback(port int) ([]int, error) {
	inodes := map[string]struct{}{}
	for _, table := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		if err := listeningInodes(table, port, inodes); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	if len(inodes) == 0 {
		return nil, nil
	}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", e.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil || !strings.HasPrefix(link, "socket:[") {
				continue
			}
			if _, ok := inodes[strings.TrimSuffix(strings.TrimPrefix(link, "socket:["), "]")]; ok {
				pids = append(pids, pid)
				break
			}
		}
	}
	return pids, nil
}

const tcpListen = "0A"

func listeningInodes(path string, port int, into map[string]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	want := fmt.Sprintf("%04X", port)
	s := bufio.NewScanner(f)
	s.Scan() // header
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 10 || fields[3] != tcpListen {
			continue
		}
		local := fields[1]
		if i := strings.LastIndexByte(local, ':'); i >= 0 && local[i+1:] == want {
			into[fields[9]] = struct{}{}
		}
	}
	return s.Err()
}
