//go:build !windows && !linux

package proctree

import (
	"context"
	"errors"
)

func listProcesses(ctx context.Context) ([]Process, error) {
	return psProcesses(ctx)
}

func portOwnersFallback(port int) ([]int, error) {
	return nil, errors.New("lsof not found")
}
