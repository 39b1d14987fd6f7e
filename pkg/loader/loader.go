// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package loader binds the interception engine to the operating system's
// module loader and lists the modules mapped into a process.
package loader

import (
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrUnsupported is returned by bindings on platforms without a hookable
// module loader.
var ErrUnsupported = errors.New("loader interception is not supported on this platform")

// Enumerator lists the modules mapped into one process.
type Enumerator struct {
	pid int32
}

// NewEnumerator returns an enumerator for pid. A pid of 0 means the current
// process.
func NewEnumerator(pid int32) *Enumerator {
	if pid == 0 {
		pid = int32(os.Getpid())
	}
	return &Enumerator{pid: pid}
}

// PID returns the process the enumerator inspects.
func (e *Enumerator) PID() int32 { return e.pid }

// ProcessName returns the executable name of pid.
func ProcessName(pid int32) (string, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return "", fmt.Errorf("process %d: %w", pid, err)
	}
	name, err := p.Name()
	if err != nil {
		return "", fmt.Errorf("process %d name: %w", pid, err)
	}
	return name, nil
}
