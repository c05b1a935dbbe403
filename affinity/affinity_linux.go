//go:build linux
// +build linux

// File: affinity/affinity_linux.go
// Author: momentics <momentics@gmail.com>

package affinity

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/wsengine/api"
)

// setAffinity restricts the calling thread to cpu and returns a function
// restoring the previous mask.
func setAffinity(cpu int) (func(), error) {
	var prev, set unix.CPUSet
	if cpu < 0 || cpu >= len(set)*64 {
		return nil, api.Errorf(api.KindIo, "cpu %d out of range", cpu)
	}
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		return nil, api.Wrap(api.KindIo, "sched_getaffinity", err)
	}
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return nil, api.Wrap(api.KindIo, "sched_setaffinity", err).WithContext("cpu", cpu)
	}
	return func() { _ = unix.SchedSetaffinity(0, &prev) }, nil
}

// Current returns the CPUs the calling thread may run on.
func Current() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, api.Wrap(api.KindIo, "sched_getaffinity", err)
	}
	var cpus []int
	for i := 0; i < len(set)*64; i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}
