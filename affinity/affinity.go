// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// CPU pinning for event loop threads. Platform code lives in build-tagged
// files; unsupported platforms report api.ErrNotSupported.

package affinity

import "runtime"

// Pin locks the calling goroutine to its OS thread and restricts that thread
// to cpu. unpin restores the previous mask and releases the thread.
func Pin(cpu int) (unpin func(), err error) {
	runtime.LockOSThread()
	restore, err := setAffinity(cpu)
	if err != nil {
		runtime.UnlockOSThread()
		return func() {}, err
	}
	return func() {
		restore()
		runtime.UnlockOSThread()
	}, nil
}

// NumCPU returns the number of CPUs usable by the process.
func NumCPU() int { return runtime.NumCPU() }
