//go:build !linux
// +build !linux

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>

package affinity

import "github.com/momentics/wsengine/api"

func setAffinity(int) (func(), error) {
	return nil, api.Wrap(api.KindIo, "cpu affinity", api.ErrNotSupported)
}

// Current is not supported on this platform.
func Current() ([]int, error) {
	return nil, api.Wrap(api.KindIo, "cpu affinity", api.ErrNotSupported)
}
