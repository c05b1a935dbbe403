//go:build linux

package affinity

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPin(t *testing.T) {
	before, err := Current()
	if err != nil {
		t.Fatal(err)
	}
	if len(before) == 0 {
		t.Skip("empty cpu mask")
	}
	cpu := before[len(before)-1]

	done := make(chan struct{})
	go func() {
		defer close(done)
		unpin, err := Pin(cpu)
		if err != nil {
			t.Errorf("Pin(%d): %v", cpu, err)
			return
		}
		defer unpin()
		got, err := Current()
		if err != nil {
			t.Errorf("Current: %v", err)
			return
		}
		if diff := cmp.Diff([]int{cpu}, got); diff != "" {
			t.Errorf("mask after Pin (-want +got):\n%s", diff)
		}
	}()
	<-done
}

func TestPinInvalidCPU(t *testing.T) {
	done := make(chan error)
	go func() {
		_, err := Pin(-1)
		done <- err
	}()
	if err := <-done; err == nil {
		t.Fatal("Pin(-1) succeeded")
	}
}
