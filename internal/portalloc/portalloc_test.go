package portalloc

import (
	"net"
	"strconv"
	"testing"
)

func TestAvailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	if Available(port) {
		t.Errorf("port %d reported available while held open", port)
	}
}

func TestNext_FindsFreePort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	held := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	// Re-occupy the held port so Next must skip it.
	busy, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(held))
	if err != nil {
		t.Skip("could not reacquire port for test setup")
	}
	defer busy.Close()

	next, err := Next(held)
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if next == held {
		t.Errorf("Next returned busy port %d", held)
	}
}

func TestAllocateBase_UsesPreferredWhenFree(t *testing.T) {
	result, err := AllocateBase(nil, nil)
	if err != nil {
		t.Fatalf("AllocateBase returned error: %v", err)
	}
	for _, name := range BasePorts {
		if _, ok := result[name]; !ok {
			t.Errorf("missing allocation for %q", name)
		}
	}
}

func TestAllocateBase_FallsBackWhenPreferredTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer ln.Close()
	busyPort := ln.Addr().(*net.TCPAddr).Port

	var notified bool
	result, err := AllocateBase(map[string]int{"http": busyPort}, func(name string, preferred, alternative int) {
		notified = true
		if name != "http" || preferred != busyPort {
			t.Errorf("unexpected callback args: %s %d %d", name, preferred, alternative)
		}
	})
	if err != nil {
		t.Fatalf("AllocateBase returned error: %v", err)
	}
	if !notified {
		t.Error("expected onUnavailable callback to fire")
	}
	if result["http"] == busyPort {
		t.Error("AllocateBase returned the busy port")
	}
}
