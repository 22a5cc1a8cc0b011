// Package portalloc allocates host TCP ports for a tenant VM's forwarded
// services, probing each candidate port with a real bind before handing it
// out so two VMs never race for the same host port.
package portalloc

import (
	"fmt"
	"net"
)

// BasePorts are the four forwards every tenant VM gets regardless of
// profile.
var BasePorts = []string{"http", "https", "ssh", "test"}

// DefaultBasePorts are the preferred host ports for the base forwards.
var DefaultBasePorts = map[string]int{
	"http":  8081,
	"https": 8443,
	"ssh":   2224,
	"test":  8889,
}

// DataPlaneServiceGuestPorts maps a data-plane service name to the guest
// port it listens on.
var DataPlaneServiceGuestPorts = map[string]int{
	"postgres": 5432,
	"redis":    6379,
}

// DataPlanePortDefaults are the preferred host ports for data-plane service
// forwards.
var DataPlanePortDefaults = map[string]int{
	"postgres": 25432,
	"redis":    26379,
}

const maxScanAttempts = 100

// Available reports whether port can be bound on 127.0.0.1 right now.
func Available(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Next scans upward from start (inclusive) for the first available port,
// giving up after maxScanAttempts candidates.
func Next(start int) (int, error) {
	for port := start; port < start+maxScanAttempts; port++ {
		if Available(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available port found in range %d-%d", start, start+maxScanAttempts)
}

// OnUnavailable is called whenever a preferred port is taken and an
// alternative had to be found, so callers can surface it as a warning the
// way the CLI does.
type OnUnavailable func(name string, preferred, alternative int)

// AllocateBase resolves the four base port forwards, preferring entries in
// requested (falling back to DefaultBasePorts), substituting the next free
// port when a preference is taken.
func AllocateBase(requested map[string]int, onUnavailable OnUnavailable) (map[string]int, error) {
	result := make(map[string]int, len(BasePorts))
	for _, name := range BasePorts {
		preferred := DefaultBasePorts[name]
		if v, ok := requested[name]; ok {
			preferred = v
		}

		if Available(preferred) {
			result[name] = preferred
			continue
		}

		alt, err := Next(preferred + 1)
		if err != nil {
			return nil, fmt.Errorf("allocating %s port: %w", name, err)
		}
		if onUnavailable != nil {
			onUnavailable(name, preferred, alt)
		}
		result[name] = alt
	}
	return result, nil
}

// AllocateDataPlane resolves host ports for data-plane service forwards
// (postgres, redis), used only when a VM's profile is tagged data-plane.
func AllocateDataPlane(requested map[string]int, onUnavailable OnUnavailable) (map[string]int, error) {
	result := make(map[string]int, len(DataPlanePortDefaults))
	for name, def := range DataPlanePortDefaults {
		preferred := def
		if v, ok := requested[name]; ok {
			preferred = v
		}

		if Available(preferred) {
			result[name] = preferred
			continue
		}

		alt, err := Next(preferred + 1)
		if err != nil {
			return nil, fmt.Errorf("allocating %s port: %w", name, err)
		}
		if onUnavailable != nil {
			onUnavailable(name, preferred, alt)
		}
		result[name] = alt
	}
	return result, nil
}
