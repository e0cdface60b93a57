// Package netcheck probes local network link state.
//
// The session manager consults it before tick-driven reconnect attempts:
// while the host has no usable link there is no point burning a backoff
// cycle on a connect that cannot reach the broker.
package netcheck

import "net"

// LinkUp reports whether any non-loopback interface is up and running.
// If the interface list cannot be read, LinkUp assumes the link is up and
// lets the connect attempt report the real failure.
func LinkUp() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return true
	}
	return anyRunning(ifaces)
}

func anyRunning(ifaces []net.Interface) bool {
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ifc.Flags&net.FlagUp != 0 && ifc.Flags&net.FlagRunning != 0 {
			return true
		}
	}
	return false
}
