package transport

import "sync/atomic"

// Connectivity holds the last known reachability of the collector. The zero
// value is Online.
type Connectivity struct {
	offline atomic.Bool
}

// NewConnectivity returns a tracker that starts Online.
func NewConnectivity() *Connectivity {
	return &Connectivity{}
}

// Online reports whether the last probe succeeded.
func (c *Connectivity) Online() bool {
	if c == nil {
		return true
	}
	return !c.offline.Load()
}

// Set records the probe result and reports whether the state changed.
func (c *Connectivity) Set(online bool) bool {
	return c.offline.Swap(!online) != !online
}

// String implements fmt.Stringer.
func (c *Connectivity) String() string {
	if c.Online() {
		return "online"
	}
	return "offline"
}
