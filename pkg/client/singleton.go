package client

import "sync"

// The process-wide agent is a refcounted singleton, not a pool: every
// application component that asks for a connection shares the same logical
// one, and the last Release tears it down.
var (
	sharedMu sync.Mutex
	shared   *Agent
	refs     int
)

// Acquire returns the process's shared agent, creating and starting it on
// first use. The config only matters on that first call.
func Acquire(cfg Config) *Agent {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared == nil {
		shared = New(cfg)
		shared.Start()
	}
	refs++
	return shared
}

// Release drops one reference. The agent closes when the last holder
// releases it.
func Release() {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if refs == 0 {
		return
	}
	refs--
	if refs == 0 {
		shared.Close()
		shared = nil
	}
}
