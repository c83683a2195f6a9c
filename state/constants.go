package state

import "time"

var (
	// FragmentSize is the fixed payload capacity of one fragment.
	DefaultFragmentSize = 128

	// DefaultRetryBound is how many nacks naming the same faulting hop a
	// fragment survives before delivery is declared failed.
	DefaultRetryBound = 3

	// DefaultRefloodEvery triggers a fresh discovery round after this many
	// simulated drops, to keep loss estimates and paths current.
	DefaultRefloodEvery = 10

	DefaultPathCacheTTL  = 30 * time.Second
	DefaultReassemblyTTL = 60 * time.Second

	// DiscoveryRetryDelay spaces out discovery attempts while a node still
	// has no neighbors to flood through.
	DiscoveryRetryDelay = 500 * time.Millisecond

	// EventBuffer sizes the channel carrying engine events upward.
	EventBuffer = 128

	DispatchBuffer = 128
)
