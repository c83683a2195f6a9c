package state

import (
	"context"
	"log/slog"
)

type SkyModule interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// Phase is the node lifecycle: a node idles until discovery is kicked off,
// then waits for the first neighbor edge before it is ready to route.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingTopology
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingTopology:
		return "awaiting-topology"
	case PhaseReady:
		return "ready"
	}
	return "unknown"
}

// SendFunc hands an encoded packet to the link layer for delivery to a direct
// neighbor. The link layer is unreliable; errors mean the neighbor is not
// attached at all, not that the packet was lost.
type SendFunc func(to NodeId, data []byte) error

// State access must be done only on a single Goroutine
type State struct {
	*Env
	Modules  map[string]SkyModule
	Topology *Topology
	Phase    Phase
}

// Env can be read from any Goroutine
type Env struct {
	DispatchChannel chan<- func(s *State) error
	CentralCfg
	LocalCfg
	Context context.Context
	Cancel  context.CancelCauseFunc
	Log     *slog.Logger
	Send    SendFunc
	Events  chan<- Event
}

// PushEvent surfaces an engine event to the orchestration layer without ever
// wedging the node loop on a slow consumer.
func (e *Env) PushEvent(ev Event) {
	if e.Events == nil {
		return
	}
	select {
	case e.Events <- ev:
	case <-e.Context.Done():
	}
}
