package sim

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/encodeous/skymesh/core"
	"github.com/encodeous/skymesh/state"
)

type edge struct {
	a, b state.NodeId
}

func edgeOf(a, b state.NodeId) edge {
	if b < a {
		a, b = b, a
	}
	return edge{a, b}
}

// Network wires endpoint nodes and drones together over in-memory channels.
// It is the unreliable link layer the engine must tolerate: links come and
// go at the orchestrator's whim and drones drop traffic by configuration.
type Network struct {
	Central state.CentralCfg

	ctx    context.Context
	cancel context.CancelCauseFunc
	log    *slog.Logger

	mu     sync.RWMutex
	links  map[edge]struct{}
	drones map[state.NodeId]*Drone
	boxes  map[state.NodeId]chan []byte

	envs     map[state.NodeId]*state.Env
	events   map[state.NodeId]chan state.Event
	commands map[state.NodeId]chan state.Command

	errs chan error
	wg   sync.WaitGroup

	// Seed makes drone fault injection reproducible across runs.
	Seed     uint64
	LogLevel slog.Level
	// Local overrides per-node tunables; nodes not present use defaults.
	Local map[state.NodeId]state.LocalCfg
}

func NewNetwork(central state.CentralCfg) *Network {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Network{
		Central:  central,
		ctx:      ctx,
		cancel:   cancel,
		log:      slog.Default(),
		links:    make(map[edge]struct{}),
		drones:   make(map[state.NodeId]*Drone),
		boxes:    make(map[state.NodeId]chan []byte),
		envs:     make(map[state.NodeId]*state.Env),
		events:   make(map[state.NodeId]chan state.Event),
		commands: make(map[state.NodeId]chan state.Command),
		errs:     make(chan error, len(central.Nodes)),
		Seed:     1,
		LogLevel: slog.LevelInfo,
		Local:    make(map[state.NodeId]state.LocalCfg),
	}
}

// Start validates the central config, spawns every drone and endpoint, and
// applies the configured initial graph: physical links plus the matching
// AddEdge command to each incident endpoint (a node learns its own initial
// neighbors from the orchestrator, everything further from discovery).
func (n *Network) Start() (<-chan error, error) {
	if err := state.CentralConfigValidator(&n.Central); err != nil {
		return nil, err
	}

	seed := n.Seed
	for _, node := range n.Central.Nodes {
		if node.Role == state.RoleDrone {
			seed++
			d := newDrone(node.Id, node.LossRate, seed, n, n.log)
			n.drones[node.Id] = d
			n.boxes[node.Id] = d.inbox
			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				d.run()
			}()
			continue
		}
		n.startEndpoint(node)
	}

	if err := n.waitReady(); err != nil {
		return nil, err
	}

	edges, err := n.Central.ParseGraph()
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		n.AddLink(e.V1, e.V2)
	}
	return n.errs, nil
}

func (n *Network) startEndpoint(node state.NodeCfg) {
	local, ok := n.Local[node.Id]
	if !ok {
		local = state.LocalCfg{}
	}
	local.Id = node.Id
	local.ApplyDefaults()

	inbox := make(chan []byte, state.DispatchBuffer)
	events := make(chan state.Event, state.EventBuffer)
	commands := make(chan state.Command, state.DispatchBuffer)
	n.boxes[node.Id] = inbox
	n.events[node.Id] = events
	n.commands[node.Id] = commands

	send := func(to state.NodeId, data []byte) error {
		if !n.deliver(node.Id, to, data) {
			return fmt.Errorf("no link from %s to %s", node.Id, to)
		}
		return nil
	}

	ready := make(chan *state.Env, 1)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		err := core.Start(n.Central, local, n.LogLevel, send, events, commands, ready)
		if err != nil {
			n.errs <- err
		}
	}()

	// pump the inbox into the node loop once the node has published its Env
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		var env *state.Env
		select {
		case env = <-ready:
			n.mu.Lock()
			n.envs[node.Id] = env
			n.mu.Unlock()
		case <-n.ctx.Done():
			return
		}
		for {
			select {
			case data := <-inbox:
				core.Deliver(env, data)
			case <-n.ctx.Done():
				return
			}
		}
	}()
}

// waitReady blocks until every endpoint has published its Env.
func (n *Network) waitReady() error {
	deadline := time.After(5 * time.Second)
	for {
		ready := 0
		n.mu.RLock()
		ready = len(n.envs)
		n.mu.RUnlock()
		endpoints := 0
		for _, node := range n.Central.Nodes {
			if node.Role != state.RoleDrone {
				endpoints++
			}
		}
		if ready == endpoints {
			return nil
		}
		select {
		case <-deadline:
			return fmt.Errorf("timed out waiting for %d endpoints, %d ready", endpoints, ready)
		case err := <-n.errs:
			return err
		case <-time.After(time.Millisecond):
		}
	}
}

func (n *Network) envOf(id state.NodeId) *state.Env {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.envs[id]
}

// AddLink attaches the physical link a-b and tells each incident endpoint
// about its new neighbor; everything beyond direct neighbors is left to
// discovery.
func (n *Network) AddLink(a, b state.NodeId) {
	n.mu.Lock()
	n.links[edgeOf(a, b)] = struct{}{}
	cmds := make([]chan state.Command, 0, 2)
	for _, id := range []state.NodeId{a, b} {
		if ch, ok := n.commands[id]; ok {
			cmds = append(cmds, ch)
		}
	}
	n.mu.Unlock()
	for _, ch := range cmds {
		select {
		case ch <- state.AddEdge{A: a, B: b}:
		case <-n.ctx.Done():
			return
		}
	}
}

// RemoveLink cuts the physical link a-b mid-flight; traffic holding a path
// through it will come back as UnknownNextHop nacks.
func (n *Network) RemoveLink(a, b state.NodeId) {
	n.mu.Lock()
	delete(n.links, edgeOf(a, b))
	n.mu.Unlock()
	n.broadcast(state.RemoveEdge{A: a, B: b})
}

// CrashDrone detaches every link touching a drone and reports the node gone
// to all endpoints. The drone loop keeps running but can no longer deliver.
func (n *Network) CrashDrone(id state.NodeId) {
	n.mu.Lock()
	for e := range n.links {
		if e.a == id || e.b == id {
			delete(n.links, e)
		}
	}
	n.mu.Unlock()
	n.broadcast(state.RemoveNode{Node: id})
}

func (n *Network) broadcast(cmd state.Command) {
	n.mu.RLock()
	chans := make([]chan state.Command, 0, len(n.commands))
	for _, ch := range n.commands {
		chans = append(chans, ch)
	}
	n.mu.RUnlock()
	for _, ch := range chans {
		select {
		case ch <- cmd:
		case <-n.ctx.Done():
			return
		}
	}
}

// Command sends an orchestration command to an endpoint.
func (n *Network) Command(id state.NodeId, cmd state.Command) error {
	n.mu.RLock()
	ch, ok := n.commands[id]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s is not an endpoint", id)
	}
	select {
	case ch <- cmd:
		return nil
	case <-n.ctx.Done():
		return context.Cause(n.ctx)
	}
}

// Events returns the event stream of an endpoint.
func (n *Network) Events(id state.NodeId) <-chan state.Event {
	return n.events[id]
}

func (n *Network) linked(a, b state.NodeId) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.links[edgeOf(a, b)]
	return ok
}

func (n *Network) neighborsOf(id state.NodeId) []state.NodeId {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]state.NodeId, 0)
	for e := range n.links {
		if e.a == id {
			out = append(out, e.b)
		} else if e.b == id {
			out = append(out, e.a)
		}
	}
	slices.Sort(out)
	return out
}

// deliver moves a wire packet across a live link. Delivery to a missing link
// or an unknown node reports false; the sender decides whether that is an
// error or routine churn.
func (n *Network) deliver(from, to state.NodeId, data []byte) bool {
	if !n.linked(from, to) {
		return false
	}
	n.mu.RLock()
	box, ok := n.boxes[to]
	n.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case box <- data:
		return true
	case <-n.ctx.Done():
		return false
	}
}

// Stop cancels every node and waits for their loops to exit.
func (n *Network) Stop() {
	n.mu.RLock()
	for _, env := range n.envs {
		env.Cancel(context.Canceled)
	}
	n.mu.RUnlock()
	n.cancel(context.Canceled)
	n.wg.Wait()
}
