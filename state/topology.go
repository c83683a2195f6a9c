package state

import (
	"cmp"
	"slices"
)

// DroneStats tracks how a forwarding drone has treated our traffic. The
// counters feed the loss-aware path cost used by client policies.
type DroneStats struct {
	Traveled uint64
	Dropped  uint64
}

func (d *DroneStats) ObserveForwarded() {
	d.Traveled++
}

func (d *DroneStats) ObserveDropped() {
	d.Traveled++
	d.Dropped++
}

// LossFactor estimates how many transmissions one delivered packet costs
// through this drone, as a truncated geometric series over the observed drop
// rate. A drone we have no data on costs exactly one transmission.
func (d *DroneStats) LossFactor() float64 {
	if d == nil || d.Traveled == 0 || d.Dropped == 0 {
		return 1.0
	}
	pdr := float64(d.Dropped) / float64(d.Traveled)
	factor := 0.0
	term := 1.0
	for i := 0; i <= 10; i++ {
		factor += term
		term *= pdr
	}
	return factor
}

// Topology is one node's partial view of the network graph, accumulated from
// flood responses and explicit edge commands. Edges are data keyed by NodeId,
// never pointers between node objects, so a cyclic graph cannot leak.
type Topology struct {
	self  NodeId
	adj   map[NodeId]map[NodeId]struct{}
	kinds map[NodeId]NodeKind
	stats map[NodeId]*DroneStats
}

func NewTopology(self NodeId, kind NodeKind) *Topology {
	t := &Topology{
		self:  self,
		adj:   make(map[NodeId]map[NodeId]struct{}),
		kinds: make(map[NodeId]NodeKind),
		stats: make(map[NodeId]*DroneStats),
	}
	t.adj[self] = make(map[NodeId]struct{})
	t.kinds[self] = kind
	return t
}

func (t *Topology) Self() NodeId {
	return t.self
}

func (t *Topology) HasNode(n NodeId) bool {
	_, ok := t.adj[n]
	return ok
}

func (t *Topology) KindOf(n NodeId) (NodeKind, bool) {
	k, ok := t.kinds[n]
	return k, ok
}

// SetKind records what kind of node n is. Kinds only ever get more specific;
// merging an already-known node is a no-op.
func (t *Topology) SetKind(n NodeId, k NodeKind) {
	if _, ok := t.kinds[n]; !ok {
		t.kinds[n] = k
	}
}

func (t *Topology) ensure(n NodeId) {
	if _, ok := t.adj[n]; !ok {
		t.adj[n] = make(map[NodeId]struct{})
	}
}

// AddEdge inserts the undirected edge a-b, creating either endpoint if it is
// new. Returns true if the edge was not already known.
func (t *Topology) AddEdge(a, b NodeId) bool {
	if a == b {
		return false
	}
	t.ensure(a)
	t.ensure(b)
	if _, ok := t.adj[a][b]; ok {
		return false
	}
	t.adj[a][b] = struct{}{}
	t.adj[b][a] = struct{}{}
	return true
}

// RemoveEdge deletes the undirected edge a-b. A node left with no edges stays
// in the graph; only discovery decides what exists, commands only cut links.
func (t *Topology) RemoveEdge(a, b NodeId) bool {
	if _, ok := t.adj[a][b]; !ok {
		return false
	}
	delete(t.adj[a], b)
	delete(t.adj[b], a)
	return true
}

// RemoveNode drops a node and every edge touching it, for peers reported
// crashed by the orchestrator.
func (t *Topology) RemoveNode(n NodeId) bool {
	if n == t.self {
		return false
	}
	neigh, ok := t.adj[n]
	if !ok {
		return false
	}
	for m := range neigh {
		delete(t.adj[m], n)
	}
	delete(t.adj, n)
	delete(t.kinds, n)
	delete(t.stats, n)
	return true
}

// MergeTrace folds a flood trace into the graph: every consecutive pair
// becomes an edge, every hop gets its kind tagged. Returns true if anything
// new was learned. Merging known information is a no-op, so repeated floods
// only ever add.
func (t *Topology) MergeTrace(trace []FloodHop) bool {
	changed := false
	for i, hop := range trace {
		if !t.HasNode(hop.Id) {
			changed = true
		}
		t.ensure(hop.Id)
		t.SetKind(hop.Id, hop.Kind)
		if hop.Kind == KindDrone {
			if _, ok := t.stats[hop.Id]; !ok {
				t.stats[hop.Id] = &DroneStats{}
			}
		}
		if i > 0 {
			if t.AddEdge(trace[i-1].Id, hop.Id) {
				changed = true
			}
		}
	}
	return changed
}

// Neighbors returns the direct neighbors of n in ascending NodeId order.
// Sorted iteration keeps path computation deterministic.
func (t *Topology) Neighbors(n NodeId) []NodeId {
	set, ok := t.adj[n]
	if !ok {
		return nil
	}
	out := make([]NodeId, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b NodeId) int { return cmp.Compare(a, b) })
	return out
}

func (t *Topology) HasEdge(a, b NodeId) bool {
	_, ok := t.adj[a][b]
	return ok
}

// EdgeCount reports the number of distinct undirected edges known.
func (t *Topology) EdgeCount() int {
	total := 0
	for _, set := range t.adj {
		total += len(set)
	}
	return total / 2
}

// Stats returns the forwarding statistics for a drone, or nil for nodes we
// keep no stats on.
func (t *Topology) Stats(n NodeId) *DroneStats {
	return t.stats[n]
}

// ObserveTraversal records the fate of a packet at each drone along the used
// prefix of a path. droppedAt names the drone that reported a drop, or "" if
// the packet made it through.
func (t *Topology) ObserveTraversal(path []NodeId, droppedAt NodeId) {
	for _, hop := range path {
		st, ok := t.stats[hop]
		if !ok {
			continue
		}
		if hop == droppedAt {
			st.ObserveDropped()
			return
		}
		st.ObserveForwarded()
	}
}
