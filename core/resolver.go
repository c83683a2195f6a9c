package core

import (
	"container/heap"
	"errors"
	"slices"

	"github.com/encodeous/skymesh/state"
	"github.com/jellydator/ttlcache/v3"
)

var (
	ErrNoPathKnown      = errors.New("no path known to destination")
	ErrNoKnownNeighbors = errors.New("no known neighbors")
)

// Resolver computes source-routed hop lists over the node's partial topology
// view and memoizes the last usable path per destination. Paths route only
// through drones; clients and servers never forward.
type Resolver struct {
	costAware bool
	cache     *ttlcache.Cache[state.NodeId, []state.NodeId]
}

func NewResolver(costAware bool, cacheTTL ttlcache.Option[state.NodeId, []state.NodeId]) *Resolver {
	r := &Resolver{
		costAware: costAware,
		cache: ttlcache.New[state.NodeId, []state.NodeId](
			cacheTTL,
			ttlcache.WithDisableTouchOnHit[state.NodeId, []state.NodeId](),
		),
	}
	go r.cache.Start()
	return r
}

func (r *Resolver) Stop() {
	r.cache.Stop()
}

// Resolve returns a hop list from self to dest, cached or freshly computed.
// The computation is a pure function of the topology store, so repeated calls
// without topology changes return the same path.
func (r *Resolver) Resolve(topo *state.Topology, dest state.NodeId) ([]state.NodeId, error) {
	if item := r.cache.Get(dest); item != nil {
		return item.Value(), nil
	}
	path, err := r.compute(topo, dest)
	if err != nil {
		return nil, err
	}
	r.cache.Set(dest, path, ttlcache.DefaultTTL)
	return path, nil
}

// Invalidate drops the cached path for dest if it routes through hop. The
// next send re-resolves, and keeps failing with ErrNoPathKnown until a new
// discovery round fills the topology back in.
func (r *Resolver) Invalidate(dest, hop state.NodeId) {
	item := r.cache.Get(dest)
	if item == nil {
		return
	}
	if slices.Contains(item.Value(), hop) {
		r.cache.Delete(dest)
	}
}

// InvalidateThrough drops every cached path routing through hop, for edge
// removals and crashed drones.
func (r *Resolver) InvalidateThrough(hop state.NodeId) {
	for dest, item := range r.cache.Items() {
		if slices.Contains(item.Value(), hop) {
			r.cache.Delete(dest)
		}
	}
}

// InvalidateEdge drops every cached path traversing the undirected edge a-b.
func (r *Resolver) InvalidateEdge(a, b state.NodeId) {
	for dest, item := range r.cache.Items() {
		path := item.Value()
		for i := 1; i < len(path); i++ {
			if (path[i-1] == a && path[i] == b) || (path[i-1] == b && path[i] == a) {
				r.cache.Delete(dest)
				break
			}
		}
	}
}

// Flush empties the path cache entirely.
func (r *Resolver) Flush() {
	r.cache.DeleteAll()
}

// candidate orders the search frontier. Ties on cost break by hop count,
// then by ascending NodeId at the first diverging hop, which keeps resolve
// deterministic for equal-cost paths.
type candidate struct {
	cost float64
	path []state.NodeId
}

func (a candidate) less(b candidate) bool {
	if a.cost != b.cost {
		return a.cost < b.cost
	}
	if len(a.path) != len(b.path) {
		return len(a.path) < len(b.path)
	}
	return slices.Compare(a.path, b.path) < 0
}

type frontier []candidate

func (f frontier) Len() int            { return len(f) }
func (f frontier) Less(i, j int) bool  { return f[i].less(f[j]) }
func (f frontier) Swap(i, j int)       { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)         { *f = append(*f, x.(candidate)) }
func (f *frontier) Pop() (popped any)  { popped = (*f)[len(*f)-1]; *f = (*f)[:len(*f)-1]; return }

// compute runs a uniform-cost search from self to dest. With costAware unset
// every hop costs 1 and the search degenerates to breadth-first over hop
// count; with it set, traversing a drone costs its observed loss factor.
func (r *Resolver) compute(topo *state.Topology, dest state.NodeId) ([]state.NodeId, error) {
	self := topo.Self()
	if dest == self || !topo.HasNode(dest) {
		return nil, ErrNoPathKnown
	}

	f := &frontier{{cost: 0, path: []state.NodeId{self}}}
	settled := make(map[state.NodeId]struct{})
	for f.Len() > 0 {
		cur := heap.Pop(f).(candidate)
		at := cur.path[len(cur.path)-1]
		if at == dest {
			return cur.path, nil
		}
		if _, done := settled[at]; done {
			continue
		}
		settled[at] = struct{}{}
		// only the first hop leaves self; afterwards traffic may only
		// transit drones
		if at != self {
			if kind, _ := topo.KindOf(at); kind != state.KindDrone {
				continue
			}
		}
		for _, next := range topo.Neighbors(at) {
			if _, done := settled[next]; done {
				continue
			}
			path := append(slices.Clone(cur.path), next)
			heap.Push(f, candidate{cost: cur.cost + r.hopCost(topo, next), path: path})
		}
	}
	return nil, ErrNoPathKnown
}

func (r *Resolver) hopCost(topo *state.Topology, hop state.NodeId) float64 {
	if !r.costAware {
		return 1.0
	}
	return topo.Stats(hop).LossFactor()
}
