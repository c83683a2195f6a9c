package core

import (
	"slices"
	"time"

	"github.com/encodeous/skymesh/state"
	"github.com/jellydator/ttlcache/v3"
)

type floodKey struct {
	Initiator state.NodeId
	FloodId   uint64
}

// FloodCoordinator drives topology discovery. The initiator broadcasts a
// FloodRequest through its neighbors; drones extend the trace and re-broadcast,
// endpoints answer with a FloodResponse carrying the accumulated trace, and
// every consecutive trace pair merges into the topology store.
type FloodCoordinator struct {
	nextFlood uint64
	seen      *ttlcache.Cache[floodKey, struct{}]
}

func NewFloodCoordinator() *FloodCoordinator {
	f := &FloodCoordinator{
		seen: ttlcache.New[floodKey, struct{}](
			ttlcache.WithTTL[floodKey, struct{}](30*time.Second),
			ttlcache.WithDisableTouchOnHit[floodKey, struct{}](),
		),
	}
	go f.seen.Start()
	return f
}

func (f *FloodCoordinator) Stop() {
	f.seen.Stop()
}

// StartDiscovery sends a fresh FloodRequest to every known neighbor. With no
// neighbors yet there is nothing to flood through, and the caller has to wait
// for the orchestrator to attach an edge.
func (f *FloodCoordinator) StartDiscovery(s *state.State) error {
	self := s.Topology.Self()
	neighbors := s.Topology.Neighbors(self)
	if len(neighbors) == 0 {
		return ErrNoKnownNeighbors
	}
	kind, _ := s.Topology.KindOf(self)
	floodId := f.nextFlood
	f.nextFlood++
	f.seen.Set(floodKey{Initiator: self, FloodId: floodId}, struct{}{}, ttlcache.DefaultTTL)

	e := engineOf(s)
	pkt := &state.Packet{
		Session: floodId,
		Req: &state.FloodRequest{
			FloodId:   floodId,
			Initiator: self,
			Trace:     []state.FloodHop{{Id: self, Kind: kind}},
		},
	}
	s.Log.Debug("starting discovery", "flood", floodId, "neighbors", len(neighbors))
	for _, n := range neighbors {
		e.transmit(s, n, pkt)
	}
	return nil
}

// OnFloodRequest handles a discovery request reaching this endpoint. An
// endpoint terminates the flood: it appends itself to the trace and answers
// back along the reverse of that trace. Requests that already carry our id
// have looped and are dropped.
func (f *FloodCoordinator) OnFloodRequest(s *state.State, req *state.FloodRequest) {
	self := s.Topology.Self()
	if slices.ContainsFunc(req.Trace, func(h state.FloodHop) bool { return h.Id == self }) {
		s.Log.Debug("dropping cyclic flood request", "flood", req.FloodId, "initiator", req.Initiator)
		return
	}
	key := floodKey{Initiator: req.Initiator, FloodId: req.FloodId}
	if f.seen.Has(key) {
		s.Log.Debug("dropping duplicate flood request", "flood", req.FloodId, "initiator", req.Initiator)
		return
	}
	f.seen.Set(key, struct{}{}, ttlcache.DefaultTTL)

	kind, _ := s.Topology.KindOf(self)
	trace := append(slices.Clone(req.Trace), state.FloodHop{Id: self, Kind: kind})

	// the response retraces the request's path back to the initiator
	hops := make([]state.NodeId, 0, len(trace))
	for i := len(trace) - 1; i >= 0; i-- {
		hops = append(hops, trace[i].Id)
	}
	if hops[len(hops)-1] != req.Initiator {
		hops = append(hops, req.Initiator)
	}

	// the request's own trace is fresh topology too
	f.merge(s, trace)

	e := engineOf(s)
	resp := &state.Packet{
		Session: e.sessions.NextId(),
		Header:  state.Header{Hops: hops, HopIndex: 1},
		Resp: &state.FloodResponse{
			FloodId: req.FloodId,
			Trace:   trace,
		},
	}
	if len(hops) > 1 {
		e.transmit(s, hops[1], resp)
	}
}

// OnFloodResponse merges the response trace into the topology store, then
// forwards the response one hop further back if we are not its initiator.
// A stale response from a finished round is merged the same way; discovery
// only ever adds information.
func (f *FloodCoordinator) OnFloodResponse(s *state.State, pkt *state.Packet) {
	f.merge(s, pkt.Resp.Trace)

	self := s.Topology.Self()
	if pkt.Header.Destination() == self {
		return
	}
	next, ok := pkt.Header.NextHop()
	if !ok {
		return
	}
	fwd := *pkt
	fwd.Header.HopIndex++
	engineOf(s).transmit(s, next, &fwd)
}

func (f *FloodCoordinator) merge(s *state.State, trace []state.FloodHop) {
	if s.Topology.MergeTrace(trace) {
		s.Log.Debug("topology updated from flood trace", "edges", s.Topology.EdgeCount())
		engineOf(s).onTopologyUpdate(s)
	}
}
