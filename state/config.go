package state

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Role is the configured behavior of an endpoint. Clients route cost-aware;
// both server roles route by hop count. Drones only appear in the central
// config so the simulator knows what to spawn.
type Role string

const (
	RoleClient        Role = "client"
	RoleCommunication Role = "communication"
	RoleContent       Role = "content"
	RoleDrone         Role = "drone"
)

func (r Role) Kind() NodeKind {
	switch r {
	case RoleDrone:
		return KindDrone
	case RoleClient:
		return KindClient
	default:
		return KindServer
	}
}

// NodeCfg describes one participant of the network.
type NodeCfg struct {
	Id   NodeId
	Role Role
	// LossRate is the simulated packet drop probability of a drone,
	// consumed only by the fault-injecting link layer.
	LossRate float64 `yaml:"loss_rate,omitempty"`
}

// CentralCfg is the network-global configuration shared by all nodes.
type CentralCfg struct {
	Nodes []NodeCfg
	// Graph lists initial adjacency chains, e.g. "c1, d1, d2, s1" wires
	// c1-d1, d1-d2 and d2-s1.
	Graph []string
}

// LocalCfg represents node-level configuration
type LocalCfg struct {
	Id            NodeId
	FragmentSize  int           `yaml:"fragment_size,omitempty"`
	RetryBound    int           `yaml:"retry_bound,omitempty"`
	RefloodEvery  int           `yaml:"reflood_every,omitempty"`
	PathCacheTTL  time.Duration `yaml:"path_cache_ttl,omitempty"`
	ReassemblyTTL time.Duration `yaml:"reassembly_ttl,omitempty"`
	LogPath       string        `yaml:"log_path,omitempty"` // if not empty, skymesh will also write logs to this file
}

// ApplyDefaults fills unset tunables with the package defaults.
func (c *LocalCfg) ApplyDefaults() {
	if c.FragmentSize <= 0 {
		c.FragmentSize = DefaultFragmentSize
	}
	if c.RetryBound <= 0 {
		c.RetryBound = DefaultRetryBound
	}
	if c.RefloodEvery <= 0 {
		c.RefloodEvery = DefaultRefloodEvery
	}
	if c.PathCacheTTL <= 0 {
		c.PathCacheTTL = DefaultPathCacheTTL
	}
	if c.ReassemblyTTL <= 0 {
		c.ReassemblyTTL = DefaultReassemblyTTL
	}
}

func (c *CentralCfg) GetNode(id NodeId) (NodeCfg, error) {
	idx := slices.IndexFunc(c.Nodes, func(cfg NodeCfg) bool {
		return cfg.Id == id
	})
	if idx == -1 {
		return NodeCfg{}, fmt.Errorf("node %s not found in central config", id)
	}
	return c.Nodes[idx], nil
}

// ParseGraph expands the adjacency chains into explicit edges.
func (c *CentralCfg) ParseGraph() ([]Pair[NodeId, NodeId], error) {
	edges := make([]Pair[NodeId, NodeId], 0)
	for _, line := range c.Graph {
		spl := strings.Split(strings.TrimSpace(line), ",")
		chain := make([]NodeId, 0, len(spl))
		for _, part := range spl {
			id := NodeId(strings.TrimSpace(part))
			if id == "" {
				continue
			}
			if _, err := c.GetNode(id); err != nil {
				return nil, fmt.Errorf("graph line %q: %w", line, err)
			}
			chain = append(chain, id)
		}
		if len(chain) < 2 {
			return nil, fmt.Errorf("graph line %q must name at least two nodes", line)
		}
		for i := 1; i < len(chain); i++ {
			edges = append(edges, Pair[NodeId, NodeId]{chain[i-1], chain[i]})
		}
	}
	return edges, nil
}
