// Package loadbalance picks which endpoint serves the next JSON-RPC call.
//
//   - RoundRobin:      equal-capacity nodes
//   - WeightedRandom:  nodes of different size
//   - ConsistentHash:  the same method always lands on the same node, which
//     keeps per-node caches warm for read-heavy methods
package loadbalance

import (
	"fmt"

	"mini-jsonrpc/registry"
)

// Balancer is called on every call and must be goroutine-safe.
// key is the JSON-RPC method name; strategies that do not need it ignore it.
type Balancer interface {
	Pick(key string, endpoints []registry.Endpoint) (*registry.Endpoint, error)
	Name() string
}

var errNoEndpoints = fmt.Errorf("no endpoints available")

func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
