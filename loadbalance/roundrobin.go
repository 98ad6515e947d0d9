package loadbalance

import (
	"sync/atomic"

	"mini-jsonrpc/registry"
)

type RoundRobinBalancer struct {
	counter uint64
}

func (b *RoundRobinBalancer) Pick(key string, endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, errNoEndpoints
	}
	index := (atomic.AddUint64(&b.counter, 1) - 1) % uint64(len(endpoints))
	return &endpoints[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
