package registry

import "context"

// Endpoint is one reachable JSON-RPC peer, e.g. "http://10.0.0.5:8545" or
// "tcp://10.0.0.5:9000".
type Endpoint struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // relative share for weighted balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, endpoint Endpoint, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]Endpoint, error)
	Watch(ctx context.Context, serviceName string) <-chan []Endpoint
}
