package registry

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// StaticRegistry is an in-memory registry. ttl is ignored.
type StaticRegistry struct {
	mu       sync.RWMutex
	services map[string][]Endpoint
	watchers map[string][]chan []Endpoint
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		services: make(map[string][]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

func (r *StaticRegistry) Register(ctx context.Context, serviceName string, endpoint Endpoint, ttl int64) error {
	if endpoint.Addr == "" {
		return errors.New("endpoint address must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.services[serviceName]
	for i := range list {
		if list[i].Addr == endpoint.Addr {
			list[i] = endpoint
			r.notify(serviceName)
			return nil
		}
	}
	r.services[serviceName] = append(list, endpoint)
	r.notify(serviceName)
	return nil
}

func (r *StaticRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.services[serviceName]
	for i := range list {
		if list[i].Addr == addr {
			r.services[serviceName] = append(list[:i:i], list[i+1:]...)
			r.notify(serviceName)
			return nil
		}
	}
	return nil
}

func (r *StaticRegistry) Discover(ctx context.Context, serviceName string) ([]Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Endpoint(nil), r.services[serviceName]...), nil
}

func (r *StaticRegistry) Watch(ctx context.Context, serviceName string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	r.mu.Lock()
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.watchers[serviceName]
		for i, w := range list {
			if w == ch {
				r.watchers[serviceName] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify must be called with mu held. Slow watchers only see the latest list.
func (r *StaticRegistry) notify(serviceName string) {
	snapshot := append([]Endpoint(nil), r.services[serviceName]...)
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}
