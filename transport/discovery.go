package transport

import (
	"context"
	"io"
	"sync"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"mini-jsonrpc/loadbalance"
	"mini-jsonrpc/log"
	"mini-jsonrpc/message"
	"mini-jsonrpc/registry"
	"mini-jsonrpc/rpcerror"
)

// Dialer opens a transport to one discovered endpoint.
type Dialer func(ctx context.Context, endpoint registry.Endpoint) (Transport, error)

// DiscoveryTransport lets a balancer pick one endpoint of a service per call,
// keyed by method name, and reuses one transport per address. A batch travels
// as a whole to the endpoint picked for its first method.
//
// The endpoint list is loaded once and then kept current by a registry watch.
// A transport is dropped and closed when its address leaves the registry or
// when a call through it fails at the connection level; the next pick of that
// address dials again.
type DiscoveryTransport struct {
	service  string
	registry registry.Registry
	balancer loadbalance.Balancer
	dial     Dialer

	mu         sync.Mutex
	transports map[string]Transport
	endpoints  []registry.Endpoint
	loaded     bool
	watching   bool

	stopWatch context.CancelFunc
	logger    log15.Logger
}

// NewDiscoveryTransport starts watching service in reg. dial must not be nil;
// dial.Endpoint is the usual choice. Close stops the watch.
func NewDiscoveryTransport(service string, reg registry.Registry, bal loadbalance.Balancer, dial Dialer) *DiscoveryTransport {
	ctx, cancel := context.WithCancel(context.Background())
	d := &DiscoveryTransport{
		service:    service,
		registry:   reg,
		balancer:   bal,
		dial:       dial,
		transports: make(map[string]Transport),
		watching:   true,
		stopWatch:  cancel,
		logger:     log.NewLog("transport/discovery"),
	}
	go d.watch(reg.Watch(ctx, service))
	return d
}

func (d *DiscoveryTransport) SendRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	addr, t, err := d.pick(ctx, req.Method)
	if err != nil {
		return nil, err
	}
	resp, err := t.SendRequest(ctx, req)
	if err != nil {
		d.dropOnFailure(addr, t, err)
	}
	return resp, err
}

func (d *DiscoveryTransport) SendBatch(ctx context.Context, reqs []*message.Request) ([]*message.Response, error) {
	if len(reqs) == 0 {
		return nil, emptyBatch()
	}
	addr, t, err := d.pick(ctx, reqs[0].Method)
	if err != nil {
		return nil, err
	}
	resps, err := t.SendBatch(ctx, reqs)
	if err != nil {
		d.dropOnFailure(addr, t, err)
	}
	return resps, err
}

func (d *DiscoveryTransport) Target() string {
	return "discovery://" + d.service + "?balancer=" + d.balancer.Name()
}

// Close stops the registry watch and closes every cached transport that holds
// a connection.
func (d *DiscoveryTransport) Close() error {
	d.stopWatch()

	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for addr, t := range d.transports {
		if err := closeTransport(t); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.transports, addr)
	}
	return firstErr
}

func (d *DiscoveryTransport) watch(updates <-chan []registry.Endpoint) {
	for endpoints := range updates {
		d.logger.Debug("endpoints changed", "service", d.service, "count", len(endpoints))

		live := make(map[string]bool, len(endpoints))
		for _, ep := range endpoints {
			live[ep.Addr] = true
		}

		var stale []Transport
		d.mu.Lock()
		d.endpoints = endpoints
		d.loaded = true
		for addr, t := range d.transports {
			if !live[addr] {
				stale = append(stale, t)
				delete(d.transports, addr)
			}
		}
		d.mu.Unlock()

		for _, t := range stale {
			d.logger.Info("closing transport to removed endpoint", "service", d.service, "target", t.Target())
			closeTransport(t)
		}
	}

	// Without a watch the cached list could go stale, so fall back to asking
	// the registry on every call.
	d.mu.Lock()
	d.watching = false
	d.loaded = false
	d.endpoints = nil
	d.mu.Unlock()
}

func (d *DiscoveryTransport) endpointsFor(ctx context.Context) ([]registry.Endpoint, error) {
	d.mu.Lock()
	if d.loaded {
		endpoints := d.endpoints
		d.mu.Unlock()
		return endpoints, nil
	}
	d.mu.Unlock()

	endpoints, err := d.registry.Discover(ctx, d.service)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// a watch update that landed meanwhile is newer than this answer
	if d.watching && !d.loaded {
		d.endpoints = endpoints
		d.loaded = true
	}
	return endpoints, nil
}

func (d *DiscoveryTransport) pick(ctx context.Context, method string) (string, Transport, error) {
	endpoints, err := d.endpointsFor(ctx)
	if err != nil {
		return "", nil, rpcerror.NewTransport(errors.Wrapf(err, "discover %s", d.service))
	}

	ep, err := d.balancer.Pick(method, endpoints)
	if err != nil {
		return "", nil, rpcerror.NewTransport(errors.Wrapf(err, "pick endpoint for %s", d.service))
	}

	d.mu.Lock()
	t, ok := d.transports[ep.Addr]
	d.mu.Unlock()
	if ok {
		return ep.Addr, t, nil
	}

	d.logger.Debug("dialing endpoint", "service", d.service, "addr", ep.Addr)
	t, err = d.dial(ctx, *ep)
	if err != nil {
		return "", nil, rpcerror.NewTransport(errors.Wrapf(err, "dial %s", ep.Addr))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.transports[ep.Addr]; ok {
		// lost a dial race; keep the first connection
		closeTransport(t)
		return ep.Addr, existing, nil
	}
	d.transports[ep.Addr] = t
	return ep.Addr, t, nil
}

// dropOnFailure forgets t after a connection-level failure. The caller giving
// up (cancel or deadline) says nothing about the connection, nor do protocol
// errors or peer error objects.
func (d *DiscoveryTransport) dropOnFailure(addr string, t Transport, err error) {
	if rpcerror.KindOf(err) != rpcerror.Transport {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	d.mu.Lock()
	current, ok := d.transports[addr]
	if !ok || current != t {
		d.mu.Unlock()
		return
	}
	delete(d.transports, addr)
	d.mu.Unlock()

	d.logger.Warn("dropping failed transport", "service", d.service, "addr", addr, "err", err)
	closeTransport(t)
}

func closeTransport(t Transport) error {
	if c, ok := t.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
