package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"mini-jsonrpc/codec"
	"mini-jsonrpc/loadbalance"
	"mini-jsonrpc/message"
	"mini-jsonrpc/registry"
	"mini-jsonrpc/rpcerror"
)

// stubTransport answers every call with its own address, or with err when set.
type stubTransport struct {
	addr   string
	err    error
	closed atomic.Bool
}

func (s *stubTransport) SendRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return message.NewResult(req.ID, []byte(`"`+s.addr+`"`)), nil
}

func (s *stubTransport) SendBatch(ctx context.Context, reqs []*message.Request) ([]*message.Response, error) {
	resps := make([]*message.Response, len(reqs))
	for i, req := range reqs {
		resps[i] = message.NewResult(req.ID, []byte(`"`+s.addr+`"`))
	}
	return resps, nil
}

func (s *stubTransport) Target() string { return s.addr }

func (s *stubTransport) Close() error {
	s.closed.Store(true)
	return nil
}

type countingDialer struct {
	mu    sync.Mutex
	dials map[string]int
	made  []*stubTransport
}

func (d *countingDialer) dial(ctx context.Context, ep registry.Endpoint) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials == nil {
		d.dials = make(map[string]int)
	}
	d.dials[ep.Addr]++
	st := &stubTransport{addr: ep.Addr}
	d.made = append(d.made, st)
	return st, nil
}

func newTestRegistry(t *testing.T, addrs ...string) *registry.StaticRegistry {
	t.Helper()
	reg := registry.NewStaticRegistry()
	for _, addr := range addrs {
		require.NoError(t, reg.Register(context.Background(), "eth", registry.Endpoint{Addr: addr, Weight: 1}, 0))
	}
	return reg
}

func TestDiscoveryTransportRoundRobin(t *testing.T) {
	reg := newTestRegistry(t, "http://a:8545", "http://b:8545")
	dialer := &countingDialer{}
	dt := NewDiscoveryTransport("eth", reg, &loadbalance.RoundRobinBalancer{}, dialer.dial)
	defer dt.Close()
	require.Equal(t, "discovery://eth?balancer=RoundRobin", dt.Target())

	var got []string
	for i := 1; i <= 4; i++ {
		resp, err := dt.SendRequest(context.Background(), mustRequest(t, "eth_blockNumber", nil, uint64(i)))
		require.NoError(t, err)
		got = append(got, string(resp.Result))
	}
	require.Equal(t, []string{`"http://a:8545"`, `"http://b:8545"`, `"http://a:8545"`, `"http://b:8545"`}, got)
	require.Equal(t, map[string]int{"http://a:8545": 1, "http://b:8545": 1}, dialer.dials)

	require.NoError(t, dt.Close())
	for _, st := range dialer.made {
		require.True(t, st.closed.Load())
	}
}

func TestDiscoveryTransportBatchUsesFirstMethod(t *testing.T) {
	reg := newTestRegistry(t, "http://a:8545", "http://b:8545", "http://c:8545")
	dialer := &countingDialer{}
	dt := NewDiscoveryTransport("eth", reg, loadbalance.NewConsistentHashBalancer(), dialer.dial)
	defer dt.Close()

	var first string
	for i := 0; i < 3; i++ {
		resps, err := dt.SendBatch(context.Background(), []*message.Request{
			mustRequest(t, "eth_getBalance", nil, 1),
			mustRequest(t, "eth_chainId", nil, 2),
		})
		require.NoError(t, err)
		require.Len(t, resps, 2)
		if first == "" {
			first = string(resps[0].Result)
		}
		require.Equal(t, first, string(resps[1].Result))
	}
	require.Len(t, dialer.made, 1)
}

func TestDiscoveryTransportFailures(t *testing.T) {
	empty := NewDiscoveryTransport("eth", registry.NewStaticRegistry(), &loadbalance.RoundRobinBalancer{}, (&countingDialer{}).dial)
	defer empty.Close()
	_, err := empty.SendRequest(context.Background(), mustRequest(t, "m", nil, 1))
	require.ErrorIs(t, err, rpcerror.ErrTransport)

	broken := NewDiscoveryTransport("eth", newTestRegistry(t, "http://a:8545"), &loadbalance.RoundRobinBalancer{},
		func(ctx context.Context, ep registry.Endpoint) (Transport, error) {
			return nil, errors.New("connection refused")
		})
	defer broken.Close()
	_, err = broken.SendRequest(context.Background(), mustRequest(t, "m", nil, 1))
	require.ErrorIs(t, err, rpcerror.ErrTransport)
	require.Contains(t, err.Error(), "connection refused")

	_, err = broken.SendBatch(context.Background(), nil)
	require.ErrorIs(t, err, rpcerror.ErrEmptyBatch)
}

// countingRegistry counts Discover calls.
type countingRegistry struct {
	*registry.StaticRegistry
	discovers atomic.Int32
}

func (r *countingRegistry) Discover(ctx context.Context, serviceName string) ([]registry.Endpoint, error) {
	r.discovers.Add(1)
	return r.StaticRegistry.Discover(ctx, serviceName)
}

func knownEndpoints(dt *DiscoveryTransport) int {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	return len(dt.endpoints)
}

func TestDiscoveryTransportFollowsWatch(t *testing.T) {
	reg := &countingRegistry{StaticRegistry: newTestRegistry(t, "http://a:8545")}
	dialer := &countingDialer{}
	dt := NewDiscoveryTransport("eth", reg, &loadbalance.RoundRobinBalancer{}, dialer.dial)
	defer dt.Close()

	for i := 1; i <= 5; i++ {
		resp, err := dt.SendRequest(context.Background(), mustRequest(t, "eth_chainId", nil, uint64(i)))
		require.NoError(t, err)
		require.Equal(t, `"http://a:8545"`, string(resp.Result))
	}
	require.Equal(t, int32(1), reg.discovers.Load())

	require.NoError(t, reg.Register(context.Background(), "eth", registry.Endpoint{Addr: "http://b:8545", Weight: 1}, 0))
	require.Eventually(t, func() bool { return knownEndpoints(dt) == 2 }, time.Second, 5*time.Millisecond)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		resp, err := dt.SendRequest(context.Background(), mustRequest(t, "eth_chainId", nil, 1))
		require.NoError(t, err)
		seen[string(resp.Result)] = true
	}
	require.True(t, seen[`"http://b:8545"`])
	require.Equal(t, int32(1), reg.discovers.Load())
}

func TestDiscoveryTransportEvictsRemovedEndpoint(t *testing.T) {
	reg := newTestRegistry(t, "http://a:8545", "http://b:8545")
	dialer := &countingDialer{}
	dt := NewDiscoveryTransport("eth", reg, &loadbalance.RoundRobinBalancer{}, dialer.dial)
	defer dt.Close()

	for i := 1; i <= 2; i++ {
		_, err := dt.SendRequest(context.Background(), mustRequest(t, "m", nil, uint64(i)))
		require.NoError(t, err)
	}
	require.Len(t, dialer.made, 2)
	removed := dialer.made[0]
	require.Equal(t, "http://a:8545", removed.addr)

	require.NoError(t, reg.Deregister(context.Background(), "eth", "http://a:8545"))
	require.Eventually(t, removed.closed.Load, time.Second, 5*time.Millisecond)

	for i := 1; i <= 3; i++ {
		resp, err := dt.SendRequest(context.Background(), mustRequest(t, "m", nil, uint64(i)))
		require.NoError(t, err)
		require.Equal(t, `"http://b:8545"`, string(resp.Result))
	}
	require.False(t, dialer.made[1].closed.Load())
}

func TestDiscoveryTransportRedialsAfterFailure(t *testing.T) {
	reg := newTestRegistry(t, "tcp://a:9000")

	var dials atomic.Int32
	var first *TCPTransport
	dt := NewDiscoveryTransport("eth", reg, &loadbalance.RoundRobinBalancer{},
		func(ctx context.Context, ep registry.Endpoint) (Transport, error) {
			if dials.Add(1) == 1 {
				tr, peer := newPipeTransport(t, codec.CodecTypeJSON)
				peer.conn.Close()
				first = tr
				return tr, nil
			}
			return &stubTransport{addr: ep.Addr}, nil
		})
	defer dt.Close()

	_, err := dt.SendRequest(context.Background(), mustRequest(t, "m", nil, 1))
	require.ErrorIs(t, err, rpcerror.ErrTransport)

	resp, err := dt.SendRequest(context.Background(), mustRequest(t, "m", nil, 2))
	require.NoError(t, err)
	require.Equal(t, `"tcp://a:9000"`, string(resp.Result))
	require.Equal(t, int32(2), dials.Load())

	_, err = first.SendRequest(context.Background(), mustRequest(t, "m", nil, 3))
	require.ErrorIs(t, err, rpcerror.ErrTransport)
}

func TestDiscoveryTransportKeepsTransportOnCallerErrors(t *testing.T) {
	reg := newTestRegistry(t, "http://a:8545")
	dialer := &countingDialer{}
	dt := NewDiscoveryTransport("eth", reg, &loadbalance.RoundRobinBalancer{},
		func(ctx context.Context, ep registry.Endpoint) (Transport, error) {
			tr, err := dialer.dial(ctx, ep)
			tr.(*stubTransport).err = rpcerror.NewTransport(context.DeadlineExceeded)
			return tr, err
		})
	defer dt.Close()

	for i := 1; i <= 3; i++ {
		_, err := dt.SendRequest(context.Background(), mustRequest(t, "m", nil, uint64(i)))
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
	require.Len(t, dialer.made, 1)
	require.False(t, dialer.made[0].closed.Load())
}
