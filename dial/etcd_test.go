package dial

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mini-jsonrpc/config"
	"mini-jsonrpc/registry"
)

// Needs a live etcd; set ETCD_ENDPOINTS=127.0.0.1:2379 to run.
func TestFromConfigEtcdDiscovery(t *testing.T) {
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	etcdAddrs := strings.Split(endpoints, ",")

	var hits atomic.Int32
	srv := rpcServer(t, "node", &hits)

	reg, err := registry.NewEtcdRegistry(etcdAddrs, 2*time.Second)
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service := "jrpc-dial-test"
	require.NoError(t, reg.Register(ctx, service, registry.Endpoint{Addr: srv.URL, Weight: 1}, 10))
	defer reg.Deregister(context.Background(), service, srv.URL)

	cfg := &config.Config{
		Headers: map[string]string{"X-Api-Key": "k1"},
		Discovery: &config.DiscoveryConfig{
			Service:       service,
			Registry:      "etcd",
			EtcdEndpoints: etcdAddrs,
			DialTimeout:   2 * time.Second,
			Balancer:      "weighted_random",
		},
	}
	require.NoError(t, config.ValidateConfig(cfg))

	conn, err := FromConfig(ctx, cfg)
	require.NoError(t, err)
	defer conn.Close()

	var got string
	require.NoError(t, conn.CallInto(ctx, "eth_chainId", nil, &got))
	require.Equal(t, "node", got)
	require.Equal(t, int32(1), hits.Load())
}
