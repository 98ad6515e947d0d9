package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStaticRegistry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := NewStaticRegistry()
	updates := reg.Watch(ctx, "eth")

	require.NoError(t, reg.Register(ctx, "eth", Endpoint{Addr: "http://a:8545", Weight: 10}, 0))
	require.NoError(t, reg.Register(ctx, "eth", Endpoint{Addr: "http://b:8545", Weight: 5}, 0))
	require.Error(t, reg.Register(ctx, "eth", Endpoint{}, 0))

	eps, err := reg.Discover(ctx, "eth")
	require.NoError(t, err)
	require.Len(t, eps, 2)

	latest := <-updates
	require.Len(t, latest, 2)

	// re-registering replaces in place
	require.NoError(t, reg.Register(ctx, "eth", Endpoint{Addr: "http://a:8545", Weight: 1}, 0))
	eps, _ = reg.Discover(ctx, "eth")
	require.Len(t, eps, 2)
	require.Equal(t, 1, eps[0].Weight)

	require.NoError(t, reg.Deregister(ctx, "eth", "http://a:8545"))
	eps, _ = reg.Discover(ctx, "eth")
	require.Equal(t, []Endpoint{{Addr: "http://b:8545", Weight: 5}}, eps)

	latest = <-updates
	require.Len(t, latest, 1)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-updates
		return !open
	}, time.Second, 10*time.Millisecond)
}

// Needs a live etcd; set ETCD_ENDPOINTS=127.0.0.1:2379 to run.
func TestEtcdRegisterAndDiscover(t *testing.T) {
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}

	reg, err := NewEtcdRegistry(strings.Split(endpoints, ","), 2*time.Second)
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep1 := Endpoint{Addr: "http://127.0.0.1:18545", Weight: 10, Version: "1.0"}
	ep2 := Endpoint{Addr: "http://127.0.0.1:18546", Weight: 5, Version: "1.0"}
	require.NoError(t, reg.Register(ctx, "eth-test", ep1, 10))
	require.NoError(t, reg.Register(ctx, "eth-test", ep2, 10))

	eps, err := reg.Discover(ctx, "eth-test")
	require.NoError(t, err)
	require.Len(t, eps, 2)

	require.NoError(t, reg.Deregister(ctx, "eth-test", ep1.Addr))
	eps, err = reg.Discover(ctx, "eth-test")
	require.NoError(t, err)
	require.Equal(t, []Endpoint{ep2}, eps)

	require.NoError(t, reg.Deregister(ctx, "eth-test", ep2.Addr))
}
