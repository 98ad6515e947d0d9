// Package registry tells the client where the JSON-RPC peers of a service live.
//
// EtcdRegistry keeps endpoints under a key prefix with TTL leases, so a node
// that stops renewing drops out on its own:
//
//	Key:   /jsonrpc/{ServiceName}/{Addr}
//	Value: JSON-encoded Endpoint
//
// StaticRegistry serves a fixed list from configuration.
package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	"mini-jsonrpc/log"
)

const KeyPrefix = "/jsonrpc/"

type EtcdRegistry struct {
	client *clientv3.Client
	logger log15.Logger
}

func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	return &EtcdRegistry{client: c, logger: log.NewLog("registry/etcd")}, nil
}

func servicePrefix(serviceName string) string {
	return KeyPrefix + serviceName + "/"
}

// Register stores endpoint under a lease of ttl seconds and keeps the lease
// alive until ctx is done.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, endpoint Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}

	val, err := json.Marshal(endpoint)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, servicePrefix(serviceName)+endpoint.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return errors.Wrap(err, "put endpoint")
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return errors.Wrap(err, "keep lease alive")
	}
	go func() {
		for range ch {
		}
	}()
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	_, err := r.client.Delete(ctx, servicePrefix(serviceName)+addr)
	return errors.Wrap(err, "delete endpoint")
}

func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "list endpoints")
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.Warn("skipping malformed endpoint", "key", string(kv.Key), "err", err)
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch emits the full endpoint list after every change under the service
// prefix. The channel closes when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
		for range watchChan {
			endpoints, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("refresh after watch event failed", "service", serviceName, "err", err)
				continue
			}
			select {
			case ch <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
