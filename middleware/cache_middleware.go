package middleware

import (
	"context"
	"time"

	"github.com/inconshreveable/log15"

	"mini-jsonrpc/message"
	"mini-jsonrpc/transport"
)

// Cacher stores raw results. Get returns nil, nil on a miss.
type Cacher interface {
	Get(key string) ([]byte, error)
	SetEx(key string, value []byte, expiration time.Duration) error
}

type cacheTransport struct {
	transport.Transport
	cacher  Cacher
	ttl     time.Duration
	methods map[string]bool
	logger  log15.Logger
}

// CacheMiddleware answers single requests for the listed methods from cacher
// when it can. Only successful results are stored, keyed by method and params;
// a hit is returned under the id of the request being answered. Batches are
// never cached.
func CacheMiddleware(cacher Cacher, ttl time.Duration, logger log15.Logger, methods ...string) Middleware {
	set := make(map[string]bool, len(methods))
	for _, m := range methods {
		set[m] = true
	}
	return func(next transport.Transport) transport.Transport {
		return &cacheTransport{Transport: next, cacher: cacher, ttl: ttl, methods: set, logger: logger}
	}
}

func cacheKey(req *message.Request) string {
	return "jsonrpc:" + req.Method + ":" + string(req.Params)
}

func (c *cacheTransport) SendRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	if !c.methods[req.Method] {
		return c.Transport.SendRequest(ctx, req)
	}

	key := cacheKey(req)
	cached, err := c.cacher.Get(key)
	if err != nil {
		c.logger.Warn("cache lookup failed", "method", req.Method, "err", err)
	} else if cached != nil {
		c.logger.Debug("cache hit", "method", req.Method, "id", req.ID)
		return message.NewResult(req.ID, cached), nil
	}

	resp, err := c.Transport.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error == nil && resp.ID == req.ID && resp.VersionOK() {
		if err := c.cacher.SetEx(key, resp.Result, c.ttl); err != nil {
			c.logger.Warn("cache store failed", "method", req.Method, "err", err)
		}
	}
	return resp, nil
}
