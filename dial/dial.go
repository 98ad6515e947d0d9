// Package dial assembles a ready-to-use client from a config.Config: the
// transport (direct or through service discovery), the middleware chain and
// the client options.
package dial

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"mini-jsonrpc/client"
	"mini-jsonrpc/codec"
	"mini-jsonrpc/config"
	"mini-jsonrpc/loadbalance"
	"mini-jsonrpc/log"
	"mini-jsonrpc/middleware"
	"mini-jsonrpc/registry"
	"mini-jsonrpc/transport"
)

// Conn is a client together with the connections and caches behind it.
type Conn struct {
	*client.Client
	closers []io.Closer
}

// Close releases everything FromConfig opened, innermost last.
func (c *Conn) Close() error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type options struct {
	registerer prometheus.Registerer
	logger     log15.Logger
}

type Option func(*options)

// WithRegisterer sets where metrics collectors go when enable_prometheus is
// on. Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

func WithLogger(logger log15.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

// FromConfig dials the configured target. cfg should already have passed
// config.ValidateConfig.
func FromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Conn, error) {
	o := &options{
		registerer: prometheus.DefaultRegisterer,
		logger:     log.NewLog("dial"),
	}
	for _, opt := range opts {
		opt(o)
	}

	conn := &Conn{}
	fail := func(err error) (*Conn, error) {
		conn.Close()
		return nil, err
	}

	var base transport.Transport
	if cfg.Discovery != nil {
		reg, closer, err := newRegistry(ctx, cfg.Discovery)
		if err != nil {
			return fail(err)
		}
		if closer != nil {
			conn.closers = append(conn.closers, closer)
		}

		bal, err := loadbalance.New(cfg.Discovery.Balancer)
		if err != nil {
			return fail(err)
		}

		dt := transport.NewDiscoveryTransport(cfg.Discovery.Service, reg, bal, func(ctx context.Context, ep registry.Endpoint) (transport.Transport, error) {
			return Endpoint(ctx, ep.Addr, cfg)
		})
		conn.closers = append(conn.closers, dt)
		base = dt
	} else {
		t, err := Endpoint(ctx, cfg.Endpoint, cfg)
		if err != nil {
			return fail(err)
		}
		if c, ok := t.(io.Closer); ok {
			conn.closers = append(conn.closers, c)
		}
		base = t
	}

	chain, err := middlewares(cfg, o, conn)
	if err != nil {
		return fail(err)
	}

	clientOpts := []client.Option{client.WithLogger(o.logger.New("target", base.Target()))}
	if cfg.Nonces == "uuid" {
		clientOpts = append(clientOpts, client.WithUUIDNonces())
	}

	conn.Client = client.New(middleware.Chain(chain...)(base), clientOpts...)
	o.logger.Info("client ready", "target", base.Target(), "middlewares", len(chain))
	return conn, nil
}

// middlewares builds the chain outermost first: logging, metrics, cache,
// rate limit, retry, per-attempt timeout.
func middlewares(cfg *config.Config, o *options, conn *Conn) ([]middleware.Middleware, error) {
	chain := []middleware.Middleware{middleware.LoggingMiddleware(log.NewLog("rpc"))}

	if cfg.EnablePrometheus {
		m, err := middleware.NewMetrics(o.registerer)
		if err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
		chain = append(chain, m.Middleware())
	}

	if cfg.Cache != nil {
		cacher := middleware.NewRedisCacher(cfg.Cache.Redis.URL, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB)
		if err := cacher.Start(); err != nil {
			cacher.Stop()
			return nil, errors.Wrapf(err, "connect to redis at %s", cfg.Cache.Redis.URL)
		}
		conn.closers = append(conn.closers, closerFunc(cacher.Stop))
		chain = append(chain, middleware.CacheMiddleware(cacher, cfg.Cache.TTL, log.NewLog("cache"), cfg.Cache.Methods...))
	}

	if cfg.RateLimit.Rate > 0 {
		chain = append(chain, middleware.RateLimitMiddleware(cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}
	if cfg.Retry.MaxRetries > 0 {
		chain = append(chain, middleware.RetryMiddleware(cfg.Retry.MaxRetries, cfg.Retry.BaseDelay, log.NewLog("retry")))
	}
	if cfg.Timeout > 0 {
		chain = append(chain, middleware.TimeOutMiddleware(cfg.Timeout))
	}
	return chain, nil
}

func newRegistry(ctx context.Context, d *config.DiscoveryConfig) (registry.Registry, io.Closer, error) {
	switch d.Registry {
	case "etcd":
		reg, err := registry.NewEtcdRegistry(d.EtcdEndpoints, d.DialTimeout)
		if err != nil {
			return nil, nil, errors.Wrap(err, "connect to etcd")
		}
		return reg, reg, nil
	case "", "static":
		reg := registry.NewStaticRegistry()
		for _, addr := range d.Static {
			if err := reg.Register(ctx, d.Service, registry.Endpoint{Addr: addr, Weight: 1}, 0); err != nil {
				return nil, nil, err
			}
		}
		return reg, nil, nil
	}
	return nil, nil, errors.Errorf("unknown registry %q", d.Registry)
}

// Endpoint opens a transport to one address, applying the headers from cfg
// to HTTP and WebSocket peers.
func Endpoint(ctx context.Context, addr string, cfg *config.Config) (transport.Transport, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid endpoint %q", addr)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		var opts []transport.HTTPOption
		for k, v := range cfg.Headers {
			opts = append(opts, transport.WithHeader(k, v))
		}
		t, err := transport.NewHTTPTransport(addr, opts...)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "ws", "wss":
		header := make(http.Header)
		for k, v := range cfg.Headers {
			header.Add(k, v)
		}
		t, err := transport.DialWS(ctx, addr, header)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "tcp", "tcp+snappy":
		codecName := strings.TrimPrefix(strings.TrimPrefix(u.Scheme, "tcp"), "+")
		ct, err := codec.ParseCodecType(codecName)
		if err != nil {
			return nil, err
		}
		t, err := transport.DialTCP(ctx, u.Host, ct)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, errors.Errorf("unsupported endpoint scheme %q", u.Scheme)
}
