// Package middleware decorates a transport.Transport with cross-cutting
// behaviour: access logging, per-call timeouts, retries of transport
// failures, rate limiting, Prometheus metrics and a response cache for
// idempotent methods.
//
// Decorators sit between the client and the wire, so they see requests that
// already carry their nonce and responses before any id checking happens.
package middleware

import "mini-jsonrpc/transport"

type Middleware func(next transport.Transport) transport.Transport

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next transport.Transport) transport.Transport {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
