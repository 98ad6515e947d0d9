package middleware

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"mini-jsonrpc/message"
	"mini-jsonrpc/rpcerror"
	"mini-jsonrpc/transport"
)

type rateLimitTransport struct {
	transport.Transport
	limiter *rate.Limiter
}

// RateLimitMiddleware admits r round trips per second with bursts of burst.
// A batch costs one token. Callers wait for a token until their context ends.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next transport.Transport) transport.Transport {
		return &rateLimitTransport{Transport: next, limiter: limiter}
	}
}

func (l *rateLimitTransport) SendRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.Transport.SendRequest(ctx, req)
}

func (l *rateLimitTransport) SendBatch(ctx context.Context, reqs []*message.Request) ([]*message.Response, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.Transport.SendBatch(ctx, reqs)
}

func (l *rateLimitTransport) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return rpcerror.NewTransport(ctx.Err())
		}
		return rpcerror.NewTransport(errors.Wrap(err, "rate limit exceeded"))
	}
	return nil
}
