package middleware

import (
	"context"
	"time"

	"mini-jsonrpc/message"
	"mini-jsonrpc/rpcerror"
	"mini-jsonrpc/transport"
)

type timeoutTransport struct {
	transport.Transport
	timeout time.Duration
}

// TimeOutMiddleware bounds every round trip by timeout, on top of whatever
// deadline the caller's context already has.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next transport.Transport) transport.Transport {
		return &timeoutTransport{Transport: next, timeout: timeout}
	}
}

type timeoutResult struct {
	resps []*message.Response
	err   error
}

func (t *timeoutTransport) SendRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	resps, err := t.run(ctx, func(ctx context.Context) ([]*message.Response, error) {
		resp, err := t.Transport.SendRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		return []*message.Response{resp}, nil
	})
	if err != nil {
		return nil, err
	}
	return resps[0], nil
}

func (t *timeoutTransport) SendBatch(ctx context.Context, reqs []*message.Request) ([]*message.Response, error) {
	return t.run(ctx, func(ctx context.Context) ([]*message.Response, error) {
		return t.Transport.SendBatch(ctx, reqs)
	})
}

func (t *timeoutTransport) run(ctx context.Context, send func(context.Context) ([]*message.Response, error)) ([]*message.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan timeoutResult, 1)
	go func() {
		resps, err := send(ctx)
		done <- timeoutResult{resps: resps, err: err}
	}()

	select {
	case res := <-done:
		return res.resps, res.err
	case <-ctx.Done():
		return nil, rpcerror.NewTransport(ctx.Err())
	}
}
