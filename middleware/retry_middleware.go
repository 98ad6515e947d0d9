package middleware

import (
	"context"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"mini-jsonrpc/message"
	"mini-jsonrpc/rpcerror"
	"mini-jsonrpc/transport"
)

type retryTransport struct {
	transport.Transport
	maxRetries int
	baseDelay  time.Duration
	logger     log15.Logger
}

// RetryMiddleware resends a request or batch after a transport failure, up
// to maxRetries times with exponential backoff starting at baseDelay.
// Replies that arrived, error objects included, are never retried, and
// neither is a call whose context has ended.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger log15.Logger) Middleware {
	return func(next transport.Transport) transport.Transport {
		return &retryTransport{Transport: next, maxRetries: maxRetries, baseDelay: baseDelay, logger: logger}
	}
}

func (r *retryTransport) SendRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	var resp *message.Response
	err := r.do(ctx, req.Method, func() error {
		var err error
		resp, err = r.Transport.SendRequest(ctx, req)
		return err
	})
	return resp, err
}

func (r *retryTransport) SendBatch(ctx context.Context, reqs []*message.Request) ([]*message.Response, error) {
	var resps []*message.Response
	err := r.do(ctx, "batch", func() error {
		var err error
		resps, err = r.Transport.SendBatch(ctx, reqs)
		return err
	})
	return resps, err
}

func (r *retryTransport) do(ctx context.Context, method string, send func() error) error {
	err := send()
	for i := 0; i < r.maxRetries; i++ {
		if !retryable(ctx, err) {
			return err
		}

		delay := r.baseDelay * time.Duration(1<<i)
		r.logger.Info("retrying", "method", method, "attempt", i+1, "delay", delay, "target", r.Target(), "err", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		err = send()
	}
	return err
}

func retryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, transport.ErrClosed) {
		return false
	}
	return rpcerror.KindOf(err) == rpcerror.Transport || rpcerror.KindOf(err) == rpcerror.Unknown
}
