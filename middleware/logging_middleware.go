package middleware

import (
	"context"
	"time"

	"github.com/inconshreveable/log15"

	"mini-jsonrpc/message"
	"mini-jsonrpc/rpcerror"
	"mini-jsonrpc/transport"
)

type loggingTransport struct {
	transport.Transport
	logger log15.Logger
}

// LoggingMiddleware writes one line per round trip. Failures are logged at
// warn, everything else at debug.
func LoggingMiddleware(logger log15.Logger) Middleware {
	return func(next transport.Transport) transport.Transport {
		return &loggingTransport{Transport: next, logger: logger}
	}
}

func (l *loggingTransport) SendRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	start := time.Now()
	resp, err := l.Transport.SendRequest(ctx, req)
	duration := time.Since(start)

	if err != nil {
		l.logger.Warn("request failed", "method", req.Method, "id", req.ID, "target", l.Target(), "duration", duration, "kind", rpcerror.KindOf(err), "err", err)
		return nil, err
	}
	if resp.Error != nil {
		l.logger.Debug("request returned error", "method", req.Method, "id", req.ID, "target", l.Target(), "duration", duration, "code", resp.Error.Code)
		return resp, nil
	}
	l.logger.Debug("request", "method", req.Method, "id", req.ID, "target", l.Target(), "duration", duration)
	return resp, nil
}

func (l *loggingTransport) SendBatch(ctx context.Context, reqs []*message.Request) ([]*message.Response, error) {
	start := time.Now()
	resps, err := l.Transport.SendBatch(ctx, reqs)
	duration := time.Since(start)

	if err != nil {
		l.logger.Warn("batch failed", "size", len(reqs), "target", l.Target(), "duration", duration, "kind", rpcerror.KindOf(err), "err", err)
		return nil, err
	}
	l.logger.Debug("batch", "size", len(reqs), "replies", len(resps), "target", l.Target(), "duration", duration)
	return resps, nil
}
