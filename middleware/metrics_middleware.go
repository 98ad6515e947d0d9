package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mini-jsonrpc/message"
	"mini-jsonrpc/rpcerror"
	"mini-jsonrpc/transport"
)

const batchMethodLabel = "batch"

// Metrics holds the collectors shared by every transport it decorates.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the client collectors with reg. Pass
// prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jsonrpc",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Round trips by method and outcome (ok, rpc_error or a failure kind).",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jsonrpc",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Round trip latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	for _, c := range []prometheus.Collector{m.requests, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Middleware() Middleware {
	return func(next transport.Transport) transport.Transport {
		return &metricsTransport{Transport: next, metrics: m}
	}
}

type metricsTransport struct {
	transport.Transport
	metrics *Metrics
}

func (t *metricsTransport) SendRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	start := time.Now()
	resp, err := t.Transport.SendRequest(ctx, req)
	t.metrics.duration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())

	outcome := "ok"
	switch {
	case err != nil:
		outcome = rpcerror.KindOf(err).String()
	case resp.Error != nil:
		outcome = "rpc_error"
	}
	t.metrics.requests.WithLabelValues(req.Method, outcome).Inc()
	return resp, err
}

func (t *metricsTransport) SendBatch(ctx context.Context, reqs []*message.Request) ([]*message.Response, error) {
	start := time.Now()
	resps, err := t.Transport.SendBatch(ctx, reqs)
	t.metrics.duration.WithLabelValues(batchMethodLabel).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if err != nil {
		outcome = rpcerror.KindOf(err).String()
	}
	t.metrics.requests.WithLabelValues(batchMethodLabel, outcome).Inc()
	return resps, err
}
