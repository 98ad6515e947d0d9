// Package client correlates JSON-RPC 2.0 responses with the requests that
// caused them.
//
// A Client allocates a fresh id (nonce) for every outgoing request, hands the
// request to a transport.Transport, and checks what comes back: the version
// tag, that the id is one it is waiting for, and, for batches, that no id is
// unknown or repeated and that the reply is not longer than the batch.
// Protocol violations fail the whole call or batch; an error object returned
// by the peer is data and is reported for that one call only.
//
//	c := client.New(t)
//	raw, err := c.Call(ctx, "eth_blockNumber", nil)
//
//	results, err := c.CallBatch(ctx, []client.BatchCall{
//	    {Method: "eth_getBalance", Params: []any{addr, "latest"}},
//	    {Method: "eth_chainId"},
//	})
//
// Every error returned is a *rpcerror.Error.
package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"mini-jsonrpc/log"
	"mini-jsonrpc/message"
	"mini-jsonrpc/rpcerror"
	"mini-jsonrpc/transport"
)

// Client is safe for concurrent use.
type Client struct {
	transport transport.Transport
	nonces    nonceSource
	pending   *pendingTable
	logger    log15.Logger
}

type Option func(*Client)

func WithLogger(logger log15.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithUUIDNonces tags requests with random UUID strings instead of a counter.
func WithUUIDNonces() Option {
	return func(c *Client) {
		c.nonces = uuidNonces{}
	}
}

// WithFirstNonce starts the counter at n instead of 1.
func WithFirstNonce(n uint64) Option {
	return func(c *Client) {
		c.nonces = newCounterNonces(n)
	}
}

func New(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		transport: t,
		nonces:    newCounterNonces(1),
		pending:   newPendingTable(),
		logger:    log.NewLog("client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BatchCall is one entry of a batch. Params may be nil, a json.RawMessage,
// or anything that encodes to a JSON array or object.
type BatchCall struct {
	Method string
	Params any
}

// Result is the outcome of one batch entry. Err is a *rpcerror.Error of kind
// RPC when the peer answered that entry with an error object.
type Result struct {
	Value json.RawMessage
	Err   error
}

// Decode unmarshals Value into v, or returns Err.
func (r Result) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	if err := json.Unmarshal(r.Value, v); err != nil {
		return rpcerror.NewDecode(err)
	}
	return nil
}

// Target describes where calls go.
func (c *Client) Target() string {
	return c.transport.Target()
}

// Pending is the number of calls currently in flight.
func (c *Client) Pending() int {
	return c.pending.len()
}

// Call sends one request and returns its raw result.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.pending.allocate(c.nonces, method)
	defer c.pending.remove(id)

	req, err := message.NewRequest(method, params, id)
	if err != nil {
		return nil, rpcerror.NewDecode(err)
	}

	c.logger.Debug("sending request", "method", method, "id", id, "target", c.transport.Target())
	resps, err := c.dispatch(ctx, []message.ID{id}, func(ctx context.Context) ([]*message.Response, error) {
		resp, err := c.transport.SendRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		return []*message.Response{resp}, nil
	})
	if err != nil {
		return nil, err
	}

	return c.verify(id, resps[0])
}

// CallInto is Call followed by decoding the result into out.
func (c *Client) CallInto(ctx context.Context, method string, params any, out any) error {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	return Result{Value: raw}.Decode(out)
}

// CallBatch sends calls as one batch. On success the results are in the
// order of calls, whatever order the peer replied in.
func (c *Client) CallBatch(ctx context.Context, calls []BatchCall) ([]Result, error) {
	if len(calls) == 0 {
		return nil, rpcerror.NewEmptyBatch()
	}

	ids := make([]message.ID, 0, len(calls))
	defer func() {
		c.pending.remove(ids...)
	}()

	reqs := make([]*message.Request, len(calls))
	position := make(map[message.ID]int, len(calls))
	for i, call := range calls {
		id := c.pending.allocate(c.nonces, call.Method)
		ids = append(ids, id)
		position[id] = i

		req, err := message.NewRequest(call.Method, call.Params, id)
		if err != nil {
			return nil, rpcerror.NewDecode(errors.Wrapf(err, "batch entry %d (%s)", i, call.Method))
		}
		reqs[i] = req
	}

	c.logger.Debug("sending batch", "size", len(reqs), "target", c.transport.Target())
	resps, err := c.dispatch(ctx, ids, func(ctx context.Context) ([]*message.Response, error) {
		return c.transport.SendBatch(ctx, reqs)
	})
	if err != nil {
		return nil, err
	}

	return c.correlate(ids, position, resps)
}

type outcome struct {
	resps []*message.Response
	err   error
}

// dispatch runs send without holding any lock. If ctx ends first, ids are
// dropped from the pending table so a reply arriving later is recognised as
// unknown instead of being handed to a caller that is gone.
func (c *Client) dispatch(ctx context.Context, ids []message.ID, send func(context.Context) ([]*message.Response, error)) ([]*message.Response, error) {
	if ctx.Done() == nil {
		resps, err := send(ctx)
		if err != nil {
			return nil, rpcerror.AsTransport(err)
		}
		return resps, nil
	}

	done := make(chan outcome, 1)
	go func() {
		resps, err := send(ctx)
		done <- outcome{resps: resps, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, rpcerror.AsTransport(out.err)
		}
		return out.resps, nil
	case <-ctx.Done():
		for _, call := range c.pending.abandon(ids...) {
			c.logger.Debug("abandoning call", "method", call.method, "waited", time.Since(call.since), "err", ctx.Err())
		}
		go c.drainLate(done)
		return nil, rpcerror.NewTransport(ctx.Err())
	}
}

// drainLate waits for the transport of an abandoned call and reports what it
// eventually returned.
func (c *Client) drainLate(done <-chan outcome) {
	out := <-done
	if out.err != nil {
		c.logger.Debug("abandoned call failed", "err", out.err)
		return
	}
	for _, resp := range out.resps {
		if resp != nil && !c.pending.has(resp.ID) {
			c.logger.Warn("discarding late response", "err", rpcerror.NewUnknownResponseID(resp.ID))
		}
	}
}

// verify checks a single response against the nonce it should echo.
func (c *Client) verify(id message.ID, resp *message.Response) (json.RawMessage, error) {
	if resp == nil {
		return nil, rpcerror.NewDecode(errors.New("transport returned no response"))
	}
	if !resp.VersionOK() {
		return nil, rpcerror.NewVersionMismatch(resp.ID).WithPeerError(resp.Error)
	}
	if resp.ID != id {
		c.logger.Warn("nonce mismatch", "want", id, "got", resp.ID, "target", c.transport.Target())
		return nil, rpcerror.NewNonceMismatch(resp.ID).WithPeerError(resp.Error)
	}
	if !c.pending.match(id) {
		return nil, rpcerror.NewUnknownResponseID(id).WithPeerError(resp.Error)
	}
	if resp.Error != nil {
		return nil, rpcerror.NewRPC(resp.Error)
	}
	return resp.Result, nil
}

// correlate validates a batch reply and lines it up with the calls.
func (c *Client) correlate(ids []message.ID, position map[message.ID]int, resps []*message.Response) ([]Result, error) {
	if len(resps) > len(ids) {
		return nil, rpcerror.NewWrongBatchResponseSize("")
	}

	byPos := make([]*message.Response, len(ids))
	for _, resp := range resps {
		if resp == nil {
			return nil, rpcerror.NewDecode(errors.New("transport returned a nil batch entry"))
		}
		pos, ok := position[resp.ID]
		if !ok {
			return nil, rpcerror.NewUnknownResponseID(resp.ID).WithPeerError(resp.Error)
		}
		if byPos[pos] != nil {
			return nil, rpcerror.NewDuplicateResponseID(resp.ID)
		}
		byPos[pos] = resp
	}

	for _, resp := range resps {
		if !resp.VersionOK() {
			return nil, rpcerror.NewVersionMismatch(resp.ID).WithPeerError(resp.Error)
		}
	}

	results := make([]Result, len(ids))
	for i, resp := range byPos {
		switch {
		case resp == nil:
			results[i].Err = rpcerror.NewWrongBatchResponseSize(ids[i])
		case !c.pending.match(ids[i]):
			results[i].Err = rpcerror.NewUnknownResponseID(ids[i])
		case resp.Error != nil:
			results[i].Err = rpcerror.NewRPC(resp.Error)
		default:
			results[i].Value = resp.Result
		}
	}
	return results, nil
}
