// Package transport carries JSON-RPC requests to a peer and brings the raw
// replies back.
//
// A Transport never validates ids, versions or batch shape; that is the
// client's job. It must not drop or duplicate replies, and every error it
// returns is either a transport failure or a decode failure. The one
// exception is a multiplexed connection handed a null-id reply it cannot
// attribute, which fails the calls in flight with an unknown-response-id error:
//
//	caller ── client.Call ──► Transport.SendRequest ──► peer
//	                                 │
//	        client validates ◄── *message.Response
//
// Implementations here: HTTP (one POST per call), framed TCP and WebSocket
// (many calls multiplexed over one connection) and a discovery wrapper that
// spreads calls across endpoints from a registry.
package transport

import (
	"context"

	"mini-jsonrpc/message"
	"mini-jsonrpc/rpcerror"
)

type Transport interface {
	// SendRequest sends one request and waits for exactly one response.
	SendRequest(ctx context.Context, req *message.Request) (*message.Response, error)
	// SendBatch sends a non-empty batch and returns the replies in wire order.
	SendBatch(ctx context.Context, reqs []*message.Request) ([]*message.Response, error)
	// Target describes the destination for logs. It never blocks.
	Target() string
}

func decodeResponse(data []byte) (*message.Response, error) {
	resp, err := message.DecodeResponse(data)
	if err != nil {
		return nil, rpcerror.NewDecode(err)
	}
	return resp, nil
}

func decodeBatchResponse(data []byte) ([]*message.Response, error) {
	resps, err := message.DecodeBatchResponse(data)
	if err != nil {
		return nil, rpcerror.NewDecode(err)
	}
	return resps, nil
}

func emptyBatch() error {
	return rpcerror.NewEmptyBatch()
}
