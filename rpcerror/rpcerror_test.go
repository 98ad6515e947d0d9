package rpcerror

import (
	"context"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"mini-jsonrpc/message"
)

func TestSentinelsMatchByKind(t *testing.T) {
	err := NewDuplicateResponseID(message.NumberID(3))
	require.ErrorIs(t, err, ErrDuplicateResponseID)
	require.NotErrorIs(t, err, ErrUnknownResponseID)
	require.Equal(t, "duplicate RPC batch response ID: 3", err.Error())

	wrapped := errors.Wrap(NewUnknownResponseID(message.StringID("x")), "batch")
	require.ErrorIs(t, wrapped, ErrUnknownResponseID)
	require.Equal(t, UnknownResponseID, KindOf(wrapped))
}

func TestTransportPreservesCause(t *testing.T) {
	err := NewTransport(io.ErrUnexpectedEOF)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.ErrorIs(t, err, ErrTransport)
	require.Equal(t, io.ErrUnexpectedEOF, err.Err)
	require.Equal(t, io.ErrUnexpectedEOF, err.Cause())
	require.Equal(t, io.ErrUnexpectedEOF, errors.Cause(err))
	require.Equal(t, "transport error: unexpected EOF", err.Error())

	require.ErrorIs(t, NewTransport(context.DeadlineExceeded), context.DeadlineExceeded)
}

func TestAsTransport(t *testing.T) {
	require.Nil(t, AsTransport(nil))

	err := AsTransport(io.EOF)
	require.Equal(t, Transport, KindOf(err))

	dec := NewDecode(io.EOF)
	require.Equal(t, dec, AsTransport(dec))

	wrapped := errors.Wrap(dec, "read body")
	require.Equal(t, Decode, KindOf(AsTransport(wrapped)))
}

func TestRPCError(t *testing.T) {
	rpcErr := &message.RPCError{Code: -32000, Message: "insufficient funds"}
	err := NewRPC(rpcErr)

	got, ok := RPCErrorOf(err)
	require.True(t, ok)
	require.Equal(t, rpcErr, got)
	require.ErrorIs(t, err, ErrRPC)

	_, ok = RPCErrorOf(NewTransport(io.EOF))
	require.False(t, ok)

	var target *message.RPCError
	require.True(t, errors.As(err, &target))
	require.Equal(t, int32(-32000), target.Code)
}

func TestProtocolErrorKeepsPeerMessage(t *testing.T) {
	err := NewNonceMismatch(message.NullID)
	err.RPC = &message.RPCError{Code: -32700, Message: "parse error"}
	require.Contains(t, err.Error(), "parse error")
	require.Contains(t, err.Error(), "got null")
	require.ErrorIs(t, err, ErrNonceMismatch)
}

func TestConstructors(t *testing.T) {
	peer := &message.RPCError{Code: -32600, Message: "invalid request"}

	tests := []struct {
		name string
		err  *Error
		kind Kind
		want string
	}{
		{"empty batch", NewEmptyBatch(), EmptyBatch, "batches can't be empty"},
		{"version", NewVersionMismatch(message.NumberID(1)).WithPeerError(peer), VersionMismatch, "invalid request"},
		{"short batch", NewWrongBatchResponseSize(message.NumberID(2)), WrongBatchResponseSize, "no response for ID 2"},
		{"long batch", NewWrongBatchResponseSize(""), WrongBatchResponseSize, "wrong number of responses returned in batch"},
		{"unknown", NewUnknownResponseID(message.NullID).WithPeerError(peer), UnknownResponseID, "peer said"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.kind, tt.err.Kind)
			require.Contains(t, tt.err.Error(), tt.want)
		})
	}

	err := NewDuplicateResponseID(message.NumberID(4)).WithPeerError(nil)
	require.Nil(t, err.RPC)
	require.Equal(t, err, err.WithPeerError(peer))
	require.Equal(t, peer, err.RPC)
}

func TestKindString(t *testing.T) {
	require.Equal(t, "version_mismatch", VersionMismatch.String())
	require.Equal(t, "kind(99)", Kind(99).String())
	require.Equal(t, Unknown, KindOf(io.EOF))
}
