// Package rpcerror is the closed set of failures a JSON-RPC call can end in.
//
// Every error returned by the client package is an *Error of one Kind.
// Match on kind with errors.Is against the sentinels, or with KindOf:
//
//	if errors.Is(err, rpcerror.ErrNonceMismatch) { ... }
//	if rpcerror.KindOf(err) == rpcerror.RPC { ... }
package rpcerror

import (
	"fmt"

	"github.com/pkg/errors"

	"mini-jsonrpc/message"
)

type Kind int

const (
	Unknown Kind = iota
	// Transport is a network or IO failure; Err holds the original error.
	Transport
	// Decode is a payload that could not be encoded or parsed.
	Decode
	// RPC is an error object returned by the peer for this call.
	RPC
	// NonceMismatch is a response whose id differs from the request's.
	NonceMismatch
	// VersionMismatch is a response whose jsonrpc field is present and not "2.0".
	VersionMismatch
	// EmptyBatch is an attempt to send a batch with no requests.
	EmptyBatch
	// WrongBatchResponseSize is a batch reply with more entries than requests,
	// or a request left without a reply.
	WrongBatchResponseSize
	// DuplicateResponseID is an id seen twice in one batch reply.
	DuplicateResponseID
	// UnknownResponseID is an id that matches no pending request.
	UnknownResponseID
)

var kindNames = map[Kind]string{
	Unknown:                "unknown",
	Transport:              "transport",
	Decode:                 "decode",
	RPC:                    "rpc",
	NonceMismatch:          "nonce_mismatch",
	VersionMismatch:        "version_mismatch",
	EmptyBatch:             "empty_batch",
	WrongBatchResponseSize: "wrong_batch_response_size",
	DuplicateResponseID:    "duplicate_response_id",
	UnknownResponseID:      "unknown_response_id",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure. Only the fields relevant to Kind are set.
type Error struct {
	Kind Kind
	Err  error             // Transport, Decode
	RPC  *message.RPCError // RPC; also set on protocol errors when the stray response carried one
	ID   message.ID        // the offending or missing id, when there is one
}

var (
	ErrNonceMismatch          = &Error{Kind: NonceMismatch}
	ErrVersionMismatch        = &Error{Kind: VersionMismatch}
	ErrEmptyBatch             = &Error{Kind: EmptyBatch}
	ErrWrongBatchResponseSize = &Error{Kind: WrongBatchResponseSize}
	ErrDuplicateResponseID    = &Error{Kind: DuplicateResponseID}
	ErrUnknownResponseID      = &Error{Kind: UnknownResponseID}
	ErrTransport              = &Error{Kind: Transport}
	ErrDecode                 = &Error{Kind: Decode}
	ErrRPC                    = &Error{Kind: RPC}
)

func NewTransport(cause error) *Error {
	return &Error{Kind: Transport, Err: cause}
}

func NewDecode(cause error) *Error {
	return &Error{Kind: Decode, Err: cause}
}

func NewRPC(rpcErr *message.RPCError) *Error {
	return &Error{Kind: RPC, RPC: rpcErr}
}

func NewNonceMismatch(got message.ID) *Error {
	return &Error{Kind: NonceMismatch, ID: got}
}

func NewDuplicateResponseID(id message.ID) *Error {
	return &Error{Kind: DuplicateResponseID, ID: id}
}

func NewUnknownResponseID(id message.ID) *Error {
	return &Error{Kind: UnknownResponseID, ID: id}
}

func NewVersionMismatch(id message.ID) *Error {
	return &Error{Kind: VersionMismatch, ID: id}
}

func NewEmptyBatch() *Error {
	return &Error{Kind: EmptyBatch}
}

// NewWrongBatchResponseSize reports a batch reply of the wrong length. missing
// names the request left without a reply; the zero ID means the reply was too long.
func NewWrongBatchResponseSize(missing message.ID) *Error {
	return &Error{Kind: WrongBatchResponseSize, ID: missing}
}

// WithPeerError attaches the error object carried by the offending response.
// A nil rpcErr leaves e unchanged.
func (e *Error) WithPeerError(rpcErr *message.RPCError) *Error {
	if rpcErr != nil {
		e.RPC = rpcErr
	}
	return e
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case Transport:
		msg = fmt.Sprintf("transport error: %v", e.Err)
	case Decode:
		msg = fmt.Sprintf("JSON decode error: %v", e.Err)
	case RPC:
		msg = fmt.Sprintf("RPC error response: %v", e.RPC)
	case NonceMismatch:
		msg = "nonce of response did not match nonce of request"
		if !e.ID.IsZero() {
			msg += fmt.Sprintf(" (got %s)", e.ID)
		}
	case VersionMismatch:
		msg = `jsonrpc field set to non-"2.0"`
	case EmptyBatch:
		msg = "batches can't be empty"
	case WrongBatchResponseSize:
		msg = "wrong number of responses returned in batch"
		if !e.ID.IsZero() {
			msg += fmt.Sprintf(" (no response for ID %s)", e.ID)
		}
	case DuplicateResponseID:
		msg = fmt.Sprintf("duplicate RPC batch response ID: %s", e.ID)
	case UnknownResponseID:
		msg = fmt.Sprintf("wrong RPC batch response ID: %s", e.ID)
	default:
		msg = "unclassified error"
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
	}

	if e.Kind != RPC && e.RPC != nil {
		msg += fmt.Sprintf(" (peer said: %v)", e.RPC)
	}
	return msg
}

// Unwrap exposes the transport/decode cause, or the peer's error object.
func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if e.RPC != nil {
		return e.RPC
	}
	return nil
}

// Cause satisfies github.com/pkg/errors' causer.
func (e *Error) Cause() error {
	return e.Unwrap()
}

// Is matches any *Error of the same kind when target carries no detail,
// so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Err != nil || t.RPC != nil || !t.ID.IsZero() {
		return e == t
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// AsTransport classifies err as a Transport failure unless it already is
// a classified *Error, in which case it is returned unchanged.
func AsTransport(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return NewTransport(err)
}

// RPCErrorOf returns the peer's error object if err is an RPC failure.
func RPCErrorOf(err error) (*message.RPCError, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == RPC {
		return e.RPC, true
	}
	return nil, false
}
