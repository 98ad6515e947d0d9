// Package message defines the JSON-RPC 2.0 envelopes exchanged between client and peer.
//
// Request is what the client puts on the wire; Response is decoded permissively
// from whatever the peer sends back. Both single objects and batches (top-level
// JSON arrays) are supported.
package message

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// Version is the only protocol version this client speaks.
const Version = "2.0"

// Reserved error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerErrorMin = -32099
	CodeServerErrorMax = -32000
)

var (
	ErrEmptyMethod   = errors.New("method name must not be empty")
	ErrInvalidParams = errors.New("params must be a JSON array or object")
	ErrNoOutcome     = errors.New("response carries neither result nor error")
	ErrBothOutcomes  = errors.New("response carries both result and error")
)

// ID is the canonical (compact JSON) form of a request identifier.
// The zero value means the id was absent.
type ID string

// NullID is the id servers use for errors they could not attribute to a request.
const NullID ID = "null"

func NumberID(n uint64) ID {
	return ID(strconv.FormatUint(n, 10))
}

func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID(b)
}

func (id ID) IsZero() bool {
	return id == ""
}

func (id ID) String() string {
	if id == "" {
		return "<absent>"
	}
	return string(id)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	return []byte(id), nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return err
	}
	*id = ID(buf.String())
	return nil
}

// Request is a single method call. Build it with NewRequest.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      ID              `json:"id"`
}

// NewRequest validates the method name, serializes params and tags the call with id.
// params may be nil, a json.RawMessage, or any value encoding to a JSON array or object.
func NewRequest(method string, params any, id ID) (*Request, error) {
	if method == "" {
		return nil, ErrEmptyMethod
	}

	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	return &Request{
		JSONRPC: Version,
		Method:  method,
		Params:  raw,
		ID:      id,
	}, nil
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}

	var raw []byte
	switch p := params.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(params)
		if err != nil {
			return nil, errors.Wrap(err, "encode params")
		}
		raw = b
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '[' && trimmed[0] != '{' {
		return nil, ErrInvalidParams
	}
	if !json.Valid(trimmed) {
		return nil, errors.Wrap(ErrInvalidParams, "malformed JSON")
	}
	return json.RawMessage(trimmed), nil
}

// EncodeBatch serializes requests as a top-level JSON array.
func EncodeBatch(reqs []*Request) ([]byte, error) {
	return json.Marshal(reqs)
}

// RPCError is the error object a peer returns for a failed call.
// Data is kept raw; decode it with DecodeData when the shape is known.
type RPCError struct {
	Code    int32           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return "rpc error " + strconv.Itoa(int(e.Code)) + ": " + e.Message + " (data: " + string(e.Data) + ")"
	}
	return "rpc error " + strconv.Itoa(int(e.Code)) + ": " + e.Message
}

// DecodeData unmarshals the opaque data payload into v.
// A missing payload leaves v untouched.
func (e *RPCError) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// IsReserved reports whether the code falls in the range the protocol reserves.
func (e *RPCError) IsReserved() bool {
	return e.Code >= -32768 && e.Code <= -32000
}
