package message

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

var nullLiteral = []byte("null")

// Response is one reply from the peer. Exactly one of Result or Error is set
// on a successfully decoded value. JSONRPC is nil when the field was absent.
type Response struct {
	JSONRPC *string         `json:"jsonrpc,omitempty"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NewResult builds a success response, used by fakes and caches.
func NewResult(id ID, result json.RawMessage) *Response {
	v := Version
	if len(result) == 0 {
		result = json.RawMessage(nullLiteral)
	}
	return &Response{JSONRPC: &v, ID: id, Result: result}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id ID, rpcErr *RPCError) *Response {
	v := Version
	return &Response{JSONRPC: &v, ID: id, Error: rpcErr}
}

// VersionOK reports whether the version tag is absent or equal to Version.
func (r *Response) VersionOK() bool {
	return r.JSONRPC == nil || *r.JSONRPC == Version
}

// UnmarshalJSON decodes permissively: unknown fields are ignored and an
// explicit "error": null is the same as no error at all.
func (r *Response) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return errors.Wrap(err, "decode response")
	}
	if fields == nil {
		return errors.New("decode response: not an object")
	}

	var out Response

	if raw, ok := fields["jsonrpc"]; ok && !isNull(raw) {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return errors.Wrap(err, "decode response jsonrpc")
		}
		out.JSONRPC = &v
	}

	if raw, ok := fields["id"]; ok {
		if err := out.ID.UnmarshalJSON(raw); err != nil {
			return errors.Wrap(err, "decode response id")
		}
	} else {
		out.ID = NullID
	}

	if raw, ok := fields["error"]; ok && !isNull(raw) {
		var rpcErr RPCError
		if err := json.Unmarshal(raw, &rpcErr); err != nil {
			return errors.Wrap(err, "decode response error object")
		}
		out.Error = &rpcErr
	}

	raw, hasResult := fields["result"]
	switch {
	case out.Error != nil && hasResult && !isNull(raw):
		return ErrBothOutcomes
	case out.Error == nil && !hasResult:
		return ErrNoOutcome
	case out.Error == nil:
		out.Result = append(json.RawMessage(nil), bytes.TrimSpace(raw)...)
	}

	*r = out
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), nullLiteral)
}

// DecodeResponse parses a single response object.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecodeBatchResponse parses the reply to a batch. A top-level array is the
// normal case; a lone object (peers answer malformed batches this way) becomes
// a one-element slice, and an empty body means the peer sent nothing back.
func DecodeBatchResponse(data []byte) ([]*Response, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '{' {
		resp, err := DecodeResponse(trimmed)
		if err != nil {
			return nil, err
		}
		return []*Response{resp}, nil
	}

	var resps []*Response
	if err := json.Unmarshal(trimmed, &resps); err != nil {
		return nil, errors.Wrap(err, "decode batch response")
	}
	for i, resp := range resps {
		if resp == nil {
			return nil, errors.Errorf("decode batch response: entry %d is null", i)
		}
	}
	return resps, nil
}
