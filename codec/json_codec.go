package codec

import (
	"encoding/json"
	"errors"
)

var errInvalidJSON = errors.New("JSONCodec: body is not valid JSON")

// JSONCodec sends the JSON text as-is.
type JSONCodec struct{}

func (c *JSONCodec) Encode(payload []byte) ([]byte, error) {
	return payload, nil
}

func (c *JSONCodec) Decode(body []byte) ([]byte, error) {
	if !json.Valid(body) {
		return nil, errInvalidJSON
	}
	return body, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
