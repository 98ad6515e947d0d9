package codec

import (
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// SnappyCodec block-compresses the JSON text. Worth it for large batch replies
// (block dumps, logs) on slow links.
type SnappyCodec struct{}

func (c *SnappyCodec) Encode(payload []byte) ([]byte, error) {
	return snappy.Encode(nil, payload), nil
}

func (c *SnappyCodec) Decode(body []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, errors.Wrap(err, "SnappyCodec")
	}
	return out, nil
}

func (c *SnappyCodec) Type() CodecType {
	return CodecTypeSnappy
}
