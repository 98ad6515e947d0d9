// Package codec turns serialized JSON-RPC payloads into frame bodies and back.
//
// The JSON-RPC text itself is always JSON; a codec only decides how those
// bytes travel inside a protocol frame.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeSnappy CodecType = 1
)

type Codec interface {
	Encode(payload []byte) ([]byte, error)
	Decode(body []byte) ([]byte, error)
	Type() CodecType // 0=JSON, 1=Snappy
}

func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}, nil
	case CodecTypeSnappy:
		return &SnappyCodec{}, nil
	}
	return nil, fmt.Errorf("unsupported codec type: %d", codecType)
}

func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "snappy":
		return CodecTypeSnappy, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}
