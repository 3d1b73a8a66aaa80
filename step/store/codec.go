package store

import (
	"fmt"

	"github.com/golang/snappy"
)

// Persisted values carry a one-byte header naming their compression.
const (
	compNone   byte = 0
	compSnappy byte = 1
)

func encodeValue(value []byte, compress bool) []byte {
	if !compress {
		out := make([]byte, len(value)+1)
		out[0] = compNone
		copy(out[1:], value)
		return out
	}
	enc := snappy.Encode(nil, value)
	out := make([]byte, len(enc)+1)
	out[0] = compSnappy
	copy(out[1:], enc)
	return out
}

func decodeValue(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty persisted value")
	}
	switch data[0] {
	case compNone:
		return append([]byte(nil), data[1:]...), nil
	case compSnappy:
		value, err := snappy.Decode(nil, data[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to decompress value: %w", err)
		}
		return value, nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", data[0])
	}
}
