package dispatch

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder serializes task payloads. Submit encodes with it before the task is
// stored and DecodePayload reverses it on the delegate side.
type Encoder interface {
	Encode(any) ([]byte, error)
	Decode([]byte, any) error
}

// JSONEncoder is the default Encoder. It encodes with the standard library and
// decodes with sonic. Raw byte payloads are stored unchanged.
type JSONEncoder struct{}

// Encode serializes v to JSON. []byte and json.RawMessage are returned as-is.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	return json.Marshal(v)
}

// Decode deserializes JSON bytes using sonic.
func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}
