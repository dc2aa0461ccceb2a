package codec

import (
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// JSONCodec encodes with the v2 JSON implementation. Map keys are sorted so the
// same arguments always produce the same wire text.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v, json.Deterministic(true))
}

// Decode accepts objects that repeat a member name; the last one wins.
func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v, jsontext.AllowDuplicateNames(true))
}

func (c *JSONCodec) Format() Format {
	return FormatJSON
}
