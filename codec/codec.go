package codec

import "fmt"

// Format names the encoding of argument lists and response bodies.
type Format string

const (
	FormatJSON Format = "json"
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Format() Format
}

// GetCodec returns the codec for the given format. The zero Format means JSON.
func GetCodec(format Format) (Codec, error) {
	switch format {
	case FormatJSON, "":
		return &JSONCodec{}, nil
	}
	return nil, fmt.Errorf("unsupported response format: %q", format)
}
