package codec

import (
	"errors"
)

// RawCodec is the fast path for binary payloads (bundles, archives, heap
// dumps). A []byte value is written as-is and decoding into a *[]byte hands
// back the received bytes without a copy. Anything else goes to Fallback.
type RawCodec struct {
	Fallback Codec
}

func (c *RawCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		if b == nil {
			return nil, nil
		}
		return *b, nil
	}
	if c.Fallback == nil {
		return nil, errors.New("RawCodec: no fallback codec for non-byte value")
	}
	return c.Fallback.Encode(v)
}

func (c *RawCodec) Decode(data []byte, v any) error {
	if b, ok := v.(*[]byte); ok {
		*b = data
		return nil
	}
	if c.Fallback == nil {
		return errors.New("RawCodec: no fallback codec for non-byte target")
	}
	return c.Fallback.Decode(data, v)
}

func (c *RawCodec) Type() CodecType {
	return CodecTypeRaw
}
