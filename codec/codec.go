// Package codec turns call arguments and return values into bytes and back.
//
// Codecs stack: RawCodec lets []byte values through untouched and hands
// everything else to its fallback, GzipCodec compresses whatever its inner
// codec produced, and JSONCodec does the actual value encoding.
//
//	RawCodec ──[]byte──────────────────────────────► wire
//	    └──other──► GzipCodec ──► JSONCodec ──gzip──► wire
package codec

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeGzip CodecType = 1 // gzip over JSON
	CodecTypeRaw  CodecType = 2 // raw bytes over JSON
	CodecTypeZlib CodecType = 3 // zlib over JSON
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the value codec for a codec type. The stream transport
// always wraps the result in a RawCodec so byte slices skip encoding.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeGzip:
		return &GzipCodec{Inner: &JSONCodec{}}
	case CodecTypeRaw:
		return &RawCodec{Fallback: &JSONCodec{}}
	case CodecTypeZlib:
		return &ZlibCodec{Inner: &JSONCodec{}}
	default:
		return &JSONCodec{}
	}
}

// ForStream returns the argument codec used by the stream transport.
func ForStream(compress bool) Codec {
	if compress {
		return &RawCodec{Fallback: GetCodec(CodecTypeGzip)}
	}
	return &RawCodec{Fallback: GetCodec(CodecTypeJSON)}
}
