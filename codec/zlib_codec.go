package codec

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
)

var zlibWriterPool = sync.Pool{
	New: func() any { return zlib.NewWriter(io.Discard) },
}

// ZlibCodec compresses the output of Inner into a zlib stream (a deflate
// stream with a 2-byte header and an adler32 trailer). The ZeroMQ transport
// frames its envelopes this way.
type ZlibCodec struct {
	Inner Codec
}

func (c *ZlibCodec) Encode(v any) ([]byte, error) {
	if c.Inner == nil {
		return nil, errors.New("ZlibCodec: no inner codec")
	}
	plain, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}

	buf := getBuffer()
	defer putBuffer(buf)

	zw := zlibWriterPool.Get().(*zlib.Writer)
	defer zlibWriterPool.Put(zw)
	zw.Reset(buf)

	if _, err := zw.Write(plain); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (c *ZlibCodec) Decode(data []byte, v any) error {
	if c.Inner == nil {
		return errors.New("ZlibCodec: no inner codec")
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer zr.Close()

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := buf.ReadFrom(zr); err != nil {
		return err
	}
	return c.Inner.Decode(buf.Bytes(), v)
}

func (c *ZlibCodec) Type() CodecType {
	return CodecTypeZlib
}
