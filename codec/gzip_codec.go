package codec

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// maxPooledBuffer caps the size of a buffer returned to the pool. One huge
// payload would otherwise pin its buffer for the life of the process.
const maxPooledBuffer = 1 << 20

var (
	bufferPool = sync.Pool{
		New: func() any { return new(bytes.Buffer) },
	}
	writerPool = sync.Pool{
		New: func() any { return gzip.NewWriter(io.Discard) },
	}
	readerPool sync.Pool // *gzip.Reader, created lazily since NewReader needs a valid header
)

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBuffer {
		return
	}
	bufferPool.Put(buf)
}

// GzipCodec compresses the output of Inner with gzip.
type GzipCodec struct {
	Inner Codec
}

func (c *GzipCodec) Encode(v any) ([]byte, error) {
	if c.Inner == nil {
		return nil, errors.New("GzipCodec: no inner codec")
	}
	plain, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}

	buf := getBuffer()
	defer putBuffer(buf)

	zw := writerPool.Get().(*gzip.Writer)
	defer writerPool.Put(zw)
	zw.Reset(buf)

	if _, err := zw.Write(plain); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	// The buffer goes back to the pool, so the caller gets its own copy
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (c *GzipCodec) Decode(data []byte, v any) error {
	if c.Inner == nil {
		return errors.New("GzipCodec: no inner codec")
	}

	var zr *gzip.Reader
	if pooled, ok := readerPool.Get().(*gzip.Reader); ok {
		if err := pooled.Reset(bytes.NewReader(data)); err != nil {
			return err
		}
		zr = pooled
	} else {
		fresh, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return err
		}
		zr = fresh
	}
	defer readerPool.Put(zr)

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := buf.ReadFrom(zr); err != nil {
		return err
	}
	if err := zr.Close(); err != nil {
		return err
	}
	return c.Inner.Decode(buf.Bytes(), v)
}

func (c *GzipCodec) Type() CodecType {
	return CodecTypeGzip
}
