// Package protocol implements the length-prefixed frame format used by the
// stream transport.
//
// Every request and every response is one Frame. The reader never needs a
// fixed header: each field carries its own length, so frames can be read
// back-to-back from a TCP stream without ambiguity.
//
// Frame format (big-endian):
//
//	┌──────────┬──────────────┬───────────┬──────────┬───────────┬──────────┬─────
//	│ nameLen  │ method name  │ id        │ argCount │ argLen    │ arg      │ ...
//	│ uint16   │ nameLen bytes│ int32     │ int16    │ int32     │ argLen   │
//	└──────────┴──────────────┴───────────┴──────────┴───────────┴──────────┴─────
//
// An empty method name marks a response. A response carries exactly one arg,
// and the sign of its id tells success (positive) from failure (negative).
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxArgLength is the largest argument payload the int32 length prefix can
// describe. Readers may enforce a lower limit with ReadFrameLimit.
const MaxArgLength = math.MaxInt32

// ErrFrameTooLarge is returned when a frame field exceeds its wire limit.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// Frame is one self-contained RPC message.
type Frame struct {
	Method string   // "" for a response
	ID     int32    // correlation id; negated on an error response
	Args   [][]byte // each arg is independently decodable
}

// NewResponse builds a success response for the call with the given id.
func NewResponse(id int32, payload []byte) *Frame {
	return &Frame{ID: id, Args: [][]byte{payload}}
}

// NewErrorResponse builds a failure response. The payload is an encoded
// error description and the id travels negated.
func NewErrorResponse(id int32, payload []byte) *Frame {
	return &Frame{ID: -id, Args: [][]byte{payload}}
}

// IsResponse reports whether f answers an earlier request.
func (f *Frame) IsResponse() bool {
	return f.Method == ""
}

// CallID restores the positive correlation id of a response and reports
// whether the response carries an error.
func (f *Frame) CallID() (id int32, failed bool) {
	if f.ID < 0 {
		return -f.ID, true
	}
	return f.ID, false
}

// Payload returns the single argument of a response, or nil.
func (f *Frame) Payload() []byte {
	if len(f.Args) == 0 {
		return nil
	}
	return f.Args[0]
}

// CheckFrame reports whether f fits the wire format with arguments of at most
// maxArg bytes each. It looks at every field before anything is written.
func CheckFrame(f *Frame, maxArg int) error {
	if len(f.Method) > math.MaxUint16 {
		return fmt.Errorf("%w: method name is %d bytes", ErrFrameTooLarge, len(f.Method))
	}
	if len(f.Args) > math.MaxInt16 {
		return fmt.Errorf("%w: %d args", ErrFrameTooLarge, len(f.Args))
	}
	if maxArg <= 0 || maxArg > MaxArgLength {
		maxArg = MaxArgLength
	}
	for i, arg := range f.Args {
		if len(arg) > maxArg {
			return fmt.Errorf("%w: arg %d is %d bytes, limit %d", ErrFrameTooLarge, i, len(arg), maxArg)
		}
	}
	return nil
}

// WriteFrame writes one complete frame to w and flushes it if w is buffered.
// The caller must hold a write lock if multiple goroutines share the writer,
// otherwise bytes of different frames interleave and corrupt the stream.
// A frame that does not fit the wire format is rejected before any byte
// reaches w.
func WriteFrame(w io.Writer, f *Frame) error {
	if err := CheckFrame(f, MaxArgLength); err != nil {
		return err
	}

	head := make([]byte, 2+len(f.Method)+4+2)
	binary.BigEndian.PutUint16(head[0:2], uint16(len(f.Method)))
	copy(head[2:], f.Method)
	offset := 2 + len(f.Method)
	binary.BigEndian.PutUint32(head[offset:offset+4], uint32(f.ID))
	binary.BigEndian.PutUint16(head[offset+4:offset+6], uint16(len(f.Args)))

	if _, err := w.Write(head); err != nil {
		return err
	}

	var lenBuf [4]byte
	for _, arg := range f.Args {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(arg)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := w.Write(arg); err != nil {
			return err
		}
	}

	if bw, ok := w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}

// ReadFrame reads exactly one frame from r.
// io.ReadFull guarantees every length-prefixed field is read completely.
func ReadFrame(r io.Reader) (*Frame, error) {
	return ReadFrameLimit(r, MaxArgLength)
}

// ReadFrameLimit is ReadFrame refusing any argument longer than maxArg bytes.
// A larger length prefix means the stream is corrupt or hostile, so nothing
// is allocated for it.
func ReadFrameLimit(r io.Reader, maxArg int) (*Frame, error) {
	if maxArg <= 0 || maxArg > MaxArgLength {
		maxArg = MaxArgLength
	}
	var u16 [2]byte
	if _, err := io.ReadFull(r, u16[:]); err != nil {
		return nil, err
	}
	name := make([]byte, binary.BigEndian.Uint16(u16[:]))
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, err
	}

	var u32 [4]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, err
	}
	id := int32(binary.BigEndian.Uint32(u32[:]))

	if _, err := io.ReadFull(r, u16[:]); err != nil {
		return nil, err
	}
	count := int16(binary.BigEndian.Uint16(u16[:]))
	if count < 0 {
		return nil, fmt.Errorf("protocol: negative arg count %d", count)
	}

	args := make([][]byte, 0, count)
	for i := 0; i < int(count); i++ {
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return nil, err
		}
		length := int32(binary.BigEndian.Uint32(u32[:]))
		if length < 0 {
			return nil, fmt.Errorf("protocol: negative arg length %d", length)
		}
		if int(length) > maxArg {
			return nil, fmt.Errorf("%w: arg is %d bytes, limit %d", ErrFrameTooLarge, length, maxArg)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		args = append(args, data)
	}

	return &Frame{Method: string(name), ID: id, Args: args}, nil
}
