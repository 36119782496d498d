package protocol

import (
	"bytes"
	"errors"
	"io"
)

const (
	// maxBulkSize matches the default proto-max-bulk-len of the server (512MB)
	maxBulkSize = 512 * 1024 * 1024

	// maxArraySize bounds the element count of a single array header
	maxArraySize = 1024 * 1024 * 1024

	// maxLineSize bounds how far we'll look for a line terminator before
	// giving up on the frame
	maxLineSize = 64 * 1024

	// maxDepth bounds array nesting
	maxDepth = 512

	defaultReadBufferSize = 4096

	maxConsecutiveEmptyReads = 100
)

// Decode parses a single value from the start of buf and returns it along
// with the number of bytes it occupied.
//
// If buf holds only part of a frame Decode returns ErrNeedMoreData and
// consumes nothing, the caller should append more input and call Decode
// again with the same starting position. Malformed input gives a
// *ProtocolError.
//
// The returned value never aliases buf.
func Decode(buf []byte) (Value, int, error) {
	v, next, err := decodeAt(buf, 0, 0)
	if err != nil {
		return Value{}, 0, err
	}

	return v, next, nil
}

func decodeAt(buf []byte, pos, depth int) (Value, int, error) {
	if pos >= len(buf) {
		return Value{}, 0, ErrNeedMoreData
	}

	if depth > maxDepth {
		return Value{}, 0, newProtocolError("arrays nested deeper than %d", maxDepth)
	}

	switch buf[pos] {
	case '+':
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return Value{}, 0, err
		}

		return Value{Kind: KindStatus, Bytes: clone(line)}, next, nil

	case '-':
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return Value{}, 0, err
		}

		return Value{Kind: KindError, Bytes: clone(line)}, next, nil

	case ':':
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return Value{}, 0, err
		}

		n, ok := parseInt(line)
		if !ok {
			return Value{}, 0, newProtocolError("invalid integer %q", line)
		}

		return Value{Kind: KindInteger, Int: n}, next, nil

	case '$':
		n, next, err := readLength(buf, pos+1, "bulk string", maxBulkSize)
		if err != nil {
			return Value{}, 0, err
		}

		if n == -1 {
			return NullBulk(), next, nil
		}

		end := next + int(n)
		if end+2 > len(buf) {
			return Value{}, 0, ErrNeedMoreData
		}

		if buf[end] != '\r' || buf[end+1] != '\n' {
			return Value{}, 0, newProtocolError("bulk string of length %d is not terminated by CRLF", n)
		}

		return Value{Kind: KindBulk, Bytes: clone(buf[next:end])}, end + 2, nil

	case '*':
		n, next, err := readLength(buf, pos+1, "array", maxArraySize)
		if err != nil {
			return Value{}, 0, err
		}

		if n == -1 {
			return NullArray(), next, nil
		}

		// Don't trust the header for the allocation, a huge count with no
		// payload behind it would otherwise allocate up front.
		capacity := n
		if capacity > 1024 {
			capacity = 1024
		}

		elems := make([]Value, 0, capacity)
		for i := int64(0); i < n; i++ {
			var elem Value

			elem, next, err = decodeAt(buf, next, depth+1)
			if err != nil {
				return Value{}, 0, err
			}

			elems = append(elems, elem)
		}

		return Value{Kind: KindArray, Elems: elems}, next, nil

	default:
		return Value{}, 0, newProtocolError("unknown type byte %q", buf[pos])
	}
}

// readLine returns the content of the line starting at pos, without its
// CRLF, and the position just after the terminator.
func readLine(buf []byte, pos int) ([]byte, int, error) {
	i := bytes.IndexByte(buf[pos:], '\n')
	if i < 0 {
		if len(buf)-pos > maxLineSize {
			return nil, 0, newProtocolError("line longer than %d bytes", maxLineSize)
		}

		return nil, 0, ErrNeedMoreData
	}

	if i == 0 || buf[pos+i-1] != '\r' {
		return nil, 0, newProtocolError("line is not terminated by CRLF")
	}

	return buf[pos : pos+i-1], pos + i + 1, nil
}

func readLength(buf []byte, pos int, what string, max int64) (int64, int, error) {
	line, next, err := readLine(buf, pos)
	if err != nil {
		return 0, 0, err
	}

	n, ok := parseInt(line)
	if !ok {
		return 0, 0, newProtocolError("invalid %s length %q", what, line)
	}

	if n < -1 {
		return 0, 0, newProtocolError("negative %s length %d", what, n)
	}

	if n > max {
		return 0, 0, newProtocolError("%s length %d exceeds %d", what, n, max)
	}

	return n, next, nil
}

// parseInt parses an ASCII decimal with an optional leading '-'. Unlike
// strconv it rejects a leading '+' and never allocates.
func parseInt(b []byte) (int64, bool) {
	if len(b) == 0 {
		return 0, false
	}

	neg := false
	if b[0] == '-' {
		neg = true
		b = b[1:]

		if len(b) == 0 {
			return 0, false
		}
	}

	// 1<<63 is one past MaxInt64 so that MinInt64 can be represented
	const limit = uint64(1) << 63

	var n uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}

		d := uint64(c - '0')
		if n > (limit-d)/10 {
			return 0, false
		}

		n = n*10 + d
	}

	if neg {
		return int64(-n), true
	}

	if n == limit {
		return 0, false
	}

	return int64(n), true
}

func clone(b []byte) []byte {
	return append(make([]byte, 0, len(b)), b...)
}

// Reader decodes values from a stream.
//
// Arrays are decoded element by element: complete elements are consumed from
// the buffer as they arrive and only the unfinished one is decoded again
// after the next read, so a large array spread over many reads is not
// re-parsed from its header each time.
type Reader struct {
	rd   io.Reader
	buf  []byte
	r, w int

	// arrays whose header has been consumed, outermost first
	stack []partialArray

	// buffered bytes required before decoding is retried
	need int
}

type partialArray struct {
	elems []Value
	n     int64
}

// NewReader returns a Reader that reads from rd.
func NewReader(rd io.Reader) *Reader {
	return &Reader{
		rd:  rd,
		buf: make([]byte, defaultReadBufferSize),
	}
}

// ReadValue blocks until a complete value has been read, the underlying
// reader fails or a malformed frame is found.
func (r *Reader) ReadValue() (Value, error) {
	for {
		if r.w > r.r && r.w-r.r >= r.need {
			v, ok, err := r.next()
			if err != nil {
				return Value{}, err
			}

			if ok {
				if r.r == r.w {
					r.r, r.w = 0, 0
				}

				return v, nil
			}
		}

		if err := r.fill(); err != nil {
			return Value{}, err
		}
	}
}

// next decodes as much of the current value as is buffered. It reports
// false when more input is needed, with r.need set to the buffered length
// worth retrying at.
func (r *Reader) next() (Value, bool, error) {
	for r.r < r.w {
		buf := r.buf[r.r:r.w]
		depth := len(r.stack)

		if depth > maxDepth {
			return Value{}, false, newProtocolError("arrays nested deeper than %d", maxDepth)
		}

		var v Value

		if buf[0] == '*' {
			n, next, err := readLength(buf, 1, "array", maxArraySize)
			if err != nil {
				return r.needMore(err, len(buf)+1)
			}

			r.r += next

			switch {
			case n == -1:
				v = NullArray()

			case n == 0:
				v = Value{Kind: KindArray, Elems: make([]Value, 0)}

			default:
				capacity := n
				if capacity > 1024 {
					capacity = 1024
				}

				r.stack = append(r.stack, partialArray{elems: make([]Value, 0, capacity), n: n})
				continue
			}
		} else {
			elem, next, err := decodeAt(buf, 0, depth)
			if err != nil {
				return r.needMore(err, needed(buf))
			}

			r.r += next
			v = elem
		}

		for len(r.stack) > 0 {
			top := &r.stack[len(r.stack)-1]
			top.elems = append(top.elems, v)

			if int64(len(top.elems)) < top.n {
				break
			}

			v = Value{Kind: KindArray, Elems: top.elems}
			r.stack[len(r.stack)-1] = partialArray{}
			r.stack = r.stack[:len(r.stack)-1]
		}

		if len(r.stack) == 0 {
			r.need = 0
			return v, true, nil
		}
	}

	r.need = 1
	return Value{}, false, nil
}

func (r *Reader) needMore(err error, need int) (Value, bool, error) {
	if !errors.Is(err, ErrNeedMoreData) {
		return Value{}, false, err
	}

	r.need = need
	return Value{}, false, nil
}

// needed returns how many bytes buf must hold before the frame at its start
// can be complete. Only bulk strings announce their size up front.
func needed(buf []byte) int {
	if buf[0] == '$' {
		n, next, err := readLength(buf, 1, "bulk string", maxBulkSize)
		if err == nil && n >= 0 {
			return next + int(n) + 2
		}
	}

	return len(buf) + 1
}

// Buffered returns the number of bytes read from the stream but not yet
// consumed.
func (r *Reader) Buffered() int {
	return r.w - r.r
}

func (r *Reader) fill() error {
	if r.r > 0 {
		copy(r.buf, r.buf[r.r:r.w])
		r.w -= r.r
		r.r = 0
	}

	if r.w == len(r.buf) || r.need > len(r.buf) {
		size := 2 * len(r.buf)
		if r.need > size {
			size = r.need
		}

		buf := make([]byte, size)
		copy(buf, r.buf[:r.w])
		r.buf = buf
	}

	for i := 0; i < maxConsecutiveEmptyReads; i++ {
		n, err := r.rd.Read(r.buf[r.w:])
		r.w += n

		if n > 0 {
			return nil
		}

		if err != nil {
			return err
		}
	}

	return io.ErrNoProgress
}
