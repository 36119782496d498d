package protocol

import (
	"io"
	"strconv"
)

var (
	Terminal = []byte("\r\n")
)

// AppendCommand appends the RESP framing of cmd to dst.
func AppendCommand(dst []byte, cmd Command) []byte {
	dst = appendHeader(dst, '*', int64(len(cmd)))

	for _, arg := range cmd {
		dst = appendHeader(dst, '$', int64(len(arg)))
		dst = append(dst, arg...)
		dst = append(dst, '\r', '\n')
	}

	return dst
}

// EncodeCommand frames cmd as an array of bulk strings.
func EncodeCommand(cmd Command) ([]byte, error) {
	if len(cmd) == 0 {
		return nil, ErrEmptyCommand
	}

	return AppendCommand(make([]byte, 0, encodedSize(cmd)), cmd), nil
}

// WriteCommand frames cmd and writes it to w with a single Write call.
func WriteCommand(w io.Writer, cmd Command) error {
	b, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}

	_, err = w.Write(b)
	return err
}

// AppendValue appends the RESP framing of v to dst. It is the server side
// counterpart of Decode.
func AppendValue(dst []byte, v Value) []byte {
	switch v.Kind {
	case KindStatus:
		dst = append(dst, '+')
		dst = append(dst, v.Bytes...)
		return append(dst, '\r', '\n')

	case KindError:
		dst = append(dst, '-')
		dst = append(dst, v.Bytes...)
		return append(dst, '\r', '\n')

	case KindInteger:
		return appendHeader(dst, ':', v.Int)

	case KindBulk:
		if v.Null {
			return appendHeader(dst, '$', -1)
		}

		dst = appendHeader(dst, '$', int64(len(v.Bytes)))
		dst = append(dst, v.Bytes...)
		return append(dst, '\r', '\n')

	case KindArray:
		if v.Null {
			return appendHeader(dst, '*', -1)
		}

		dst = appendHeader(dst, '*', int64(len(v.Elems)))
		for _, e := range v.Elems {
			dst = AppendValue(dst, e)
		}
		return dst

	default:
		return dst
	}
}

// WriteValue frames v and writes it to w.
func WriteValue(w io.Writer, v Value) error {
	_, err := w.Write(AppendValue(nil, v))
	return err
}

func appendHeader(dst []byte, prefix byte, n int64) []byte {
	dst = append(dst, prefix)
	dst = strconv.AppendInt(dst, n, 10)
	return append(dst, '\r', '\n')
}

func encodedSize(cmd Command) int {
	// *<argc>\r\n plus $<len>\r\n<arg>\r\n per argument, with 20 bytes
	// being the widest int64.
	n := 1 + 20 + 2
	for _, arg := range cmd {
		n += 1 + 20 + 2 + len(arg) + 2
	}

	return n
}
