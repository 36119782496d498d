package protocol

import (
	"strconv"
	"strings"
)

// Kind identifies which of the five reply kinds a Value holds.
type Kind uint8

const (
	KindStatus Kind = iota + 1
	KindError
	KindInteger
	KindBulk
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindError:
		return "error"
	case KindInteger:
		return "integer"
	case KindBulk:
		return "bulk"
	case KindArray:
		return "array"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a decoded reply.
//
// Status and Error carry their text in Bytes, Bulk carries its payload in
// Bytes, Integer uses Int and Array uses Elems. Null is only meaningful for
// Bulk and Array and marks the protocol's null bulk string / null array.
type Value struct {
	Kind  Kind
	Bytes []byte
	Int   int64
	Elems []Value
	Null  bool
}

func Status(s string) Value {
	return Value{Kind: KindStatus, Bytes: []byte(s)}
}

func Error(s string) Value {
	return Value{Kind: KindError, Bytes: []byte(s)}
}

func Integer(n int64) Value {
	return Value{Kind: KindInteger, Int: n}
}

func Bulk(b []byte) Value {
	if b == nil {
		b = []byte{}
	}

	return Value{Kind: KindBulk, Bytes: b}
}

func BulkString(s string) Value {
	return Bulk([]byte(s))
}

func NullBulk() Value {
	return Value{Kind: KindBulk, Null: true}
}

func Array(elems ...Value) Value {
	if elems == nil {
		elems = []Value{}
	}

	return Value{Kind: KindArray, Elems: elems}
}

func NullArray() Value {
	return Value{Kind: KindArray, Null: true}
}

// IsNull reports whether v is a null bulk string or a null array.
func (v Value) IsNull() bool {
	return v.Null && (v.Kind == KindBulk || v.Kind == KindArray)
}

// Err returns a *ServerError if v is an Error reply, nil otherwise.
func (v Value) Err() error {
	if v.Kind == KindError {
		return &ServerError{Message: string(v.Bytes)}
	}

	return nil
}

// Text returns the text of a Status, Error or Bulk reply, or the decimal
// form of an Integer. Arrays and nulls give "".
func (v Value) Text() string {
	switch v.Kind {
	case KindStatus, KindError, KindBulk:
		return string(v.Bytes)
	case KindInteger:
		return strconv.FormatInt(v.Int, 10)
	default:
		return ""
	}
}

// Equal reports whether two values are of the same kind and hold the same
// content, recursing into arrays.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind || v.IsNull() != o.IsNull() {
		return false
	}

	switch v.Kind {
	case KindStatus, KindError, KindBulk:
		return string(v.Bytes) == string(o.Bytes)
	case KindInteger:
		return v.Int == o.Int
	case KindArray:
		if len(v.Elems) != len(o.Elems) {
			return false
		}

		for i := range v.Elems {
			if !v.Elems[i].Equal(o.Elems[i]) {
				return false
			}
		}

		return true
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindStatus:
		return string(v.Bytes)
	case KindError:
		return "(error) " + string(v.Bytes)
	case KindInteger:
		return "(integer) " + strconv.FormatInt(v.Int, 10)
	case KindBulk:
		if v.Null {
			return "(nil)"
		}
		return strconv.Quote(string(v.Bytes))
	case KindArray:
		if v.Null {
			return "(nil array)"
		}

		parts := make([]string, len(v.Elems))
		for i, e := range v.Elems {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return "(invalid)"
	}
}
