package protocol

import (
	"strconv"
	"strings"
)

// Kind is the marker byte that starts a reply on the wire.
type Kind byte

const (
	KindSimpleString Kind = '+'
	KindError        Kind = '-'
	KindInteger      Kind = ':'
	KindBulkString   Kind = '$'
	KindArray        Kind = '*'
)

func (k Kind) String() string {
	switch k {
	case KindSimpleString:
		return "simple string"
	case KindError:
		return "error"
	case KindInteger:
		return "integer"
	case KindBulkString:
		return "bulk string"
	case KindArray:
		return "array"
	default:
		return "unknown(" + strconv.Quote(string(k)) + ")"
	}
}

// Reply is a decoded server reply. It is one of SimpleString, Error,
// Integer, BulkString or Array; consumers switch on the concrete type.
type Reply interface {
	Kind() Kind
	String() string

	reply()
}

type SimpleString string

type Error string

type Integer int64

// BulkString is a length prefixed string. Null is set for `$-1`.
type BulkString struct {
	Value string
	Null  bool
}

// Array is an ordered sequence of replies. Null is set for `*-1`, an empty
// array has a non-nil, zero length Elems.
type Array struct {
	Elems []Reply
	Null  bool
}

var (
	NullBulk  = BulkString{Null: true}
	NullArray = Array{Null: true}
)

func Bulk(s string) BulkString {
	return BulkString{Value: s}
}

func Arr(elems ...Reply) Array {
	if elems == nil {
		elems = []Reply{}
	}

	return Array{Elems: elems}
}

func (SimpleString) Kind() Kind { return KindSimpleString }
func (Error) Kind() Kind        { return KindError }
func (Integer) Kind() Kind      { return KindInteger }
func (BulkString) Kind() Kind   { return KindBulkString }
func (Array) Kind() Kind        { return KindArray }

func (SimpleString) reply() {}
func (Error) reply()        {}
func (Integer) reply()      {}
func (BulkString) reply()   {}
func (Array) reply()        {}

func (s SimpleString) String() string { return string(s) }
func (e Error) String() string        { return "(error) " + string(e) }
func (i Integer) String() string      { return strconv.FormatInt(int64(i), 10) }

func (b BulkString) String() string {
	if b.Null {
		return "(nil)"
	}

	return strconv.Quote(b.Value)
}

func (a Array) String() string {
	if a.Null {
		return "(nil array)"
	}

	parts := make([]string, len(a.Elems))
	for i, elem := range a.Elems {
		parts[i] = elem.String()
	}

	return "[" + strings.Join(parts, ", ") + "]"
}

// Len returns the number of elements. A null array has length zero.
func (a Array) Len() int {
	return len(a.Elems)
}

// Text returns the contents of a simple string or a non-null bulk string.
func Text(r Reply) (string, bool) {
	switch v := r.(type) {
	case SimpleString:
		return string(v), true
	case BulkString:
		if v.Null {
			return "", false
		}
		return v.Value, true
	default:
		return "", false
	}
}
