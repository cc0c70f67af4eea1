package protocol

import (
	"bytes"
	"io"
	"strconv"
)

var (
	Terminal = []byte("\r\n")
	OK       = SimpleString("OK")
	QUEUED   = SimpleString("QUEUED")
)

// EncodeCommand renders cmd as a single inline line.
func EncodeCommand(cmd Command) []byte {
	var b bytes.Buffer

	b.WriteString(cmd.Verb.Wire())

	for _, arg := range cmd.Args {
		b.WriteString(` "`)
		b.WriteString(arg)
		b.WriteByte('"')
	}

	b.Write(Terminal)

	return b.Bytes()
}

func WriteCommand(w io.Writer, cmd Command) error {
	_, err := w.Write(EncodeCommand(cmd))
	return err
}

// WriteReply writes reply in its length prefixed wire form.
func WriteReply(w io.Writer, reply Reply) error {
	_, err := w.Write(AppendReply(nil, reply))
	return err
}

// AppendReply appends the wire form of reply to dst.
func AppendReply(dst []byte, reply Reply) []byte {
	switch v := reply.(type) {
	case SimpleString:
		dst = append(dst, byte(KindSimpleString))
		dst = append(dst, v...)

	case Error:
		dst = append(dst, byte(KindError))
		dst = append(dst, v...)

	case Integer:
		dst = append(dst, byte(KindInteger))
		dst = strconv.AppendInt(dst, int64(v), 10)

	case BulkString:
		dst = append(dst, byte(KindBulkString))
		if v.Null {
			dst = append(dst, "-1"...)
			break
		}

		dst = strconv.AppendInt(dst, int64(len(v.Value)), 10)
		dst = append(dst, Terminal...)
		dst = append(dst, v.Value...)

	case Array:
		dst = append(dst, byte(KindArray))
		if v.Null {
			dst = append(dst, "-1"...)
			break
		}

		dst = strconv.AppendInt(dst, int64(len(v.Elems)), 10)
		dst = append(dst, Terminal...)

		for _, elem := range v.Elems {
			dst = AppendReply(dst, elem)
		}

		return dst
	}

	return append(dst, Terminal...)
}
