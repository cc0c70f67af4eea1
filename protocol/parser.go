package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxPrealloc bounds the capacity reserved up front for an array, the
// length on the wire is not trusted beyond that.
const maxPrealloc = 1024

// MaxBulkLength is the largest bulk string accepted, 512MB as in Redis.
const MaxBulkLength = 512 << 20

var (
	// ErrProtocol is returned when the byte stream does not follow the
	// reply or command framing.
	ErrProtocol = errors.New("protocol error")

	// ErrConnClosed is returned when the stream ends where a line or a
	// bulk payload was expected.
	ErrConnClosed = errors.New("connection closed by peer")
)

// ReadReply reads exactly one reply from r. Arrays are decoded recursively.
//
// A `-` line is returned as an Error reply, not as a Go error. The returned
// error is ErrConnClosed when the stream ended, wraps ErrProtocol when the
// framing is malformed, and is the underlying read error otherwise.
func ReadReply(r *bufio.Reader) (Reply, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}

	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty reply line", ErrProtocol)
	}

	switch Kind(line[0]) {
	case KindSimpleString:
		return SimpleString(line[1:]), nil

	case KindError:
		return Error(line[1:]), nil

	case KindInteger:
		n, err := strconv.ParseInt(line[1:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid integer %q", ErrProtocol, line[1:])
		}
		return Integer(n), nil

	case KindBulkString:
		n, err := parseLength(line[1:])
		if err != nil {
			return nil, err
		}

		if n == -1 {
			return NullBulk, nil
		}

		if n > MaxBulkLength {
			return nil, fmt.Errorf("%w: bulk length %d exceeds %d", ErrProtocol, n, MaxBulkLength)
		}

		buf := make([]byte, n+len(Terminal))
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrConnClosed
			}
			return nil, err
		}

		if buf[n] != '\r' || buf[n+1] != '\n' {
			return nil, fmt.Errorf("%w: bulk string of length %d is not terminated by CRLF", ErrProtocol, n)
		}

		return Bulk(string(buf[:n])), nil

	case KindArray:
		n, err := parseLength(line[1:])
		if err != nil {
			return nil, err
		}

		if n == -1 {
			return NullArray, nil
		}

		elems := make([]Reply, 0, min(n, maxPrealloc))
		for i := 0; i < n; i++ {
			elem, err := ReadReply(r)
			if err != nil {
				return nil, err
			}

			elems = append(elems, elem)
		}

		return Array{Elems: elems}, nil

	default:
		return nil, fmt.Errorf("%w: unexpected reply type %q", ErrProtocol, line[0])
	}
}

// ReadCommand reads one inline command line and splits it into tokens. This
// is the server side of WriteCommand. Unquoted tokens are accepted so that
// hand typed commands (e.g. `PING`) work.
func ReadCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}

	return SplitCommand(line)
}

// SplitCommand splits an inline command line into its tokens. A token wrapped
// in double quotes runs up to the next double quote, there are no escapes.
func SplitCommand(line string) ([]string, error) {
	tokens := make([]string, 0, 4)

	for i := 0; i < len(line); {
		switch line[i] {
		case ' ', '\t':
			i++

		case '"':
			end := strings.IndexByte(line[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated quote in %q", ErrProtocol, line)
			}

			tokens = append(tokens, line[i+1:i+1+end])
			i += end + 2

		default:
			end := strings.IndexAny(line[i:], " \t")
			if end < 0 {
				end = len(line) - i
			}

			tokens = append(tokens, line[i:i+end])
			i += end
		}
	}

	return tokens, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", ErrConnClosed
		}
		return "", err
	}

	return RemoveTrailingCRLF(line), nil
}

func parseLength(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < -1 {
		return 0, fmt.Errorf("%w: invalid length %q", ErrProtocol, s)
	}

	return n, nil
}

// RemoveTrailingCRLF strips any trailing line terminators.
func RemoveTrailingCRLF(line string) string {
	return strings.TrimRight(line, "\r\n")
}
