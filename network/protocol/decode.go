// Package protocol implements the RESP wire codec used to talk to the remote
// store: command framing, reply decoding over a byte buffer and a streaming
// decoder for replies that arrive in fragments.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrIncomplete means the buffer does not yet hold a whole frame at the
	// given cursor. Retry from the same cursor once more bytes arrive.
	ErrIncomplete = errors.New("protocol: incomplete frame")
	// ErrInvalidProtocol indicates malformed RESP data
	ErrInvalidProtocol = errors.New("protocol: invalid RESP format")
)

// RESP type tags
const (
	TypeSimpleString = '+'
	TypeError        = '-'
	TypeInteger      = ':'
	TypeBulkString   = '$'
	TypeArray        = '*'
)

const (
	maxBulkStringLength = 512 * 1024 * 1024 // 512 MiB
	maxArrayLength      = 1_000_000
	maxNestingDepth     = 512
)

// Decode decodes one reply starting at buf[pos] and returns it together
// with the cursor just past the frame. buf is never modified; on
// ErrIncomplete the returned cursor equals pos. Arrays nested deeper than
// 512 levels are rejected.
func Decode(buf []byte, pos int) (Reply, int, error) {
	return decode(buf, pos, 0)
}

func decode(buf []byte, pos int, depth int) (Reply, int, error) {
	if pos >= len(buf) {
		return Reply{}, pos, ErrIncomplete
	}

	tag := buf[pos]
	line, next, err := readLine(buf, pos+1)
	if err != nil {
		return Reply{}, pos, err
	}

	switch tag {
	case TypeSimpleString:
		return Status(string(line)), next, nil
	case TypeError:
		return Error(string(line)), next, nil
	case TypeInteger:
		n, err := parseInt(line, "integer")
		if err != nil {
			return Reply{}, pos, err
		}
		return Integer(n), next, nil
	case TypeBulkString:
		return decodeBulk(buf, pos, line, next)
	case TypeArray:
		return decodeArray(buf, pos, line, next, depth)
	default:
		return Reply{}, pos, fmt.Errorf("%w: unknown type %q", ErrInvalidProtocol, tag)
	}
}

func decodeBulk(buf []byte, pos int, line []byte, next int) (Reply, int, error) {
	length, err := parseInt(line, "bulk string length")
	if err != nil {
		return Reply{}, pos, err
	}
	if length == -1 {
		return Null(), next, nil
	}
	if length < 0 {
		return Reply{}, pos, fmt.Errorf("%w: negative bulk string length", ErrInvalidProtocol)
	}
	if length > maxBulkStringLength {
		return Reply{}, pos, fmt.Errorf("%w: bulk string too large", ErrInvalidProtocol)
	}

	end := next + int(length)
	if end+2 > len(buf) {
		return Reply{}, pos, ErrIncomplete
	}
	if buf[end] != '\r' || buf[end+1] != '\n' {
		return Reply{}, pos, fmt.Errorf("%w: bad bulk string terminator", ErrInvalidProtocol)
	}
	return Bulk(string(buf[next:end])), end + 2, nil
}

func decodeArray(buf []byte, pos int, line []byte, next int, depth int) (Reply, int, error) {
	count, err := parseInt(line, "array length")
	if err != nil {
		return Reply{}, pos, err
	}
	if count == -1 {
		return Null(), next, nil
	}
	if count < 0 {
		return Reply{}, pos, fmt.Errorf("%w: negative array length", ErrInvalidProtocol)
	}
	if count > maxArrayLength {
		return Reply{}, pos, fmt.Errorf("%w: array too large", ErrInvalidProtocol)
	}
	if count > 0 && depth >= maxNestingDepth {
		return Reply{}, pos, fmt.Errorf("%w: arrays nested too deeply", ErrInvalidProtocol)
	}

	elems := make([]Reply, 0, count)
	cur := next
	for i := int64(0); i < count; i++ {
		elem, n, err := decode(buf, cur, depth+1)
		if err != nil {
			return Reply{}, pos, err
		}
		elems = append(elems, elem)
		cur = n
	}
	return Array(elems...), cur, nil
}

// DecodeCommand decodes a request frame (an array of bulk strings) back
// into a Command.
func DecodeCommand(buf []byte, pos int) (Command, int, error) {
	r, next, err := Decode(buf, pos)
	if err != nil {
		return Command{}, pos, err
	}
	if r.Kind != KindArray || len(r.Elems) == 0 {
		return Command{}, pos, fmt.Errorf("%w: expected non-empty array", ErrInvalidProtocol)
	}
	args := make([]string, len(r.Elems))
	for i, e := range r.Elems {
		if e.Kind != KindBulk {
			return Command{}, pos, fmt.Errorf("%w: expected bulk string", ErrInvalidProtocol)
		}
		args[i] = e.Str
	}
	return Command{args: args}, next, nil
}

// readLine returns the bytes between start and the next CRLF, and the index
// just past that CRLF.
func readLine(buf []byte, start int) ([]byte, int, error) {
	if start > len(buf) {
		return nil, start, ErrIncomplete
	}
	i := bytes.IndexByte(buf[start:], '\n')
	if i < 0 {
		return nil, start, ErrIncomplete
	}
	end := start + i
	if end == start || buf[end-1] != '\r' {
		return nil, start, fmt.Errorf("%w: line not terminated by CRLF", ErrInvalidProtocol)
	}
	return buf[start : end-1], end + 1, nil
}

func parseInt(line []byte, what string) (int64, error) {
	n, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s", ErrInvalidProtocol, what)
	}
	return n, nil
}
