package protocol

import "strconv"

var crlf = []byte("\r\n")

// EncodeCommand frames cmd as an array of bulk strings
func EncodeCommand(cmd Command) []byte {
	size := 16
	for _, a := range cmd.args {
		size += len(a) + 16
	}
	return AppendCommand(make([]byte, 0, size), cmd)
}

// AppendCommand appends the wire form of cmd to dst. Prefixes carry byte
// lengths, so tokens may hold arbitrary bytes.
func AppendCommand(dst []byte, cmd Command) []byte {
	dst = appendHeader(dst, TypeArray, int64(len(cmd.args)))
	for _, a := range cmd.args {
		dst = appendBulk(dst, a)
	}
	return dst
}

// AppendCommands appends every command of a batch back to back, ready for a
// single pipelined write.
func AppendCommands(dst []byte, cmds ...Command) []byte {
	for _, c := range cmds {
		dst = AppendCommand(dst, c)
	}
	return dst
}

// AppendReply appends the wire form of r to dst
func AppendReply(dst []byte, r Reply) []byte {
	switch r.Kind {
	case KindNull:
		return append(dst, "$-1\r\n"...)
	case KindStatus:
		dst = append(dst, TypeSimpleString)
		dst = append(dst, r.Str...)
		return append(dst, crlf...)
	case KindError:
		dst = append(dst, TypeError)
		dst = append(dst, r.Str...)
		return append(dst, crlf...)
	case KindInteger:
		return appendHeader(dst, TypeInteger, r.Int)
	case KindBulk:
		return appendBulk(dst, r.Str)
	case KindArray:
		dst = appendHeader(dst, TypeArray, int64(len(r.Elems)))
		for _, e := range r.Elems {
			dst = AppendReply(dst, e)
		}
		return dst
	}
	return dst
}

func appendHeader(dst []byte, tag byte, n int64) []byte {
	dst = append(dst, tag)
	dst = strconv.AppendInt(dst, n, 10)
	return append(dst, crlf...)
}

func appendBulk(dst []byte, s string) []byte {
	dst = appendHeader(dst, TypeBulkString, int64(len(s)))
	dst = append(dst, s...)
	return append(dst, crlf...)
}
