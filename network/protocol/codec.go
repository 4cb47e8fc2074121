package protocol

import (
	"fmt"
	"io"
	"net"
)

// Decoder accumulates bytes read from a stream and yields replies as soon
// as they are complete. It belongs to a single connection and a single
// batch; it is not safe for concurrent use.
type Decoder struct {
	buf  []byte
	pos  int
	scan frameScanner
}

// NewDecoder returns an empty decoder
func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, 4096)}
}

// Feed appends bytes received from the stream
func (d *Decoder) Feed(p []byte) {
	if d.pos > 0 && d.pos == len(d.buf) {
		d.buf = d.buf[:0]
		d.pos = 0
		d.scan.reset()
	}
	d.buf = append(d.buf, p...)
}

// Next decodes the next reply. ok is false when more bytes are needed. A
// frame is only decoded once it has fully arrived; until then each call
// scans just the bytes fed since the previous one.
func (d *Decoder) Next() (r Reply, ok bool, err error) {
	complete, err := d.scan.scan(d.buf, d.pos)
	if err != nil {
		d.scan.reset()
		return Reply{}, false, err
	}
	if !complete {
		return Reply{}, false, nil
	}

	r, next, err := Decode(d.buf, d.pos)
	if err == ErrIncomplete {
		return Reply{}, false, nil
	}
	if err != nil {
		return Reply{}, false, err
	}
	d.pos = next
	return r, true, nil
}

// frameScanner finds where the frame at a cursor ends without building it,
// and resumes where it ran out of bytes.
type frameScanner struct {
	active  bool
	off     int
	pending []int64 // elements still expected per open array, root first
}

func (s *frameScanner) reset() {
	s.active = false
	s.pending = s.pending[:0]
}

// scan reports whether buf holds a whole frame starting at start
func (s *frameScanner) scan(buf []byte, start int) (bool, error) {
	if !s.active {
		s.active = true
		s.off = start
		s.pending = append(s.pending[:0], 1)
	}

	for len(s.pending) > 0 {
		if s.off >= len(buf) {
			return false, nil
		}
		tag := buf[s.off]
		line, next, err := readLine(buf, s.off+1)
		if err == ErrIncomplete {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		switch tag {
		case TypeSimpleString, TypeError, TypeInteger:
			s.off = next
		case TypeBulkString:
			n, err := parseInt(line, "bulk string length")
			if err != nil {
				return false, err
			}
			if n < -1 || n > maxBulkStringLength {
				return false, fmt.Errorf("%w: bad bulk string length %d", ErrInvalidProtocol, n)
			}
			if n >= 0 {
				// the header is re-read until the body is in
				if next+int(n)+2 > len(buf) {
					return false, nil
				}
				next += int(n) + 2
			}
			s.off = next
		case TypeArray:
			n, err := parseInt(line, "array length")
			if err != nil {
				return false, err
			}
			if n < -1 || n > maxArrayLength {
				return false, fmt.Errorf("%w: bad array length %d", ErrInvalidProtocol, n)
			}
			s.off = next
			if n > 0 {
				if len(s.pending) > maxNestingDepth {
					return false, fmt.Errorf("%w: arrays nested too deeply", ErrInvalidProtocol)
				}
				s.pending = append(s.pending, n)
				continue
			}
		default:
			return false, fmt.Errorf("%w: unknown type %q", ErrInvalidProtocol, tag)
		}
		s.elementDone()
	}

	s.active = false
	return true, nil
}

// elementDone counts one finished element, closing every array it completes
func (s *frameScanner) elementDone() {
	for len(s.pending) > 0 {
		last := len(s.pending) - 1
		s.pending[last]--
		if s.pending[last] > 0 {
			return
		}
		s.pending = s.pending[:last]
	}
}

// Buffered returns the number of received bytes not yet consumed by a
// complete reply.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.pos
}

// Codec handles pipelined request/reply exchange over one connection
type Codec struct {
	conn    net.Conn
	dec     *Decoder
	scratch []byte
}

// NewCodec creates a new protocol codec
func NewCodec(conn net.Conn) *Codec {
	return &Codec{
		conn:    conn,
		dec:     NewDecoder(),
		scratch: make([]byte, 4096),
	}
}

// WriteCommands encodes every command and sends them in one write
func (c *Codec) WriteCommands(cmds ...Command) error {
	out := AppendCommands(nil, cmds...)
	for len(out) > 0 {
		n, err := c.conn.Write(out)
		if err != nil {
			return err
		}
		out = out[n:]
	}
	return nil
}

// ReadReplies reads until n replies have been decoded. If the stream ends
// first, io.ErrUnexpectedEOF is returned along with the replies decoded so
// far.
func (c *Codec) ReadReplies(n int) ([]Reply, error) {
	replies := make([]Reply, 0, n)
	for {
		for len(replies) < n {
			r, ok, err := c.dec.Next()
			if err != nil {
				return replies, err
			}
			if !ok {
				break
			}
			replies = append(replies, r)
		}
		if len(replies) == n {
			return replies, nil
		}

		read, err := c.conn.Read(c.scratch)
		if read > 0 {
			c.dec.Feed(c.scratch[:read])
		}
		if err != nil {
			if read > 0 {
				// drain what arrived with the error before giving up
				continue
			}
			if err == io.EOF {
				return replies, io.ErrUnexpectedEOF
			}
			return replies, err
		}
	}
}

// Close closes the codec's connection
func (c *Codec) Close() error {
	return c.conn.Close()
}
