package protocol

import (
	"strconv"
	"strings"
)

// Kind tags the variant held by a Reply
type Kind uint8

const (
	KindNull Kind = iota
	KindStatus
	KindError
	KindInteger
	KindBulk
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
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

// Reply is a decoded server reply. Only the fields matching Kind are set:
// Str for status, error and bulk replies, Int for integers, Elems for arrays.
type Reply struct {
	Kind  Kind
	Str   string
	Int   int64
	Elems []Reply
}

// Null returns the null reply ($-1 / *-1 on the wire)
func Null() Reply { return Reply{Kind: KindNull} }

// Status returns a simple string reply
func Status(s string) Reply { return Reply{Kind: KindStatus, Str: s} }

// Error returns an error reply carrying msg
func Error(msg string) Reply { return Reply{Kind: KindError, Str: msg} }

// Integer returns an integer reply
func Integer(n int64) Reply { return Reply{Kind: KindInteger, Int: n} }

// Bulk returns a bulk string reply
func Bulk(s string) Reply { return Reply{Kind: KindBulk, Str: s} }

// Array returns an array reply. A call with no elements yields an empty,
// non-null array.
func Array(elems ...Reply) Reply {
	if elems == nil {
		elems = []Reply{}
	}
	return Reply{Kind: KindArray, Elems: elems}
}

// BulkStrings builds an array of bulk strings
func BulkStrings(items ...string) Reply {
	elems := make([]Reply, len(items))
	for i, s := range items {
		elems[i] = Bulk(s)
	}
	return Array(elems...)
}

// IsNull reports whether r is the null reply
func (r Reply) IsNull() bool { return r.Kind == KindNull }

// IsError reports whether r is an error reply
func (r Reply) IsError() bool { return r.Kind == KindError }

// Text returns the textual payload of a status or bulk reply, or the decimal
// form of an integer. ok is false for null, error and array replies.
func (r Reply) Text() (string, bool) {
	switch r.Kind {
	case KindStatus, KindBulk:
		return r.Str, true
	case KindInteger:
		return strconv.FormatInt(r.Int, 10), true
	default:
		return "", false
	}
}

// Strings flattens an array of status/bulk replies. Null elements become
// empty strings.
func (r Reply) Strings() ([]string, bool) {
	if r.Kind != KindArray {
		return nil, false
	}
	out := make([]string, len(r.Elems))
	for i, e := range r.Elems {
		if e.IsNull() {
			continue
		}
		s, ok := e.Text()
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

// Equivalent compares two replies by content. Status and bulk replies with
// the same text are equivalent, since a managed client may not preserve the
// distinction between them.
func (r Reply) Equivalent(o Reply) bool {
	textual := func(k Kind) bool { return k == KindStatus || k == KindBulk }
	if textual(r.Kind) && textual(o.Kind) {
		return r.Str == o.Str
	}
	if r.Kind != o.Kind {
		return false
	}
	switch r.Kind {
	case KindNull:
		return true
	case KindError:
		return r.Str == o.Str
	case KindInteger:
		return r.Int == o.Int
	case KindArray:
		if len(r.Elems) != len(o.Elems) {
			return false
		}
		for i := range r.Elems {
			if !r.Elems[i].Equivalent(o.Elems[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders r in a redis-cli like form, mostly for logs and the CLI
func (r Reply) String() string {
	var b strings.Builder
	r.format(&b, "")
	return b.String()
}

func (r Reply) format(b *strings.Builder, indent string) {
	switch r.Kind {
	case KindNull:
		b.WriteString("(nil)")
	case KindStatus:
		b.WriteString(r.Str)
	case KindError:
		b.WriteString("(error) ")
		b.WriteString(r.Str)
	case KindInteger:
		b.WriteString("(integer) ")
		b.WriteString(strconv.FormatInt(r.Int, 10))
	case KindBulk:
		b.WriteString(strconv.Quote(r.Str))
	case KindArray:
		if len(r.Elems) == 0 {
			b.WriteString("(empty array)")
			return
		}
		for i, e := range r.Elems {
			if i > 0 {
				b.WriteString("\n")
				b.WriteString(indent)
			}
			prefix := strconv.Itoa(i+1) + ") "
			b.WriteString(prefix)
			e.format(b, indent+strings.Repeat(" ", len(prefix)))
		}
	}
}
