package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Command is an operation name followed by its arguments, all rendered as
// strings. The zero Command is empty and fails validation.
type Command struct {
	args []string
}

// NewCommand builds a command from a name and string or numeric arguments.
// Numbers are rendered in decimal. Any other argument type is formatted with
// fmt's %v verb.
func NewCommand(name string, args ...interface{}) Command {
	tokens := make([]string, 0, len(args)+1)
	tokens = append(tokens, name)
	for _, a := range args {
		tokens = append(tokens, FormatArg(a))
	}
	return Command{args: tokens}
}

// CommandFromArgs builds a command from already tokenized arguments. The
// slice is copied.
func CommandFromArgs(args []string) Command {
	return Command{args: append([]string(nil), args...)}
}

// FormatArg renders a single argument token
func FormatArg(a interface{}) string {
	switch v := a.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		return FormatFloat(float64(v))
	case float64:
		return FormatFloat(v)
	case bool:
		if v {
			return "1"
		}
		return "0"
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// FormatFloat renders a score the way the store reports it: the shortest
// decimal that round-trips, and inf/-inf for infinities.
func FormatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Name returns the upper-cased operation name, or "" for an empty command
func (c Command) Name() string {
	if len(c.args) == 0 {
		return ""
	}
	return strings.ToUpper(c.args[0])
}

// Len returns the number of tokens including the operation name
func (c Command) Len() int { return len(c.args) }

// Arg returns token i (0 is the operation name)
func (c Command) Arg(i int) string { return c.args[i] }

// Args returns a copy of all tokens
func (c Command) Args() []string { return append([]string(nil), c.args...) }

// Empty reports whether the command has no tokens
func (c Command) Empty() bool { return len(c.args) == 0 }

func (c Command) String() string {
	return strings.Join(c.args, " ")
}
