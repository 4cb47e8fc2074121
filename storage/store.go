// Package storage provides the in-process fallback store: a scalar map and a
// sorted-set map driven by the same small command vocabulary as the remote
// store, so either can serve a batch and produce equivalent replies.
package storage

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/luoyjx/arcade-kv/network/protocol"
)

var (
	// ErrUnsupportedCommand is returned for operations outside the vocabulary
	ErrUnsupportedCommand = errors.New("storage: unsupported command")
	// ErrWrongArgs is returned when a command has the wrong number of arguments
	ErrWrongArgs = errors.New("storage: wrong number of arguments")
	// ErrNotNumber is returned when a score or index is not a number
	ErrNotNumber = errors.New("storage: value is not a valid number")
	// ErrEmptyCommand is returned for a command with no tokens
	ErrEmptyCommand = errors.New("storage: empty command")
)

// IsValidationError reports whether err is a caller mistake detected
// locally, as opposed to an infrastructure failure.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrUnsupportedCommand) ||
		errors.Is(err, ErrWrongArgs) ||
		errors.Is(err, ErrNotNumber) ||
		errors.Is(err, ErrEmptyCommand)
}

// Operation names understood by the store
const (
	OpGet       = "GET"
	OpSet       = "SET"
	OpDel       = "DEL"
	OpMGet      = "MGET"
	OpZAdd      = "ZADD"
	OpZScore    = "ZSCORE"
	OpZRevRange = "ZREVRANGE"

	withScores = "WITHSCORES"
)

// Options configures a Store
type Options struct {
	// MaxSortedSetMembers caps every sorted set; when a ZADD grows a set past
	// the cap the lowest-ranked members are dropped. Zero means unbounded.
	MaxSortedSetMembers int
}

// Store is the process-wide fallback store. Create it once at start-up and
// share the pointer; the zero value is not usable.
type Store struct {
	mu      sync.Mutex
	values  map[string]string
	zsets   map[string]*SortedSet
	maxZSet int
	pruned  uint64
}

// NewStore creates an empty store
func NewStore(opts Options) *Store {
	return &Store{
		values:  make(map[string]string),
		zsets:   make(map[string]*SortedSet),
		maxZSet: opts.MaxSortedSetMembers,
	}
}

// Stats is a point-in-time size snapshot of the store
type Stats struct {
	Keys          int
	SortedSets    int
	ZSetMembers   int
	PrunedMembers uint64
}

// Stats returns the current sizes
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Keys: len(s.values), SortedSets: len(s.zsets), PrunedMembers: s.pruned}
	for _, z := range s.zsets {
		st.ZSetMembers += z.Len()
	}
	return st
}

// Apply executes a single command
func (s *Store) Apply(cmd protocol.Command) (protocol.Reply, error) {
	if err := Validate(cmd); err != nil {
		return protocol.Reply{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(cmd), nil
}

// ApplyBatch validates every command first and then applies the whole batch
// under one lock, so concurrent writers never interleave with it. Nothing is
// applied if any command is invalid.
func (s *Store) ApplyBatch(cmds []protocol.Command) ([]protocol.Reply, error) {
	for i, cmd := range cmds {
		if err := Validate(cmd); err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	replies := make([]protocol.Reply, len(cmds))
	for i, cmd := range cmds {
		replies[i] = s.apply(cmd)
	}
	return replies, nil
}

// Validate checks that cmd is in the vocabulary and well formed without
// touching any state.
func Validate(cmd protocol.Command) error {
	if cmd.Empty() {
		return ErrEmptyCommand
	}
	name := cmd.Name()
	n := cmd.Len()

	switch name {
	case OpGet:
		return arity(name, n == 2)
	case OpSet:
		return arity(name, n == 3)
	case OpDel, OpMGet:
		return arity(name, n >= 2)
	case OpZAdd:
		if err := arity(name, n == 4); err != nil {
			return err
		}
		_, err := parseScore(cmd.Arg(2))
		return err
	case OpZScore:
		return arity(name, n == 3)
	case OpZRevRange:
		if err := arity(name, n == 4 || n == 5); err != nil {
			return err
		}
		if _, err := parseIndex(cmd.Arg(2)); err != nil {
			return err
		}
		if _, err := parseIndex(cmd.Arg(3)); err != nil {
			return err
		}
		if n == 5 && !strings.EqualFold(cmd.Arg(4), withScores) {
			return fmt.Errorf("%w: unexpected option %q for '%s'", ErrWrongArgs, cmd.Arg(4), strings.ToLower(name))
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedCommand, name)
	}
}

func arity(name string, ok bool) error {
	if ok {
		return nil
	}
	return fmt.Errorf("%w for '%s' command", ErrWrongArgs, strings.ToLower(name))
}

// apply runs a validated command. Callers hold s.mu.
func (s *Store) apply(cmd protocol.Command) protocol.Reply {
	switch cmd.Name() {
	case OpGet:
		if v, ok := s.values[cmd.Arg(1)]; ok {
			return protocol.Bulk(v)
		}
		return protocol.Null()

	case OpSet:
		s.values[cmd.Arg(1)] = cmd.Arg(2)
		return protocol.Status("OK")

	case OpDel:
		var removed int64
		for i := 1; i < cmd.Len(); i++ {
			key := cmd.Arg(i)
			if _, ok := s.values[key]; ok {
				delete(s.values, key)
				removed++
			}
		}
		return protocol.Integer(removed)

	case OpMGet:
		elems := make([]protocol.Reply, 0, cmd.Len()-1)
		for i := 1; i < cmd.Len(); i++ {
			if v, ok := s.values[cmd.Arg(i)]; ok {
				elems = append(elems, protocol.Bulk(v))
			} else {
				elems = append(elems, protocol.Null())
			}
		}
		return protocol.Array(elems...)

	case OpZAdd:
		score, _ := parseScore(cmd.Arg(2))
		key := cmd.Arg(1)
		z, ok := s.zsets[key]
		if !ok {
			z = NewSortedSet()
			s.zsets[key] = z
		}
		z.Add(cmd.Arg(3), score)
		s.pruned += uint64(z.TrimTo(s.maxZSet))
		return protocol.Integer(1)

	case OpZScore:
		z, ok := s.zsets[cmd.Arg(1)]
		if !ok {
			return protocol.Null()
		}
		score, ok := z.Score(cmd.Arg(2))
		if !ok {
			return protocol.Null()
		}
		return protocol.Bulk(protocol.FormatFloat(score))

	case OpZRevRange:
		start, _ := parseIndex(cmd.Arg(2))
		stop, _ := parseIndex(cmd.Arg(3))
		scores := cmd.Len() == 5
		z, ok := s.zsets[cmd.Arg(1)]
		if !ok {
			return protocol.Array()
		}
		window := z.RevRange(start, stop)
		elems := make([]protocol.Reply, 0, len(window)*2)
		for _, m := range window {
			elems = append(elems, protocol.Bulk(m.Member))
			if scores {
				elems = append(elems, protocol.Bulk(protocol.FormatFloat(m.Score)))
			}
		}
		return protocol.Array(elems...)
	}

	// unreachable for validated commands
	return protocol.Error("ERR unknown command '" + cmd.Name() + "'")
}

func parseScore(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return 0, fmt.Errorf("%w: %q", ErrNotNumber, s)
	}
	return f, nil
}

func parseIndex(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNotNumber, s)
	}
	return n, nil
}
