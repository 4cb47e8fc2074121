// Package leaderboard keeps game scores, nicknames and profile stats on top
// of the command dispatcher. Every operation is expressed as command
// batches, so it behaves the same against the remote and fallback stores.
package leaderboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/luoyjx/arcade-kv/network/protocol"
)

// Limits applied by Top
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

var (
	ErrInvalidAddress  = errors.New("leaderboard: invalid wallet address")
	ErrInvalidNickname = errors.New("leaderboard: invalid nickname")
	ErrInvalidScore    = errors.New("leaderboard: invalid score")
	ErrNicknameTaken   = errors.New("leaderboard: nickname already taken")
)

var (
	addressRE  = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	nicknameRE = regexp.MustCompile(`^[a-zA-Z0-9_]{2,24}$`)
)

// Executor runs commands. *server.Dispatcher satisfies it.
type Executor interface {
	Exec(ctx context.Context, cmd protocol.Command) (protocol.Reply, error)
	Pipeline(ctx context.Context, cmds []protocol.Command) ([]protocol.Reply, error)
}

// Entry is one leaderboard row
type Entry struct {
	Address   string `json:"address"`
	Nickname  string `json:"nickname"`
	Score     int64  `json:"score"`
	Avatar    string `json:"avatar,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Board is a leaderboard plus the nickname and profile registries of one
// game namespace.
type Board struct {
	kv        Executor
	namespace string
	now       func() time.Time
	log       *logger.Entry
}

// Option configures a Board
type Option func(*Board)

// WithNamespace prefixes every key with ns. The default is "arcade".
func WithNamespace(ns string) Option {
	return func(b *Board) { b.namespace = ns }
}

// WithClock replaces time.Now for entry timestamps
func WithClock(now func() time.Time) Option {
	return func(b *Board) { b.now = now }
}

// New creates a Board backed by kv
func New(kv Executor, opts ...Option) *Board {
	b := &Board{
		kv:        kv,
		namespace: "arcade",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logger.WithFields(logger.Fields{"component": "leaderboard", "namespace": b.namespace})
	return b
}

func (b *Board) scoresKey() string           { return b.namespace + ":leaderboard" }
func (b *Board) entryKey(addr string) string { return b.namespace + ":entry:" + addr }

// NormalizeAddress validates a wallet address and lower-cases it
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !addressRE.MatchString(address) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return strings.ToLower(address), nil
}

// Submit records e if it beats the address's best score. It reports whether
// the board changed. An empty avatar keeps the previously stored one.
func (b *Board) Submit(ctx context.Context, e Entry) (bool, error) {
	addr, err := NormalizeAddress(e.Address)
	if err != nil {
		return false, err
	}
	e.Nickname = strings.TrimSpace(e.Nickname)
	if e.Nickname == "" {
		return false, fmt.Errorf("%w: nickname required", ErrInvalidNickname)
	}
	if e.Score < 0 {
		return false, fmt.Errorf("%w: %d", ErrInvalidScore, e.Score)
	}

	replies, err := b.kv.Pipeline(ctx, []protocol.Command{
		protocol.NewCommand("ZSCORE", b.scoresKey(), addr),
		protocol.NewCommand("GET", b.entryKey(addr)),
	})
	if err != nil {
		return false, err
	}
	if best, ok := parseScore(replies[0]); ok && e.Score <= best {
		return false, nil
	}
	if e.Avatar == "" {
		if prev, ok := decodeEntry(replies[1]); ok {
			e.Avatar = prev.Avatar
		}
	}

	e.Address = addr
	e.UpdatedAt = b.now().UnixMilli()
	blob, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("failed to encode entry: %v", err)
	}

	if _, err := b.kv.Pipeline(ctx, []protocol.Command{
		protocol.NewCommand("ZADD", b.scoresKey(), e.Score, addr),
		protocol.NewCommand("SET", b.entryKey(addr), string(blob)),
	}); err != nil {
		return false, err
	}
	b.log.WithFields(logger.Fields{"address": addr, "score": e.Score}).Debug("new best score")
	return true, nil
}

// Top returns the highest entries, best first. limit defaults to
// DefaultLimit and is capped at MaxLimit.
func (b *Board) Top(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	reply, err := b.kv.Exec(ctx, protocol.NewCommand("ZREVRANGE", b.scoresKey(), 0, limit-1, "WITHSCORES"))
	if err != nil {
		return nil, err
	}
	pairs, ok := reply.Strings()
	if !ok || len(pairs)%2 != 0 {
		return nil, fmt.Errorf("unexpected ZREVRANGE reply: %s", reply)
	}
	if len(pairs) == 0 {
		return []Entry{}, nil
	}

	entries := make([]Entry, 0, len(pairs)/2)
	keys := make([]interface{}, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		score, err := strconv.ParseFloat(pairs[i+1], 64)
		if err != nil {
			return nil, fmt.Errorf("unexpected score %q for %s", pairs[i+1], pairs[i])
		}
		entries = append(entries, Entry{Address: pairs[i], Score: int64(score)})
		keys = append(keys, b.entryKey(pairs[i]))
	}

	blobs, err := b.kv.Exec(ctx, protocol.NewCommand("MGET", keys...))
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if i >= len(blobs.Elems) {
			break
		}
		stored, ok := decodeEntry(blobs.Elems[i])
		if !ok {
			continue
		}
		entries[i].Nickname = stored.Nickname
		entries[i].Avatar = stored.Avatar
		entries[i].UpdatedAt = stored.UpdatedAt
	}
	return entries, nil
}

// Best returns the best score of address, or 0 when it has none
func (b *Board) Best(ctx context.Context, address string) (int64, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return 0, err
	}
	reply, err := b.kv.Exec(ctx, protocol.NewCommand("ZSCORE", b.scoresKey(), addr))
	if err != nil {
		return 0, err
	}
	best, _ := parseScore(reply)
	return best, nil
}

func parseScore(r protocol.Reply) (int64, bool) {
	s, ok := r.Text()
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(f), true
}

func decodeEntry(r protocol.Reply) (Entry, bool) {
	s, ok := r.Text()
	if !ok {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return Entry{}, false
	}
	return e, true
}
