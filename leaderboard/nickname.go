package leaderboard

import (
	"context"
	"fmt"
	"strings"

	"github.com/luoyjx/arcade-kv/network/protocol"
)

func (b *Board) nickByAddrKey(addr string) string { return b.namespace + ":nickname:addr:" + addr }
func (b *Board) addrByNickKey(nick string) string {
	return b.namespace + ":nickname:name:" + strings.ToLower(nick)
}

// SetNickname claims nickname for address. Nicknames are unique ignoring
// case; the address's previous nickname is released.
func (b *Board) SetNickname(ctx context.Context, address, nickname string) error {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return err
	}
	nickname = strings.TrimSpace(nickname)
	if !nicknameRE.MatchString(nickname) {
		return fmt.Errorf("%w: %q", ErrInvalidNickname, nickname)
	}

	replies, err := b.kv.Pipeline(ctx, []protocol.Command{
		protocol.NewCommand("GET", b.addrByNickKey(nickname)),
		protocol.NewCommand("GET", b.nickByAddrKey(addr)),
	})
	if err != nil {
		return err
	}
	if owner, ok := replies[0].Text(); ok && strings.ToLower(owner) != addr {
		return fmt.Errorf("%w: %q", ErrNicknameTaken, nickname)
	}

	var cmds []protocol.Command
	if prev, ok := replies[1].Text(); ok && !strings.EqualFold(prev, nickname) {
		cmds = append(cmds, protocol.NewCommand("DEL", b.addrByNickKey(prev)))
	}
	cmds = append(cmds,
		protocol.NewCommand("SET", b.addrByNickKey(nickname), addr),
		protocol.NewCommand("SET", b.nickByAddrKey(addr), nickname),
	)
	_, err = b.kv.Pipeline(ctx, cmds)
	return err
}

// NicknameFor returns the nickname registered for address
func (b *Board) NicknameFor(ctx context.Context, address string) (string, bool, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return "", false, err
	}
	reply, err := b.kv.Exec(ctx, protocol.NewCommand("GET", b.nickByAddrKey(addr)))
	if err != nil {
		return "", false, err
	}
	nick, ok := reply.Text()
	if !ok || strings.TrimSpace(nick) == "" {
		return "", false, nil
	}
	return nick, true, nil
}

// AddressFor returns the address that owns nickname, ignoring case
func (b *Board) AddressFor(ctx context.Context, nickname string) (string, bool, error) {
	reply, err := b.kv.Exec(ctx, protocol.NewCommand("GET", b.addrByNickKey(strings.TrimSpace(nickname))))
	if err != nil {
		return "", false, err
	}
	addr, ok := reply.Text()
	if !ok || addr == "" {
		return "", false, nil
	}
	return addr, true, nil
}
