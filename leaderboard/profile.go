package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/luoyjx/arcade-kv/network/protocol"
)

// Stats is the per-address game profile
type Stats struct {
	GamesPlayed             int64  `json:"gamesPlayed"`
	BestScore               int64  `json:"bestScore"`
	TotalScore              int64  `json:"totalScore"`
	MaxLevelReached         int64  `json:"maxLevelReached"`
	CheckInCount            int64  `json:"checkInCount"`
	ConnectedWithCoinbaseAt *int64 `json:"connectedWithCoinbaseAt,omitempty"`
}

func (s Stats) sanitized() Stats {
	clamp := func(v int64) int64 {
		if v < 0 {
			return 0
		}
		return v
	}
	s.GamesPlayed = clamp(s.GamesPlayed)
	s.BestScore = clamp(s.BestScore)
	s.TotalScore = clamp(s.TotalScore)
	s.MaxLevelReached = clamp(s.MaxLevelReached)
	s.CheckInCount = clamp(s.CheckInCount)
	return s
}

func (b *Board) profileKey(addr string) string { return b.namespace + ":profile:" + addr }

// SaveProfileStats replaces the stored profile of address. Negative counters
// are stored as zero.
func (b *Board) SaveProfileStats(ctx context.Context, address string, stats Stats) error {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(stats.sanitized())
	if err != nil {
		return fmt.Errorf("failed to encode stats: %v", err)
	}
	_, err = b.kv.Exec(ctx, protocol.NewCommand("SET", b.profileKey(addr), string(blob)))
	return err
}

// ProfileStats returns the stored profile of address, or nil when there is
// none or it cannot be decoded.
func (b *Board) ProfileStats(ctx context.Context, address string) (*Stats, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	reply, err := b.kv.Exec(ctx, protocol.NewCommand("GET", b.profileKey(addr)))
	if err != nil {
		return nil, err
	}
	raw, ok := reply.Text()
	if !ok {
		return nil, nil
	}
	var stats Stats
	if err := json.Unmarshal([]byte(raw), &stats); err != nil {
		b.log.WithError(err).WithField("address", addr).Warn("discarding undecodable profile stats")
		return nil, nil
	}
	stats = stats.sanitized()
	return &stats, nil
}
