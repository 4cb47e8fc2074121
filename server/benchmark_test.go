package server

import (
	"context"
	"fmt"
	"testing"

	"github.com/luoyjx/arcade-kv/network/protocol"
)

// Simple benchmark for basic operations served by the fallback store
func BenchmarkBasicOperations(b *testing.B) {
	d := NewDispatcher(nil, nil)
	ctx := context.Background()

	b.Run("SET_Operations", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			cmd := protocol.NewCommand("SET", fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i))
			if _, err := d.Exec(ctx, cmd); err != nil {
				b.Fatalf("SET failed: %v", err)
			}
		}
	})

	b.Run("GET_Operations", func(b *testing.B) {
		// Pre-populate with data
		for i := 0; i < 100; i++ {
			d.Exec(ctx, protocol.NewCommand("SET", fmt.Sprintf("get-key-%d", i), "v"))
		}

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			d.Exec(ctx, protocol.NewCommand("GET", fmt.Sprintf("get-key-%d", i%100)))
		}
	})

	b.Run("ZADD_Operations", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			d.Exec(ctx, protocol.NewCommand("ZADD", "bench", i%1000, fmt.Sprintf("member-%d", i%5000)))
		}
	})

	b.Run("Leaderboard_Page", func(b *testing.B) {
		for i := 0; i < 1000; i++ {
			d.Exec(ctx, protocol.NewCommand("ZADD", "page", i, fmt.Sprintf("player-%d", i)))
		}

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			d.Pipeline(ctx, []protocol.Command{
				protocol.NewCommand("ZREVRANGE", "page", 0, 19, "WITHSCORES"),
				protocol.NewCommand("ZSCORE", "page", "player-500"),
			})
		}
	})
}
