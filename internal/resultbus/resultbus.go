// Package resultbus optionally republishes every computed ResultMessage onto
// Redis Pub/Sub so external dashboards or replicas can observe live results
// without opening their own client channel. Purely transient: nothing is
// persisted, so this does not reopen the "historical storage" Non-goal.
package resultbus

import (
	"context"
	"encoding/json"
	"log/slog"

	goredis "github.com/go-redis/redis/v8"

	"candlexpr/internal/model"
)

const channelPrefix = "candlexpr:result:"

// Bus publishes ResultMessages to Redis. A nil *Bus (constructed with no
// Redis address configured) is valid and Publish becomes a no-op, so callers
// never need to nil-check before using it.
type Bus struct {
	rdb *goredis.Client
	ctx context.Context
}

// New connects to addr and returns a Bus, or nil if addr is empty — the
// feature is entirely optional per SPEC_FULL's domain-stack wiring.
func New(ctx context.Context, addr, password string) *Bus {
	if addr == "" {
		return nil
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, Password: password})
	return &Bus{rdb: rdb, ctx: ctx}
}

// Publish fans res out onto "candlexpr:result:<stream>". Failures are logged
// and otherwise ignored — the client channel, not Redis, is the result's
// authoritative delivery path.
func (b *Bus) Publish(res model.ResultMessage) {
	if b == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		slog.Warn("resultbus: marshal failed", "stream", res.Stream, "err", err)
		return
	}
	if err := b.rdb.Publish(b.ctx, channelPrefix+res.Stream, data).Err(); err != nil {
		slog.Warn("resultbus: publish failed", "stream", res.Stream, "err", err)
	}
}

// Close releases the underlying Redis client. Safe to call on a nil Bus.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	return b.rdb.Close()
}
