package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/caliberdev/caliber/pkg/clients/redis"
	"github.com/caliberdev/caliber/pkg/ids"
)

// RedisCursorHint is a [CursorHint] backed by the platform's Redis client
// wrapper. It is advisory only: no external pub/sub or cache may be a
// source of truth for the multi-instance journal, so every
// miss or error here is swallowed and simply falls back to a from-zero
// rescan, which is always correct, just slower.
type RedisCursorHint struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCursorHint wraps client as a cursor hint cache. Entries expire
// after ttl so a long-dead consumer's stale cursor doesn't linger forever;
// ttl of zero disables expiration.
func NewRedisCursorHint(client *redis.Client, ttl time.Duration) *RedisCursorHint {
	return &RedisCursorHint{client: client, ttl: ttl, logger: slog.Default()}
}

// Get implements [CursorHint]. Any Redis error (including a cache miss) is
// reported as ok=false rather than propagated, consistent with this type's
// purely-advisory role.
func (h *RedisCursorHint) Get(ctx context.Context, tenant ids.TenantID, consumer string) (uint64, bool) {
	val, err := h.client.Get(ctx, cursorKey(tenant, consumer))
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			h.logger.Debug("journal/redis_hint: get failed", "error", err)
		}
		return 0, false
	}
	seq, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Set implements [CursorHint]. Failures are logged and swallowed.
func (h *RedisCursorHint) Set(ctx context.Context, tenant ids.TenantID, consumer string, seq uint64) {
	err := h.client.Set(ctx, cursorKey(tenant, consumer), strconv.FormatUint(seq, 10), h.ttl)
	if err != nil {
		h.logger.Debug("journal/redis_hint: set failed", "error", err)
	}
}

func cursorKey(tenant ids.TenantID, consumer string) string {
	return fmt.Sprintf("caliber:journal:cursor:%s:%s", tenant.String(), consumer)
}

var _ CursorHint = (*RedisCursorHint)(nil)
