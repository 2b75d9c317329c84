package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notify-relay/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const DefaultSendWindowKey = "notify-relay:global-sends"

var _ ratelimit.SendWindow = (*SendWindow)(nil)

// SendWindow keeps successful send timestamps in a sorted set so several
// relay processes share one global ceiling. Scores are unix milliseconds.
type SendWindow struct {
	client *goredis.Client
	key    string
	ttl    time.Duration
}

func NewSendWindow(client *goredis.Client, key string, window time.Duration) (*SendWindow, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultSendWindowKey
	}
	if window <= 0 {
		window = ratelimit.DefaultWindow
	}

	return &SendWindow{
		client: client,
		key:    key,
		ttl:    2 * window,
	}, nil
}

func (w *SendWindow) Add(ctx context.Context, at time.Time) error {
	member := strconv.FormatInt(at.UnixMilli(), 10) + ":" + uuid.NewString()

	_, err := w.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAdd(ctx, w.key, goredis.Z{Score: float64(at.UnixMilli()), Member: member})
		pipe.Expire(ctx, w.key, w.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record send: %w", err)
	}
	return nil
}

func (w *SendWindow) Count(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	cutoff := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)

	var card *goredis.IntCmd
	_, err := w.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, w.key, "-inf", cutoff)
		card = pipe.ZCard(ctx, w.key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count sends: %w", err)
	}
	return int(card.Val()), nil
}
