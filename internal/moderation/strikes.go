package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	strikePrefix = "mod:strikes:"
	// StrikeWindow is how long a flagged message counts against its sender.
	StrikeWindow = 24 * time.Hour
)

// Strikes counts flagged messages per sender in Redis so that repeat
// offenders stand out in the moderator log.
type Strikes struct {
	client *redis.Client
}

// NewStrikes returns a strike counter on the given client.
func NewStrikes(client *redis.Client) *Strikes {
	return &Strikes{client: client}
}

// Add records one strike for senderID and returns the count inside the
// current window.
func (s *Strikes) Add(ctx context.Context, senderID string) (int64, error) {
	key := strikePrefix + senderID
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, StrikeWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("moderation: add strike %s: %w", senderID, err)
	}
	return incr.Val(), nil
}

// Count returns the strikes currently held by senderID.
func (s *Strikes) Count(ctx context.Context, senderID string) (int64, error) {
	n, err := s.client.Get(ctx, strikePrefix+senderID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("moderation: count strikes %s: %w", senderID, err)
	}
	return n, nil
}
