package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/miguelnutt/rewards-backend/internal/models"
	"go.uber.org/zap"
)

// BalanceChangedChannel is the Redis channel UI collaborators subscribe to.
const BalanceChangedChannel = "balance_changed"

// BalanceChanged is emitted after every committed ledger mutation.
type BalanceChanged struct {
	UserID          string              `json:"user_id"`
	Currency        models.CurrencyKind `json:"currency"`
	PreviousBalance int64               `json:"previous_balance"`
	NewBalance      int64               `json:"new_balance"`
	Delta           int64               `json:"delta"`
	Source          models.Source       `json:"source"`
	At              time.Time           `json:"at"`
}

type Publisher interface {
	PublishBalanceChanged(ctx context.Context, event BalanceChanged)
}

// NewPublisher returns a Redis publisher, or a no-op one when rdb is nil.
func NewPublisher(rdb *redis.Client, logger *zap.Logger) Publisher {
	if rdb == nil {
		return NopPublisher{}
	}
	return &RedisPublisher{rdb: rdb, channel: BalanceChangedChannel, logger: logger}
}

type NopPublisher struct{}

func (NopPublisher) PublishBalanceChanged(context.Context, BalanceChanged) {}

type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	logger  *zap.Logger
}

// PublishBalanceChanged is fire and forget. Delivery failures are logged only.
func (p *RedisPublisher) PublishBalanceChanged(ctx context.Context, event BalanceChanged) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("[EVENTS] failed to encode balance event", zap.Error(err))
		return
	}
	if err := p.rdb.Publish(ctx, p.channel, string(payload)).Err(); err != nil {
		p.logger.Warn("[EVENTS] failed to publish balance event",
			zap.String("user_id", event.UserID),
			zap.String("currency", string(event.Currency)),
			zap.Error(err))
	}
}
