package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/umit144/purchase-reconciler/internal/models"
)

const DefaultRedisChannel = "notifications.purchase.updated"

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes every notification as JSON on a pub/sub channel.
type RedisPublisher struct {
	client  redisPublisher
	channel string
	timeout time.Duration
	logger  *zap.Logger
}

func NewRedisPublisher(client redisPublisher, channel string, logger *zap.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, channel: channel, timeout: 5 * time.Second, logger: logger}
}

func (p *RedisPublisher) OnPurchaseNotification(info models.NotificationInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	data, err := json.Marshal(info)
	if err != nil {
		p.logger.Error("marshaling notification", zap.Error(err), zap.String("event_id", info.EventID))
		return
	}

	if err := p.client.Publish(ctx, p.channel, string(data)).Err(); err != nil {
		p.logger.Error("publishing notification",
			zap.Error(err),
			zap.String("channel", p.channel),
			zap.String("event_id", info.EventID),
		)
		return
	}

	p.logger.Debug("notification published", zap.String("channel", p.channel), zap.String("state", string(info.State)))
}
