// Package apr notifies the downstream APR aggregation that a position's ledger changed.
package apr

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "ledger:apr.refresh"

// Message is the published payload.
type Message struct {
	PositionID  string    `json:"position_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// Publisher is the part of *redis.Client the trigger uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisTrigger publishes refresh requests on a Pub/Sub channel.
type RedisTrigger struct {
	publisher Publisher
	channel   string
	logger    *zap.Logger
	now       func() time.Time
}

func NewRedisTrigger(publisher Publisher, channel string, logger *zap.Logger) *RedisTrigger {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisTrigger{
		publisher: publisher,
		channel:   channel,
		logger:    logger.With(zap.String("component", "apr_trigger")),
		now:       time.Now,
	}
}

// Dial connects to redis at addr and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// Refresh publishes a recompute request for positionID.
func (t *RedisTrigger) Refresh(ctx context.Context, positionID string) error {
	payload, err := json.Marshal(Message{PositionID: positionID, RequestedAt: t.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal apr message: %w", err)
	}
	if err := t.publisher.Publish(ctx, t.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish apr refresh for %s: %w", positionID, err)
	}
	t.logger.Debug("apr refresh requested", zap.String("position_id", positionID), zap.String("channel", t.channel))
	return nil
}

// LogTrigger only logs; it is used when no redis address is configured.
type LogTrigger struct {
	Logger *zap.Logger
}

func (t LogTrigger) Refresh(_ context.Context, positionID string) error {
	if t.Logger != nil {
		t.Logger.Debug("apr refresh skipped, no redis configured", zap.String("position_id", positionID))
	}
	return nil
}
