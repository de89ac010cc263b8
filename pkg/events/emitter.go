package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Lexa-Bard/Ceramic/pkg/repository"
	"github.com/Lexa-Bard/Ceramic/pkg/types"
)

// ChannelAnchorEvents is the redis channel anchor events are published on.
const ChannelAnchorEvents = "cas:anchor-events"

// AnchorEvent signals downstream workers that a READY batch exists.
type AnchorEvent struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// IEventBus publishes anchor events to whoever runs batches.
type IEventBus interface {
	Publish(ctx context.Context, event *AnchorEvent) error
}

// RedisEventBus publishes anchor events on a redis pub/sub channel.
type RedisEventBus struct {
	client *redis.Client
	logger *zap.Logger
}

// RedisConfig holds the connection settings for the event bus.
type RedisConfig struct {
	// Address is the Redis server address (host:port)
	Address string
	// Password is the optional Redis password
	Password string
	// DB is the Redis database number (0-15)
	DB int
}

func NewRedisEventBus(cfg *RedisConfig, logger *zap.Logger) (*RedisEventBus, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	return &RedisEventBus{client: client, logger: logger}, nil
}

func (r *RedisEventBus) Publish(ctx context.Context, event *AnchorEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal anchor event: %w", err)
	}
	if err := r.client.Publish(ctx, ChannelAnchorEvents, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish anchor event: %w", err)
	}
	return nil
}

// Close releases the redis connection.
func (r *RedisEventBus) Close() error {
	return r.client.Close()
}

var _ IEventBus = (*RedisEventBus)(nil)

// Emitter decides when a new anchor event is due and publishes it.
type Emitter struct {
	requests repository.IRequestRepository
	bus      IEventBus
	logger   *zap.Logger

	maxStreamLimit int
	minStreamLimit int
}

func NewEmitter(requests repository.IRequestRepository, bus IEventBus, maxStreamLimit, minStreamLimit int, logger *zap.Logger) *Emitter {
	return &Emitter{
		requests:       requests,
		bus:            bus,
		logger:         logger,
		maxStreamLimit: maxStreamLimit,
		minStreamLimit: minStreamLimit,
	}
}

// EmitIfReady publishes one anchor event when a READY batch exists.
//
// With READY requests outstanding, an event is only re-emitted once some of
// them have outlived the ready-retention window and fallen back to PENDING,
// so a batch that is already being worked on is not double-announced. With
// none outstanding, PENDING requests are promoted first.
//
// Publish failures are logged and swallowed: the next invocation re-emits
// when READY expiries trip again.
func (e *Emitter) EmitIfReady(ctx context.Context) error {
	readyCount, err := e.requests.CountByStatus(ctx, types.RequestStatus_Ready)
	if err != nil {
		return err
	}

	if readyCount > 0 {
		updated, err := e.requests.UpdateExpiringReadyRequests(ctx)
		if err != nil {
			return err
		}
		if updated == 0 {
			return nil
		}
		e.emit(ctx, updated)
		return nil
	}

	promoted, err := e.requests.FindAndMarkReady(ctx, e.maxStreamLimit, e.minStreamLimit)
	if err != nil {
		return err
	}
	if len(promoted) == 0 {
		return nil
	}
	e.emit(ctx, len(promoted))
	return nil
}

func (e *Emitter) emit(ctx context.Context, readyCount int) {
	event := &AnchorEvent{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}
	if err := e.bus.Publish(ctx, event); err != nil {
		e.logger.Sugar().Warnw("Failed to publish anchor event",
			"eventId", event.ID,
			"readyCount", readyCount,
			"error", err,
		)
		return
	}
	e.logger.Sugar().Infow("Anchor event published",
		"eventId", event.ID,
		"readyCount", readyCount,
	)
}
