package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jonathan/vidscan/internal/types"
)

const (
	redisOutboxSize     = 256
	redisPublishTimeout = 2 * time.Second
	redisReconnectDelay = time.Second
)

// envelope is the wire form relayed between instances. The owner travels
// beside the event because ProgressEvent does not serialize it.
type envelope struct {
	Origin string              `json:"origin"`
	Owner  uuid.UUID           `json:"owner"`
	Event  types.ProgressEvent `json:"event"`
}

// RedisBridge relays events between the local bus and a Redis channel so
// subscribers on any instance see progress for jobs running on every instance.
type RedisBridge struct {
	bus     *Bus
	client  redis.UniversalClient
	channel string
	origin  string
	outbox  chan envelope
	log     *zap.Logger
}

// NewRedisBridge wraps bus. Call Run to start relaying.
func NewRedisBridge(bus *Bus, client redis.UniversalClient, channel string, log *zap.Logger) *RedisBridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBridge{
		bus:     bus,
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		outbox:  make(chan envelope, redisOutboxSize),
		log:     log.With(zap.String("component", "redis_bridge"), zap.String("channel", channel)),
	}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Publish delivers locally and queues the event for other instances.
// A full outbox drops the remote copy; local delivery is unaffected.
func (r *RedisBridge) Publish(event types.ProgressEvent) {
	r.bus.Publish(event)
	select {
	case r.outbox <- envelope{Origin: r.origin, Owner: event.OwnerID, Event: event}:
	default:
		r.log.Warn("redis outbox full, dropping remote progress event",
			zap.String("video_id", event.VideoID.String()))
	}
}

// Run relays in both directions until ctx is cancelled.
func (r *RedisBridge) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	go r.drainOutbox(ctx)

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error("redis pubsub receive error", zap.Error(err))
			select {
			case <-time.After(redisReconnectDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		r.handleMessage(msg.Payload)
	}
}

func (r *RedisBridge) drainOutbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.outbox:
			payload, err := json.Marshal(env)
			if err != nil {
				r.log.Error("failed to encode progress event", zap.Error(err))
				continue
			}
			pubCtx, cancel := context.WithTimeout(ctx, redisPublishTimeout)
			err = r.client.Publish(pubCtx, r.channel, payload).Err()
			cancel()
			if err != nil {
				r.log.Warn("failed to publish progress event to redis", zap.Error(err))
			}
		}
	}
}

// handleMessage republishes events that originated on another instance.
func (r *RedisBridge) handleMessage(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("ignoring malformed progress message", zap.Error(err))
		return
	}
	if env.Origin == r.origin {
		return
	}
	env.Event.OwnerID = env.Owner
	r.bus.Publish(env.Event)
}
