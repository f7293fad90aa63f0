package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/butterr12/iskomunidad-guard/internal/observability/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// envelope is the pub/sub wire format shared by every instance.
type envelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Except  string          `json:"except,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// RedisRooms is a Broadcaster that fans messages out across instances over a
// Redis pub/sub channel. Local members are served directly; remote instances
// deliver to their own members when the envelope arrives.
type RedisRooms struct {
	local   *LocalRooms
	client  redis.UniversalClient
	channel string
	origin  string
	pubsub  *redis.PubSub
	logger  *zap.Logger
	done    chan struct{}
}

// NewRedisRooms subscribes to channel and starts the delivery loop.
func NewRedisRooms(ctx context.Context, client redis.UniversalClient, channel string, logger *zap.Logger) (*RedisRooms, error) {
	if channel == "" {
		channel = "realtime:rooms"
	}
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("NewRedisRooms: %w", err)
	}
	r := &RedisRooms{
		local:   NewLocalRooms(),
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		pubsub:  pubsub,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go r.listen()
	return r, nil
}

func (r *RedisRooms) listen() {
	defer close(r.done)
	for msg := range r.pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.logger.Debug("dropping malformed room envelope", zap.Error(err))
			continue
		}
		if env.Origin == r.origin {
			continue
		}
		r.local.deliver(env.Room, env.Payload, env.Except)
	}
}

func (r *RedisRooms) Join(room string, c *Client) { r.local.Join(room, c) }
func (r *RedisRooms) Leave(room string, c *Client) { r.local.Leave(room, c) }

// Emit delivers locally, then publishes for the other instances. A publish
// failure is returned after local members have been served.
func (r *RedisRooms) Emit(ctx context.Context, room string, msg []byte, except string) error {
	r.local.deliver(room, msg, except)

	b, err := json.Marshal(envelope{Origin: r.origin, Room: room, Except: except, Payload: msg})
	if err != nil {
		return fmt.Errorf("RedisRooms.Emit: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		metrics.RealtimeFanoutErrorsTotal.Inc()
		r.logger.Warn("room fan-out publish failed", zap.String("room", room), zap.Error(err))
		return fmt.Errorf("RedisRooms.Emit: %w", err)
	}
	return nil
}

// Close unsubscribes and waits for the delivery loop to exit.
func (r *RedisRooms) Close() error {
	err := r.pubsub.Close()
	<-r.done
	return err
}
