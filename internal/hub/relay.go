package hub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mossy-p/session-coordinator/internal/models"
	"github.com/redis/go-redis/v9"
)

const DefaultRelayChannel = "coord:events"

// Envelope is an event travelling between instances. Either ParticipantID
// (a direct notification) or Namespace and RoomID (a room emission) is set.
type Envelope struct {
	Origin        string          `json:"origin"`
	Namespace     models.Kind     `json:"ns,omitempty"`
	RoomID        string          `json:"roomId,omitempty"`
	ParticipantID string          `json:"participantId,omitempty"`
	Exclude       []string        `json:"exclude,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// Relay carries envelopes between instances.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe blocks, calling fn for every envelope, until ctx is done.
	Subscribe(ctx context.Context, fn func(Envelope)) error
}

// RedisRelay is a Relay over redis pub/sub. Delivery is best effort: an
// instance that is not subscribed when an event is published misses it.
type RedisRelay struct {
	rdb     redis.UniversalClient
	channel string
	logger  *slog.Logger
}

func NewRedisRelay(rdb redis.UniversalClient, channel string, logger *slog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{rdb: rdb, channel: channel, logger: logger}
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, data).Err()
}

func (r *RedisRelay) Subscribe(ctx context.Context, fn func(Envelope)) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("dropping malformed relay message", "error", err)
				continue
			}
			fn(env)
		}
	}
}
