package hub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
)

const DefaultRelaySubject = "coord.events"

// NatsRelay is a Relay over a core NATS subject. Like RedisRelay it is
// fire-and-forget: there is no replay for instances that were offline.
type NatsRelay struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

func NewNatsRelay(nc *nats.Conn, subject string, logger *slog.Logger) *NatsRelay {
	if subject == "" {
		subject = DefaultRelaySubject
	}
	return &NatsRelay{nc: nc, subject: subject, logger: logger}
}

func (r *NatsRelay) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.nc.Publish(r.subject, data)
}

func (r *NatsRelay) Subscribe(ctx context.Context, fn func(Envelope)) error {
	ch := make(chan *nats.Msg, 256)
	sub, err := r.nc.ChanSubscribe(r.subject, ch)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			var env Envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				r.logger.Warn("dropping malformed relay message", "error", err)
				continue
			}
			fn(env)
		}
	}
}
