package eventbus

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// redisTransport fans live envelopes out over Redis Pub/Sub so multiple
// harness processes can share one durable SQLite log's subscribers (e.g. a
// primary writer plus read replicas of the event stream). Grounded on
// goadesign-goa-ai's use of github.com/redis/go-redis/v9.
type redisTransport struct {
	client *redis.Client
}

func newRedisTransport(client *redis.Client) *redisTransport {
	return &redisTransport{client: client}
}

func channelName(sessionID string) string { return "harness:events:" + sessionID }

func (r *redisTransport) publish(ctx context.Context, sessionID string, payload []byte) {
	if err := r.client.Publish(ctx, channelName(sessionID), payload).Err(); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("eventbus: redis publish failed, live subscribers may miss this event")
	}
}

func (r *redisTransport) subscribe(ctx context.Context, sessionID string) (<-chan []byte, func()) {
	pubsub := r.client.Subscribe(ctx, channelName(sessionID))
	out := make(chan []byte, 256)

	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, func() { pubsub.Close() }
}
