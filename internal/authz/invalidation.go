package authz

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultInvalidationChannel is the Redis channel invalidations travel
// on between processes.
const DefaultInvalidationChannel = "meridian:authz:invalidate"

// Broadcaster relays cache invalidations across processes through
// Redis pub/sub. Each process invalidates its own cache synchronously
// during the mutation; the broadcast only closes the gap for the other
// processes, which would otherwise wait out their TTL.
type Broadcaster struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewBroadcaster constructs a broadcaster on the given channel. An
// empty channel name selects DefaultInvalidationChannel.
func NewBroadcaster(client *redis.Client, channel string, logger *slog.Logger) *Broadcaster {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{client: client, channel: channel, logger: logger}
}

// Publish announces that the identity's cached permissions are stale.
func (b *Broadcaster) Publish(ctx context.Context, identity Identity) error {
	if err := b.client.Publish(ctx, b.channel, string(identity)).Err(); err != nil {
		return fmt.Errorf("authz: publish invalidation: %w", err)
	}
	return nil
}

// Listen subscribes to the channel and applies every received
// invalidation to the local cache until the context is cancelled.
// Re-invalidating an identity this process already invalidated is
// harmless, so messages are not origin-filtered.
func (b *Broadcaster) Listen(ctx context.Context, cache CacheInvalidator) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("authz: subscribe invalidation: %w", err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			identity := Identity(msg.Payload)
			cache.Invalidate(identity)
			b.logger.Debug("applied remote invalidation", slog.String("identity", msg.Payload))
		}
	}
}
