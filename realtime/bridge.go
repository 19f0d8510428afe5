package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskroom/domain"
)

// SubscribeEvents consumes mutation envelopes from the Redis events channel
// and hands them to the hub. Every server instance runs one subscriber so a
// mutation handled anywhere reaches the rooms hosted everywhere. The loop
// reconnects on channel loss and returns only when ctx is cancelled.
func SubscribeEvents(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, hub *Hub) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var env domain.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logger.Errorf("unable to parse event envelope: %v", err)
					continue
				}
				if env.Kind == "" || env.RoomID == "" {
					logger.Warnf("discarding malformed envelope on %s", channel)
					continue
				}
				hub.Publish(env)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
