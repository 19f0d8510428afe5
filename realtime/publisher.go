package realtime

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskroom/domain"
)

// RedisPublisher pushes mutation envelopes onto the Redis events channel
// through a bounded queue drained by a single worker, keeping the request
// path free of Redis round-trips. One worker is load-bearing: envelopes must
// reach the channel in mutation-completion order, otherwise a peer can see
// an update arrive after the delete that followed it and resurrect the task.
// Delivery is fire-and-forget: when the buffer is saturated past the handoff
// window, or a publish fails, the event is dropped and logged. Recipients
// self-heal by re-fetching on reconnect.
type RedisPublisher struct {
	rc             *redis.Client
	channel        string
	logger         *log.Logger
	jobs           chan domain.Envelope
	publishTimeout time.Duration
	handoffTimeout time.Duration
	wg             sync.WaitGroup
}

// NewRedisPublisher starts the publish worker. Queue sizing is environment
// tunable: PUBLISH_BUFFER, PUBLISH_TIMEOUT, PUBLISH_HANDOFF_TIMEOUT.
func NewRedisPublisher(rc *redis.Client, channel string, logger *log.Logger) *RedisPublisher {
	p := &RedisPublisher{
		rc:             rc,
		channel:        channel,
		logger:         logger,
		jobs:           make(chan domain.Envelope, envInt("PUBLISH_BUFFER", 1024)),
		publishTimeout: envDur("PUBLISH_TIMEOUT", 10*time.Second),
		handoffTimeout: envDur("PUBLISH_HANDOFF_TIMEOUT", 15*time.Millisecond),
	}
	p.wg.Add(1)
	go p.worker()
	logger.Infof("event publisher started, channel: %s, buffer: %d", channel, cap(p.jobs))
	return p
}

// Publish queues the envelope for delivery. It never blocks longer than the
// handoff window and never returns an error; a dropped event is logged and
// forgotten, the mutation it describes has already been stored.
func (p *RedisPublisher) Publish(env domain.Envelope) {
	select {
	case p.jobs <- env:
		return
	default:
	}

	if p.handoffTimeout <= 0 {
		p.drop(env)
		return
	}
	timer := time.NewTimer(p.handoffTimeout)
	defer timer.Stop()
	select {
	case p.jobs <- env:
	case <-timer.C:
		p.drop(env)
	}
}

// Close stops accepting envelopes, drains the queue and waits for the worker.
func (p *RedisPublisher) Close() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *RedisPublisher) worker() {
	defer p.wg.Done()
	for env := range p.jobs {
		data, err := json.Marshal(env)
		if err != nil {
			p.logger.Errorf("marshal envelope: %v", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
		err = p.rc.Publish(ctx, p.channel, data).Err()
		cancel()
		if err != nil {
			p.logger.Errorf("publish failed, err: %v, kind: %s, entity: %s", err, env.Kind, env.EntityID())
		}
	}
}

func (p *RedisPublisher) drop(env domain.Envelope) {
	p.logger.WithFields(log.Fields{
		"kind":   env.Kind,
		"entity": env.EntityID(),
	}).Warn("publish buffer saturated, dropping event")
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envDur(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
