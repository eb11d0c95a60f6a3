// Package daemoncore implements the daemon's control plane: the SSE event
// broadcaster, the dynamic JSON user config, the setup wizard state
// machine, and the HTTP surface that ties them together (including the
// read-only /api/history projection backed by internal/storage).
package daemoncore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one item on the SSE stream.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

const (
	subscriberBufferSize = 64
	heartbeatInterval    = 15 * time.Second
)

// Broadcaster fans a single event stream out to every subscriber, with an
// optional Redis pub/sub leg so a second daemon process (a blue/green
// self-update instance) observes the same stream. Redis is strictly
// additive: a nil client leaves the broadcaster fully functional as an
// in-memory-only fan-out, exactly as a single daemon process needs.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	redis       *redis.Client
	redisTopic  string
	closed      bool
	cancelRedis context.CancelFunc
}

// NewBroadcaster constructs a Broadcaster. If redisAddr is empty, the
// broadcaster runs as a single in-memory instance.
func NewBroadcaster(redisAddr, redisTopic string) *Broadcaster {
	b := &Broadcaster{
		subscribers: map[chan Event]struct{}{},
		redisTopic:  redisTopic,
	}
	if redisAddr == "" {
		return b
	}

	b.redis = redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithCancel(context.Background())
	b.cancelRedis = cancel
	go b.listenRedis(ctx)
	return b
}

// Subscribe registers a new subscriber and returns its event channel plus
// an unsubscribe function. The channel has a bounded buffer; a slow
// subscriber is dropped rather than allowed to block the broadcaster.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Publish fans event out to every local subscriber and, if configured,
// to the Redis topic for other daemon instances.
func (b *Broadcaster) Publish(eventType string, data interface{}) {
	evt := Event{Type: eventType, Data: data, Timestamp: time.Now()}
	b.publishLocal(evt)
	b.publishRedis(evt)
}

// Emit implements the skills.EventEmitter interface so the installer can
// publish skills:installed/skills:uninstalled without importing daemoncore.
func (b *Broadcaster) Emit(eventType string, data interface{}) { b.Publish(eventType, data) }

func (b *Broadcaster) publishLocal(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// Subscriber's buffer is full: drop it rather than block the
			// broadcaster for every other subscriber.
			delete(b.subscribers, ch)
			close(ch)
		}
	}
}

func (b *Broadcaster) publishRedis(evt Event) {
	if b.redis == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("failed to marshal event for redis fan-out", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.redis.Publish(ctx, b.redisTopic, payload).Err(); err != nil {
		slog.Warn("redis event publish failed", "error", err)
	}
}

func (b *Broadcaster) listenRedis(ctx context.Context) {
	pubsub := b.redis.Subscribe(ctx, b.redisTopic)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				slog.Warn("failed to unmarshal redis event", "error", err)
				continue
			}
			b.publishLocal(evt)
		}
	}
}

// Close releases the Redis subscription and every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()

	if b.cancelRedis != nil {
		b.cancelRedis()
	}
	if b.redis != nil {
		b.redis.Close()
	}
}

// ServeSSE writes the standard SSE event-stream preamble and heartbeat
// loop for one subscriber; callers (the http.Handler) supply the
// ResponseWriter/Flusher pair and a context bound to the request.
func (b *Broadcaster) serveHeartbeat(ctx context.Context, write func(Event) error) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	events, unsubscribe := b.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := write(Event{Type: "heartbeat", Timestamp: time.Now()}); err != nil {
				return fmt.Errorf("write heartbeat: %w", err)
			}
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := write(evt); err != nil {
				return fmt.Errorf("write event: %w", err)
			}
		}
	}
}
