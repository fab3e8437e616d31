package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "audit:"

	// recordTimeout bounds each write so a slow Redis backs up only the
	// recorder's own queue, never a caller.
	recordTimeout = 2 * time.Second

	// queueSize bounds buffered records; when Redis stalls long enough
	// to fill it, further records are dropped and counted in the log.
	queueSize = 256
)

// Redis records call events as a per-session Redis list with a TTL.
// Writes happen on a dedicated goroutine; Record only enqueues and
// never blocks the caller.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
	ttl    time.Duration

	queue chan Entry
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewRedis creates a Redis-backed recorder and starts its write worker.
// A non-positive ttl defaults to 24 hours. Call Close to flush and stop
// the worker.
func NewRedis(client *redis.Client, logger *slog.Logger, ttl time.Duration) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	r := &Redis{
		client: client,
		logger: logger,
		ttl:    ttl,
		queue:  make(chan Entry, queueSize),
		done:   make(chan struct{}),
	}
	go r.writeLoop()
	return r
}

// Record enqueues one event for the session's audit list. A full queue
// or closed recorder drops the record; failures are logged, never
// surfaced to the call.
func (r *Redis) Record(_ context.Context, sessionToken, eventType string, payload any) {
	entry := Entry{
		ID:           uuid.NewString(),
		SessionToken: sessionToken,
		EventType:    eventType,
		Payload:      payload,
		Timestamp:    time.Now().UTC(),
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- entry:
	default:
		r.logger.Warn("audit record dropped, queue full", "session_token", sessionToken, "event_type", eventType)
	}
}

// Close stops accepting records, flushes the queue, and waits for the
// worker to exit.
func (r *Redis) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
	return nil
}

func (r *Redis) writeLoop() {
	defer close(r.done)
	for entry := range r.queue {
		r.write(entry)
	}
}

func (r *Redis) write(entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		r.logger.Warn("audit record marshal failed", "session_token", entry.SessionToken, "event_type", entry.EventType, "error", err)
		return
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	key := redisKeyPrefix + entry.SessionToken
	pipe := r.client.Pipeline()
	pipe.RPush(writeCtx, key, data)
	pipe.Expire(writeCtx, key, r.ttl)
	if _, err := pipe.Exec(writeCtx); err != nil {
		r.logger.Warn("audit record write failed", "session_token", entry.SessionToken, "event_type", entry.EventType, "error", err)
	}
}
