package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Transport moves encoded messages between processes. Each exchange is a
// work queue: a message is received by exactly one worker.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	// Receive waits up to timeout for the next message on exchange. ok is
	// false when the wait timed out.
	Receive(ctx context.Context, exchange string, timeout time.Duration) (msg Message, ok bool, err error)
	Close() error
}

// Memory is an in-process transport used by tests and single-binary runs.
type Memory struct {
	mu     sync.Mutex
	queues map[string]chan Message
	sent   []Message
}

// NewMemory returns a transport with a buffered queue per exchange.
func NewMemory() *Memory {
	return &Memory{queues: map[string]chan Message{
		Audit: make(chan Message, 4096),
		React: make(chan Message, 4096),
	}}
}

func (m *Memory) queue(exchange string) (chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[exchange]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, exchange)
	}
	return q, nil
}

func (m *Memory) Send(ctx context.Context, msg Message) error {
	q, err := m.queue(msg.Exchange)
	if err != nil {
		return err
	}
	select {
	case q <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Receive(ctx context.Context, exchange string, timeout time.Duration) (Message, bool, error) {
	q, err := m.queue(exchange)
	if err != nil {
		return Message{}, false, err
	}
	if timeout <= 0 {
		select {
		case msg := <-q:
			return msg, true, nil
		default:
			return Message{}, false, nil
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-q:
		return msg, true, nil
	case <-timer.C:
		return Message{}, false, nil
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	}
}

// Sent returns every message ever sent, in order.
func (m *Memory) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// Len reports the number of queued messages on exchange.
func (m *Memory) Len(exchange string) int {
	q, err := m.queue(exchange)
	if err != nil {
		return 0
	}
	return len(q)
}

func (m *Memory) Close() error { return nil }

// Redis keeps one list per exchange. Producers LPUSH, consumers BRPOP, so
// per-exchange order is FIFO.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to a Redis server.
func NewRedis(addr, password string, db int) *Redis {
	return NewRedisClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// NewRedisClient wraps an existing client.
func NewRedisClient(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "allura:bus:"}
}

// Key returns the list key backing exchange.
func (r *Redis) Key(exchange string) string { return r.prefix + exchange }

func (r *Redis) Send(ctx context.Context, msg Message) error {
	if !validExchange(msg.Exchange) {
		return fmt.Errorf("%w: %q", ErrUnknownExchange, msg.Exchange)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.client.LPush(ctx, r.Key(msg.Exchange), raw).Err()
}

func (r *Redis) Receive(ctx context.Context, exchange string, timeout time.Duration) (Message, bool, error) {
	if !validExchange(exchange) {
		return Message{}, false, fmt.Errorf("%w: %q", ErrUnknownExchange, exchange)
	}
	res, err := r.client.BRPop(ctx, timeout, r.Key(exchange)).Result()
	if err == redis.Nil {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return Message{}, false, fmt.Errorf("bus: decode %s: %w", exchange, err)
	}
	return msg, true, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.client.Close() }
