package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "syncd:doc:"

// envelope wraps a payload with the publishing instance's identity so
// subscribers can drop their own publications (prevents echo loops).
type envelope struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

// RedisBus is a Redis pub/sub implementation of Bus. Each document maps to
// one channel; every instance carries a unique origin ID.
type RedisBus struct {
	client redis.UniversalClient
	origin string

	mu   sync.Mutex
	subs map[*redis.PubSub]struct{}
}

// NewRedisBus wraps an existing Redis client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{
		client: client,
		origin: uuid.NewString(),
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

// Dial connects to Redis and verifies the connection with a ping, so the
// caller can fall back to single-instance mode on failure.
func Dial(ctx context.Context, addr, password string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisBus(client), nil
}

func channel(docID string) string { return channelPrefix + docID }

func (b *RedisBus) Publish(ctx context.Context, docID string, payload []byte) error {
	data, err := json.Marshal(envelope{Origin: b.origin, Payload: payload})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel(docID), data).Err()
}

func (b *RedisBus) Subscribe(docID string, h Handler) (func(), error) {
	ps := b.client.Subscribe(context.Background(), channel(docID))
	// Force the subscription to be established before returning, so a
	// publish immediately after Subscribe is not lost.
	if _, err := ps.Receive(context.Background()); err != nil {
		ps.Close()
		return nil, err
	}

	b.mu.Lock()
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			h(docID, env.Payload)
		}
	}()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, ps)
		b.mu.Unlock()
		ps.Close()
		<-done
	}
	return cancel, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	for ps := range b.subs {
		ps.Close()
	}
	b.subs = make(map[*redis.PubSub]struct{})
	b.mu.Unlock()
	return b.client.Close()
}
