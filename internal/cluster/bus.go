// Package cluster carries node-to-node events over Redis pub/sub.
package cluster

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Handler receives every payload published on a channel by another node.
type Handler func(origin string, payload json.RawMessage)

type frame struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Bus is a thin envelope over Redis pub/sub. A Bus without a Redis client is
// local-only: Publish is a no-op and Subscribe never delivers.
type Bus struct {
	rdb  *redis.Client
	node string
	log  *zap.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	wg     sync.WaitGroup
	closed bool
}

func NewBus(log *zap.Logger, rdb *redis.Client, node string) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{rdb: rdb, node: node, log: log}
}

func (b *Bus) Node() string { return b.node }

func (b *Bus) LocalOnly() bool { return b.rdb == nil }

func (b *Bus) Publish(ctx context.Context, channel string, v any) error {
	if b.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(frame{Origin: b.node, Payload: payload})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel, raw).Err()
}

// Subscribe starts delivering channel messages from other nodes to h on a
// dedicated goroutine. It returns once the subscription is confirmed.
func (b *Bus) Subscribe(ctx context.Context, channel string, h Handler) error {
	if b.rdb == nil {
		return nil
	}
	ps := b.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return nil
	}
	b.subs = append(b.subs, ps)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for msg := range ps.Channel() {
			var f frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				b.log.Warn("cluster frame decode failed", zap.String("channel", channel), zap.Error(err))
				continue
			}
			if f.Origin == b.node {
				continue
			}
			h(f.Origin, f.Payload)
		}
	}()
	return nil
}

// Close stops all subscriptions and waits for their handlers to return.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	b.wg.Wait()
}
