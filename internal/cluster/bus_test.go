package cluster

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type ping struct {
	N int `json:"n"`
}

func TestBusDeliversToOtherNodesOnly(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a := NewBus(zaptest.NewLogger(t), redis.NewClient(&redis.Options{Addr: mr.Addr()}), "node-a")
	b := NewBus(zaptest.NewLogger(t), redis.NewClient(&redis.Options{Addr: mr.Addr()}), "node-b")
	defer a.Close()
	defer b.Close()

	gotA := make(chan int, 4)
	gotB := make(chan int, 4)
	handler := func(out chan int) Handler {
		return func(_ string, p json.RawMessage) {
			var v ping
			if json.Unmarshal(p, &v) == nil {
				out <- v.N
			}
		}
	}
	require.NoError(t, a.Subscribe(ctx, "test", handler(gotA)))
	require.NoError(t, b.Subscribe(ctx, "test", handler(gotB)))

	require.NoError(t, a.Publish(ctx, "test", ping{N: 7}))

	select {
	case n := <-gotB:
		assert.Equal(t, 7, n)
	case <-time.After(2 * time.Second):
		t.Fatal("node-b did not receive")
	}
	select {
	case <-gotA:
		t.Fatal("origin must not receive its own event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusLocalOnly(t *testing.T) {
	b := NewBus(nil, nil, "solo")
	assert.True(t, b.LocalOnly())
	assert.NoError(t, b.Publish(context.Background(), "x", ping{}))
	assert.NoError(t, b.Subscribe(context.Background(), "x", func(string, json.RawMessage) {}))
	b.Close()
}
