package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/im-realtime/pkg/envelope"
	"yuim/im-realtime/pkg/store/storeiface"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	return NewFromClient(cli), mr
}

func TestAppendAssignsSeqAndMonotonicTimestamp(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := envelope.DeviceKey{Account: uuid.New(), Device: 1}

	clock := time.UnixMilli(2_000_000)
	s.now = func() time.Time { return clock }
	first, err := s.Append(ctx, key, &envelope.Envelope{Type: envelope.TypeCiphertext})
	require.NoError(t, err)

	// clock goes backwards; server timestamp must not
	clock = time.UnixMilli(1_000_000)
	second, err := s.Append(ctx, key, &envelope.Envelope{Type: envelope.TypeCiphertext})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, first.GUID)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, int64(2_000_000), first.ServerTimestamp)
	assert.GreaterOrEqual(t, second.ServerTimestamp, first.ServerTimestamp)
}

func TestDrainIsOrderedAndPaged(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := envelope.DeviceKey{Account: uuid.New(), Device: 2}

	var guids []uuid.UUID
	for i := 0; i < 5; i++ {
		e, err := s.Append(ctx, key, &envelope.Envelope{Type: envelope.TypeCiphertext, ClientTimestamp: int64(i)})
		require.NoError(t, err)
		guids = append(guids, e.GUID)
	}

	page, err := s.Drain(ctx, key, 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, guids[:3], []uuid.UUID{page[0].GUID, page[1].GUID, page[2].GUID})

	rest, err := s.Drain(ctx, key, page[2].Seq, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, guids[3], rest[0].GUID)
	assert.True(t, rest[0].ServerTimestamp > 0)
}

func TestAcknowledgeRemovesOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := envelope.DeviceKey{Account: uuid.New(), Device: 1}

	src := uuid.New()
	e, err := s.Append(ctx, key, &envelope.Envelope{Type: envelope.TypeCiphertext, SourceIdentifier: &src, ClientTimestamp: 42})
	require.NoError(t, err)

	got, err := s.Acknowledge(ctx, key, e.GUID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.ClientTimestamp)
	require.NotNil(t, got.SourceIdentifier)
	assert.Equal(t, src, *got.SourceIdentifier)

	_, err = s.Acknowledge(ctx, key, e.GUID)
	assert.ErrorIs(t, err, storeiface.ErrNotFound)

	left, err := s.Drain(ctx, key, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestPersistIndex(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := envelope.DeviceKey{Account: uuid.New(), Device: 1}

	s.now = func() time.Time { return time.UnixMilli(1000) }
	e, err := s.Append(ctx, key, &envelope.Envelope{Type: envelope.TypeCiphertext})
	require.NoError(t, err)

	keys, err := s.QueuesToPersist(ctx, time.UnixMilli(500), 10)
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = s.QueuesToPersist(ctx, time.UnixMilli(2000), 10)
	require.NoError(t, err)
	assert.Equal(t, []envelope.DeviceKey{key}, keys)

	dropped, err := s.Unindex(ctx, key)
	require.NoError(t, err)
	assert.False(t, dropped, "queue still holds an envelope")

	removed, err := s.Remove(ctx, key, []uuid.UUID{e.GUID, uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{e.GUID}, removed)

	dropped, err = s.Unindex(ctx, key)
	require.NoError(t, err)
	assert.True(t, dropped)
}

func TestRoutes(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	key := envelope.DeviceKey{Account: uuid.New(), Device: 1}

	node, err := s.GetRoute(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, node)

	require.NoError(t, s.SetRoute(ctx, key, "node-a", time.Minute))
	require.NoError(t, s.ClearRoute(ctx, key, "node-b"))
	node, err = s.GetRoute(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "node-a", node)

	mr.FastForward(2 * time.Minute)
	node, err = s.GetRoute(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, node)

	require.NoError(t, s.SetRoute(ctx, key, "node-a", time.Minute))
	require.NoError(t, s.ClearRoute(ctx, key, "node-a"))
	node, err = s.GetRoute(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, node)
}
