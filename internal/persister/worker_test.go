package persister

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"yuim/im-realtime/pkg/envelope"
	redisstore "yuim/im-realtime/pkg/store/redis"
)

type longTier struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*envelope.Envelope
	failing bool
	// onInsert runs after a successful insert, before the worker removes from Redis.
	onInsert func()
}

func (l *longTier) Insert(_ context.Context, _ envelope.DeviceKey, envs []*envelope.Envelope) error {
	l.mu.Lock()
	if l.failing {
		l.mu.Unlock()
		return errors.New("mysql down")
	}
	for _, e := range envs {
		l.rows[e.GUID] = e
	}
	hook := l.onInsert
	l.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (l *longTier) Delete(_ context.Context, _ envelope.DeviceKey, guids []uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, g := range guids {
		delete(l.rows, g)
	}
	return nil
}

type persistedSignals struct {
	mu   sync.Mutex
	keys []envelope.DeviceKey
}

func (p *persistedSignals) NotifyPersisted(_ context.Context, k envelope.DeviceKey) error {
	p.mu.Lock()
	p.keys = append(p.keys, k)
	p.mu.Unlock()
	return nil
}

func setup(t *testing.T) (*Worker, *redisstore.Store, *longTier, *persistedSignals) {
	mr := miniredis.RunT(t)
	short := redisstore.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	long := &longTier{rows: make(map[uuid.UUID]*envelope.Envelope)}
	sig := &persistedSignals{}
	w := NewWorker(short, long, sig, zaptest.NewLogger(t), Options{Batch: 2, MaxAge: time.Minute})
	w.now = func() time.Time { return time.Now().Add(time.Hour) }
	return w, short, long, sig
}

func TestRunOnceMigratesAgedQueues(t *testing.T) {
	w, short, long, sig := setup(t)
	ctx := context.Background()
	k := envelope.DeviceKey{Account: uuid.New(), Device: 1}

	for i := 0; i < 5; i++ {
		_, err := short.Append(ctx, k, &envelope.Envelope{Type: envelope.TypeCiphertext})
		require.NoError(t, err)
	}

	assert.Equal(t, 5, w.RunOnce(ctx))
	assert.Len(t, long.rows, 5)
	left, err := short.Drain(ctx, k, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, []envelope.DeviceKey{k}, sig.keys)

	keys, err := short.QueuesToPersist(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, keys, "empty queue leaves the index")
}

func TestAckDuringMigrationIsNotResurrected(t *testing.T) {
	w, short, long, _ := setup(t)
	ctx := context.Background()
	k := envelope.DeviceKey{Account: uuid.New(), Device: 1}

	e, err := short.Append(ctx, k, &envelope.Envelope{Type: envelope.TypeCiphertext})
	require.NoError(t, err)
	long.onInsert = func() {
		_, _ = short.Acknowledge(ctx, k, e.GUID)
	}

	assert.Equal(t, 0, w.RunOnce(ctx))
	assert.Empty(t, long.rows)
}

func TestFailedQueueBacksOff(t *testing.T) {
	w, short, long, sig := setup(t)
	ctx := context.Background()
	k := envelope.DeviceKey{Account: uuid.New(), Device: 1}
	_, err := short.Append(ctx, k, &envelope.Envelope{Type: envelope.TypeCiphertext})
	require.NoError(t, err)

	long.failing = true
	assert.Equal(t, 0, w.RunOnce(ctx))
	assert.Equal(t, 1, w.failures[k])

	long.failing = false
	assert.Equal(t, 0, w.RunOnce(ctx), "skipped while backing off")

	base := w.now()
	w.now = func() time.Time { return base.Add(time.Minute) }
	assert.Equal(t, 1, w.RunOnce(ctx))
	assert.Len(t, sig.keys, 1)
}

func TestCalcBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, calcBackoff(1))
	assert.Equal(t, 60*time.Second, calcBackoff(20))
}
