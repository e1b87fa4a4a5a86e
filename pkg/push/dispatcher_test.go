package push_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"yuim/im-realtime/internal/breaker"
	"yuim/im-realtime/pkg/push"
)

type fakeProvider struct {
	calls int
	res   push.Result
	err   error
	block bool
}

func (f *fakeProvider) Type() string { return "fake" }

func (f *fakeProvider) Push(ctx context.Context, n push.Notification) (push.Result, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return push.Result{}, ctx.Err()
	}
	return f.res, f.err
}

func notification() push.Notification {
	return push.Notification{
		Token:       "tok",
		TokenType:   push.TokenGeTui,
		Type:        push.NotificationMessage,
		Urgent:      true,
		Destination: push.Destination{Account: uuid.New(), Device: 1},
	}
}

func TestDispatchAccepted(t *testing.T) {
	p := &fakeProvider{res: push.Result{Accepted: true}}
	d := push.NewDispatcher(zaptest.NewLogger(t), time.Second, nil, map[push.TokenType]push.Provider{push.TokenGeTui: p})

	res, err := d.SendNotification(context.Background(), notification())
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "fake", res.Provider)
	assert.False(t, res.At.IsZero())
}

func TestDispatchUnsupportedType(t *testing.T) {
	d := push.NewDispatcher(zaptest.NewLogger(t), time.Second, nil, nil)
	_, err := d.SendNotification(context.Background(), notification())
	assert.ErrorIs(t, err, push.ErrUnsupportedType)
}

func TestDispatchTimeoutIsTransient(t *testing.T) {
	p := &fakeProvider{block: true}
	d := push.NewDispatcher(zaptest.NewLogger(t), 20*time.Millisecond, nil, map[push.TokenType]push.Provider{push.TokenGeTui: p})

	res, err := d.SendNotification(context.Background(), notification())
	require.Error(t, err)
	assert.False(t, res.Accepted)
	assert.False(t, res.Unregistered)
	assert.Equal(t, "timeout", res.ErrorCode)
	assert.Equal(t, 1, p.calls, "no internal retry")
}

func TestDispatchUnregisteredKeepsBreakerClosed(t *testing.T) {
	p := &fakeProvider{res: push.Result{Unregistered: true, ErrorCode: "20001"}, err: errors.New("gone")}
	brk := breaker.New(breaker.Options{Threshold: 1})
	d := push.NewDispatcher(zaptest.NewLogger(t), time.Second, brk, map[push.TokenType]push.Provider{push.TokenGeTui: p})

	res, err := d.SendNotification(context.Background(), notification())
	require.Error(t, err)
	assert.True(t, res.Unregistered)
	assert.False(t, res.UnregisteredAt.IsZero())
	assert.True(t, brk.Allow("fake"))
}

func TestDispatchBreakerOpens(t *testing.T) {
	p := &fakeProvider{err: errors.New("boom")}
	brk := breaker.New(breaker.Options{Threshold: 2, OpenFor: time.Minute})
	d := push.NewDispatcher(zaptest.NewLogger(t), time.Second, brk, map[push.TokenType]push.Provider{push.TokenGeTui: p})

	for i := 0; i < 2; i++ {
		_, err := d.SendNotification(context.Background(), notification())
		require.Error(t, err)
	}
	res, err := d.SendNotification(context.Background(), notification())
	assert.ErrorIs(t, err, push.ErrCircuitOpen)
	assert.Equal(t, "circuit_open", res.ErrorCode)
	assert.Equal(t, 2, p.calls)
}
