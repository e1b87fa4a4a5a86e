package rocketmq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/im-realtime/pkg/push"
)

func TestPushRequiresConfiguration(t *testing.T) {
	cases := []push.RocketMQSettings{
		{},
		{NameServer: "127.0.0.1:9876"},
		{NameServer: "127.0.0.1:9876", Producer: push.RocketMQProducer{Group: "g"}},
	}
	for _, cfg := range cases {
		p := New(cfg)
		res, err := p.Push(context.Background(), push.Notification{Token: "t"})
		require.Error(t, err)
		assert.False(t, res.Accepted)
		assert.Equal(t, "not_configured", res.ErrorCode)
		assert.NoError(t, p.Close())
	}
}
