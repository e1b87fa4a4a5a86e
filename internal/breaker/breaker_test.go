package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOpensAfterThresholdAndRecovers(t *testing.T) {
	clock := time.Unix(1000, 0)
	b := New(Options{Threshold: 3, Window: 10 * time.Second, OpenFor: 5 * time.Second})
	b.now = func() time.Time { return clock }

	assert.False(t, b.Failure("getui"))
	assert.False(t, b.Failure("getui"))
	assert.True(t, b.Allow("getui"))
	assert.True(t, b.Failure("getui"))
	assert.False(t, b.Allow("getui"))
	assert.True(t, b.Allow("rocketmq"), "keys are independent")

	// still failing while open does not report a fresh open
	assert.False(t, b.Failure("getui"))

	clock = clock.Add(6 * time.Second)
	assert.True(t, b.Allow("getui"))
}

func TestWindowResetsCount(t *testing.T) {
	clock := time.Unix(1000, 0)
	b := New(Options{Threshold: 2, Window: time.Second, OpenFor: time.Minute})
	b.now = func() time.Time { return clock }

	assert.False(t, b.Failure("k"))
	clock = clock.Add(2 * time.Second)
	assert.False(t, b.Failure("k"))
	assert.True(t, b.Allow("k"))
}

func TestSuccessClears(t *testing.T) {
	b := New(Options{Threshold: 2})
	b.Failure("k")
	b.Success("k")
	assert.False(t, b.Failure("k"))
	assert.True(t, b.Allow("k"))
}
