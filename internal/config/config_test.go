package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadMergesFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	common := write(t, dir, "common.yml", `
redis:
  host: redis.internal
  port: 6380
mysql:
  dsn: "im:im@tcp(db:3306)/im"
auth:
  token:
    secret: "0123456789abcdef"
`)
	svc := write(t, dir, "im-realtime.yml", `
http:
  addr: ":9000"
node_id: "node-a"
session:
  drain_batch: 10
push:
  getui:
    enabled: "true"
    appId: "app"
`)

	c, err := Load(common + ", " + svc)
	require.NoError(t, err)
	assert.Equal(t, ":9000", c.HTTP.Addr)
	assert.Equal(t, "node-a", c.NodeID)
	assert.Equal(t, "redis.internal", c.Redis.Host)
	assert.Equal(t, 6380, c.Redis.Port)
	assert.Equal(t, "0123456789abcdef", c.Auth.Token.Secret)
	assert.Equal(t, 10, c.Session.DrainBatch)
	assert.Equal(t, "Y", c.Push.GeTui.Enabled)
	assert.Equal(t, "N", c.Push.RocketMQ.Enabled)
}

func TestLoadDefaults(t *testing.T) {
	p := write(t, t.TempDir(), "empty.yml", "env: test\n")
	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, ":7101", c.HTTP.Addr)
	assert.NotEmpty(t, c.NodeID)
	assert.Equal(t, "Bearer ", c.Auth.Token.BearerPrefix)
	assert.Equal(t, 3, c.Session.RetryMax)
	assert.Equal(t, 100*time.Millisecond, c.Session.RetryBase)
	assert.Equal(t, 30*24*time.Hour, c.Idle.Threshold)
	assert.Equal(t, 10*time.Second, c.Push.Timeout)
}

func TestLoadRequiresPath(t *testing.T) {
	_, err := Load("  ")
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
