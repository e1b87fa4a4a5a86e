package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yuim/im-realtime/pkg/push"
	redisstore "yuim/im-realtime/pkg/store/redis"
)

type Config struct {
	Env string `yaml:"env"`

	HTTP struct {
		Addr string `yaml:"addr"` // ":7101"
	} `yaml:"http"`

	// NodeID identifies this process in presence routes and cluster events.
	NodeID string `yaml:"node_id"`
	// MachineID seeds connection id generation; must be unique per node.
	MachineID uint16 `yaml:"machine_id"`

	Redis redisstore.Settings `yaml:"redis"`

	MySQL struct {
		DSN          string        `yaml:"dsn"`
		MaxOpenConns int           `yaml:"max_open_conns"`
		MaxIdleConns int           `yaml:"max_idle_conns"`
		ConnMaxLife  time.Duration `yaml:"conn_max_life"`
		ConnMaxIdle  time.Duration `yaml:"conn_max_idle"`
	} `yaml:"mysql"`

	Push push.Settings `yaml:"push"`

	Breaker struct {
		Threshold int           `yaml:"threshold"`
		Window    time.Duration `yaml:"window"`
		OpenFor   time.Duration `yaml:"open_for"`
	} `yaml:"breaker"`

	Delivery struct {
		PushQueueSize   int           `yaml:"push_queue_size"`
		PushWorkers     int           `yaml:"push_workers"`
		OpTimeout       time.Duration `yaml:"op_timeout"`
		ReceiptWorkers  int           `yaml:"receipt_workers"`
		ReceiptQueue    int           `yaml:"receipt_queue"`
		ResolverWorkers int           `yaml:"resolver_workers"`
	} `yaml:"delivery"`

	Session struct {
		DrainBatch   int           `yaml:"drain_batch"`
		OutQueue     int           `yaml:"out_queue"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		RouteTTL     time.Duration `yaml:"route_ttl"`
		RetryBase    time.Duration `yaml:"retry_base"`
		RetryMax     int           `yaml:"retry_max"`
	} `yaml:"session"`

	Persister struct {
		Enabled bool          `yaml:"enabled"`
		Tick    time.Duration `yaml:"tick"`
		Batch   int           `yaml:"batch"`
		MaxAge  time.Duration `yaml:"max_age"`
	} `yaml:"persister"`

	Idle struct {
		Threshold time.Duration `yaml:"threshold"`
	} `yaml:"idle"`

	Accounts struct {
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"accounts"`

	Auth struct {
		Token struct {
			Header       string `yaml:"header"`
			BearerPrefix string `yaml:"bearer_prefix"`
			QueryKey     string `yaml:"query_key"`
			RedisPrefix  string `yaml:"redis_prefix"`
			Secret       string `yaml:"secret"`
		} `yaml:"token"`
		// CheckSession additionally requires prefix+token to exist in Redis.
		CheckSession bool `yaml:"check_session"`
	} `yaml:"auth"`
}

// Load supports comma-separated config files: "-c common.yml,im-realtime.yml".
// Later files override earlier ones.
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,im-realtime.yml)")
	}
	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":7101"
	}
	if c.NodeID == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			c.NodeID = h + c.HTTP.Addr
		} else {
			c.NodeID = "127.0.0.1" + c.HTTP.Addr
		}
	}
	if c.MachineID == 0 {
		c.MachineID = 1
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "127.0.0.1"
	}
	c.Push = c.Push.WithDefaults()

	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.Window <= 0 {
		c.Breaker.Window = 10 * time.Second
	}
	if c.Breaker.OpenFor <= 0 {
		c.Breaker.OpenFor = 5 * time.Second
	}

	if c.Delivery.PushQueueSize <= 0 {
		c.Delivery.PushQueueSize = 4096
	}
	if c.Delivery.PushWorkers <= 0 {
		c.Delivery.PushWorkers = 8
	}
	if c.Delivery.OpTimeout <= 0 {
		c.Delivery.OpTimeout = 3 * time.Second
	}
	if c.Delivery.ReceiptWorkers <= 0 {
		c.Delivery.ReceiptWorkers = 4
	}
	if c.Delivery.ReceiptQueue <= 0 {
		c.Delivery.ReceiptQueue = 1024
	}
	if c.Delivery.ResolverWorkers <= 0 {
		c.Delivery.ResolverWorkers = 8
	}

	if c.Session.DrainBatch <= 0 {
		c.Session.DrainBatch = 100
	}
	if c.Session.OutQueue <= 0 {
		c.Session.OutQueue = 256
	}
	if c.Session.WriteTimeout <= 0 {
		c.Session.WriteTimeout = 5 * time.Second
	}
	if c.Session.RouteTTL <= 0 {
		c.Session.RouteTTL = 60 * time.Second
	}
	if c.Session.RetryBase <= 0 {
		c.Session.RetryBase = 100 * time.Millisecond
	}
	if c.Session.RetryMax <= 0 {
		c.Session.RetryMax = 3
	}

	if c.Persister.Tick <= 0 {
		c.Persister.Tick = time.Second
	}
	if c.Persister.Batch <= 0 {
		c.Persister.Batch = 100
	}
	if c.Persister.MaxAge <= 0 {
		c.Persister.MaxAge = 10 * time.Minute
	}

	if c.Idle.Threshold <= 0 {
		c.Idle.Threshold = 30 * 24 * time.Hour
	}
	if c.Accounts.CacheTTL <= 0 {
		c.Accounts.CacheTTL = 30 * time.Second
	}

	// auth defaults (compatible with Java token + redis session)
	if c.Auth.Token.Header == "" {
		c.Auth.Token.Header = "Authorization"
	}
	if c.Auth.Token.BearerPrefix == "" {
		c.Auth.Token.BearerPrefix = "Bearer "
	}
	if c.Auth.Token.QueryKey == "" {
		c.Auth.Token.QueryKey = "token"
	}
	if c.Auth.Token.RedisPrefix == "" {
		c.Auth.Token.RedisPrefix = "token:app:"
	}
}
