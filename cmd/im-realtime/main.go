package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"yuim/im-realtime/internal/accounts"
	"yuim/im-realtime/internal/api"
	"yuim/im-realtime/internal/auth"
	"yuim/im-realtime/internal/availability"
	"yuim/im-realtime/internal/breaker"
	"yuim/im-realtime/internal/cluster"
	"yuim/im-realtime/internal/config"
	"yuim/im-realtime/internal/db"
	"yuim/im-realtime/internal/delivery"
	"yuim/im-realtime/internal/disconnect"
	"yuim/im-realtime/internal/hub"
	"yuim/im-realtime/internal/idle"
	"yuim/im-realtime/internal/listener"
	"yuim/im-realtime/internal/messages"
	"yuim/im-realtime/internal/metrics"
	"yuim/im-realtime/internal/persister"
	"yuim/im-realtime/internal/receipts"
	"yuim/im-realtime/internal/recipients"
	"yuim/im-realtime/internal/session"
	"yuim/im-realtime/internal/transport/ws"
	"yuim/im-realtime/pkg/provider/getui"
	"yuim/im-realtime/pkg/provider/rocketmq"
	"yuim/im-realtime/pkg/push"
	mysqlstore "yuim/im-realtime/pkg/store/mysql"
	redisstore "yuim/im-realtime/pkg/store/redis"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	var cfgPaths string
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	log.Info("im-realtime starting", zap.String("version", Version), zap.String("addr", cfg.HTTP.Addr), zap.String("node", cfg.NodeID))

	metrics.Register()

	rs, err := redisstore.New(cfg.Redis)
	if err != nil {
		log.Fatal("redis init failed", zap.Error(err))
	}
	defer rs.Close()

	if cfg.MySQL.DSN == "" {
		log.Fatal("mysql.dsn required")
	}
	mdb, err := db.Open(db.Options{
		DSN:          cfg.MySQL.DSN,
		MaxOpenConns: cfg.MySQL.MaxOpenConns,
		MaxIdleConns: cfg.MySQL.MaxIdleConns,
		ConnMaxLife:  cfg.MySQL.ConnMaxLife,
		ConnMaxIdle:  cfg.MySQL.ConnMaxIdle,
	})
	if err != nil {
		log.Fatal("mysql init failed", zap.Error(err))
	}
	defer mdb.Close()
	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := db.Migrate(ctx, mdb.DB)
		cancel()
		if err != nil {
			log.Fatal("mysql migrate failed", zap.Error(err))
		}
	}
	long := mysqlstore.NewMessageStore(mdb.DB)
	dir := accounts.NewCachedDirectory(accounts.NewMySQLDirectory(mdb.DB), cfg.Accounts.CacheTTL)

	// Push providers
	providers := map[push.TokenType]push.Provider{}
	if push.IsEnabled(cfg.Push.GeTui.Enabled) {
		providers[push.TokenGeTui] = getui.New(cfg.Push.GeTui)
	}
	if push.IsEnabled(cfg.Push.RocketMQ.Enabled) {
		relay := rocketmq.New(cfg.Push.RocketMQ)
		providers[push.TokenRelay] = relay
		defer relay.Close()
	}
	brk := breaker.New(breaker.Options{
		Threshold: cfg.Breaker.Threshold,
		Window:    cfg.Breaker.Window,
		OpenFor:   cfg.Breaker.OpenFor,
	})
	dispatcher := push.NewDispatcher(log, cfg.Push.Timeout, brk, providers)

	// Cluster planes
	rootCtx, stopAll := context.WithCancel(context.Background())
	defer stopAll()

	bus := cluster.NewBus(log, rs.Client(), cfg.NodeID)
	defer bus.Close()
	broker := availability.NewBroker(log, bus, availability.Options{})
	if err := broker.Start(rootCtx); err != nil {
		log.Fatal("availability subscribe failed", zap.Error(err))
	}
	disc := disconnect.NewManager(log, bus, disconnect.Options{})
	defer disc.Close()
	if err := disc.Start(rootCtx); err != nil {
		log.Fatal("disconnect subscribe failed", zap.Error(err))
	}

	store := messages.NewManager(log, rs, long, broker)
	if cfg.Persister.Enabled {
		w := persister.NewWorker(rs, long, broker, log, persister.Options{
			Tick:   cfg.Persister.Tick,
			Batch:  cfg.Persister.Batch,
			MaxAge: cfg.Persister.MaxAge,
		})
		w.Start()
		defer w.Stop()
	}

	resolver := recipients.NewResolver(dir, cfg.Delivery.ResolverWorkers, log)
	engine := delivery.New(store, rs, broker, dispatcher, dir, resolver, log, delivery.Options{
		PushQueueSize: cfg.Delivery.PushQueueSize,
		PushWorkers:   cfg.Delivery.PushWorkers,
		OpTimeout:     cfg.Delivery.OpTimeout,
	})
	defer engine.Close()
	rcpt := receipts.NewSender(dir, engine, log, receipts.Options{
		Workers:   cfg.Delivery.ReceiptWorkers,
		QueueSize: cfg.Delivery.ReceiptQueue,
		OpTimeout: cfg.Delivery.OpTimeout,
	})
	defer rcpt.Close()

	h, err := hub.New(cfg.MachineID)
	if err != nil {
		log.Fatal("hub init failed", zap.Error(err))
	}

	authn := auth.NewAuthenticator(auth.Options{
		Header:       cfg.Auth.Token.Header,
		BearerPrefix: cfg.Auth.Token.BearerPrefix,
		QueryKey:     cfg.Auth.Token.QueryKey,
		RedisPrefix:  cfg.Auth.Token.RedisPrefix,
		Secret:       cfg.Auth.Token.Secret,
		CheckSession: cfg.Auth.CheckSession,
	}, rs.Client())

	connect := listener.New(listener.Deps{
		Auth:        authn,
		Accounts:    dir,
		Store:       store,
		Broker:      broker,
		Receipts:    rcpt,
		Disconnects: disc,
		Presence:    rs,
		Hub:         h,
		Idle:        idle.NewMonitor(log, cfg.Idle.Threshold),
	}, log, listener.Options{
		Node:      cfg.NodeID,
		RouteTTL:  cfg.Session.RouteTTL,
		OpTimeout: cfg.Delivery.OpTimeout,
		Session: session.Options{
			DrainBatch: cfg.Session.DrainBatch,
			RetryBase:  cfg.Session.RetryBase,
			RetryMax:   cfg.Session.RetryMax,
			OpTimeout:  cfg.Delivery.OpTimeout,
		},
		Conn: ws.Options{
			OutQueue:     cfg.Session.OutQueue,
			WriteTimeout: cfg.Session.WriteTimeout,
		},
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := rs.Client().Ping(ctx).Err(); err != nil {
			http.Error(w, "redis: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := mdb.DB.PingContext(ctx); err != nil {
			http.Error(w, "mysql: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/v1/websocket/", connect)
	api.New(dir, engine, disc, log, cfg.Delivery.OpTimeout*2).Register(mux)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		log.Info("im-realtime listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("im-realtime shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	n := h.CloseAll(session.CloseGoingAway, "server shutting down")
	log.Info("connections closed", zap.Int("count", n))
}
