// Package listener turns an HTTP upgrade request into a running device session.
package listener

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"yuim/im-realtime/internal/accounts"
	"yuim/im-realtime/internal/auth"
	"yuim/im-realtime/internal/disconnect"
	"yuim/im-realtime/internal/hub"
	"yuim/im-realtime/internal/idle"
	"yuim/im-realtime/internal/metrics"
	"yuim/im-realtime/internal/session"
	"yuim/im-realtime/internal/transport/ws"
	"yuim/im-realtime/pkg/envelope"
	"yuim/im-realtime/pkg/store/storeiface"
)

// IdleHeader is set on the upgrade response when a linked device's primary has gone quiet.
const IdleHeader = "X-Idle-Primary-Device"

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*auth.Identity, error)
}

type Disconnects interface {
	AddListener(account uuid.UUID, device uint8, l disconnect.Listener)
	RemoveListener(account uuid.UUID, device uint8, l disconnect.Listener)
}

// Presence records which node and connection currently serve a device.
type Presence interface {
	SetRoute(ctx context.Context, key envelope.DeviceKey, owner string, ttl time.Duration) error
	ClearRoute(ctx context.Context, key envelope.DeviceKey, owner string) error
}

type Deps struct {
	Auth        Authenticator
	Accounts    accounts.Directory
	Store       storeiface.MessageQueueStore
	Broker      session.Broker
	Receipts    session.ReceiptSender
	Disconnects Disconnects
	Presence    Presence
	Hub         *hub.Hub
	Idle        *idle.Monitor
}

type Options struct {
	Node      string
	RouteTTL  time.Duration
	OpTimeout time.Duration
	Session   session.Options
	Conn      ws.Options
}

type Listener struct {
	d        Deps
	opt      Options
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(d Deps, log *zap.Logger, opt Options) *Listener {
	if opt.RouteTTL <= 0 {
		opt.RouteTTL = 60 * time.Second
	}
	if opt.OpTimeout <= 0 {
		opt.OpTimeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{d: d, opt: opt, log: log, upgrader: ws.Upgrader()}
}

// ServeHTTP authenticates before upgrading so that rejected credentials never
// touch any registry. Rejections are still delivered as websocket close codes.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := l.d.Auth.Authenticate(r.Context(), r)
	switch {
	case errors.Is(err, auth.ErrNoCredential):
		l.serveAnonymous(w, r)
		return
	case errors.Is(err, auth.ErrBadCredential):
		l.reject(w, r, session.CloseBadCredential, "bad credential", "bad_credential")
		return
	case err != nil:
		l.log.Warn("authentication unavailable", zap.Error(err))
		l.reject(w, r, session.CloseTryAgainLater, "try again", "auth_unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), l.opt.OpTimeout)
	acct, err := l.d.Accounts.GetByAccountIdentifier(ctx, id.Account)
	cancel()
	if err != nil {
		l.log.Warn("account lookup failed", zap.String("account", id.Account.String()), zap.Error(err))
		l.reject(w, r, session.CloseInitializationFailed, "account lookup failed", "account_error")
		return
	}
	if acct == nil {
		l.reject(w, r, session.CloseInitializationFailed, "account not found", "account_missing")
		return
	}
	dev := acct.Device(id.Device)
	if dev == nil {
		l.reject(w, r, session.CloseInitializationFailed, "device not found", "device_missing")
		return
	}

	hdr := http.Header{}
	if l.d.Idle != nil && l.d.Idle.Check(acct, dev.ID) {
		hdr.Set(IdleHeader, "true")
	}
	raw, err := l.upgrader.Upgrade(w, r, hdr)
	if err != nil {
		return
	}
	l.serveSession(acct, dev, raw)
}

func (l *Listener) reject(w http.ResponseWriter, r *http.Request, code int, reason, label string) {
	metrics.ConnectRejected.WithLabelValues(label).Inc()
	raw, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.Reject(raw, code, reason, l.opt.Conn.WriteTimeout)
}

// serveAnonymous keeps an unauthenticated socket open for accounting only.
func (l *Listener) serveAnonymous(w http.ResponseWriter, r *http.Request) {
	raw, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	metrics.AnonymousConns.Inc()
	c := ws.NewConn(raw, l.log, l.opt.Conn)
	c.Start(ws.Handlers{OnClose: func() { metrics.AnonymousConns.Dec() }})
}

func (l *Listener) serveSession(acct *accounts.Account, dev *accounts.Device, raw *websocket.Conn) {
	key := envelope.DeviceKey{Account: acct.Identifier, Device: dev.ID}
	log := l.log.With(zap.String("key", key.String()))

	conn := ws.NewConn(raw, log, l.opt.Conn)
	sess := session.New(acct, dev, l.d.Store, l.d.Broker, l.d.Receipts, conn, log, l.opt.Session)

	connID, err := l.d.Hub.Add(key, conn)
	if err != nil {
		log.Error("connection id allocation failed", zap.Error(err))
		metrics.ConnectRejected.WithLabelValues("internal").Inc()
		ws.Reject(raw, session.CloseInitializationFailed, "try again", l.opt.Conn.WriteTimeout)
		return
	}
	owner := l.opt.Node + "/" + strconv.FormatUint(connID, 10)

	ctx, cancel := context.WithTimeout(context.Background(), l.opt.OpTimeout)
	defer cancel()
	stopRefresh := make(chan struct{})
	if l.d.Presence != nil {
		if err := l.d.Presence.SetRoute(ctx, key, owner, l.opt.RouteTTL); err != nil {
			log.Warn("set route failed", zap.Error(err))
		}
		go l.refreshRoute(key, owner, stopRefresh, log)
	}
	l.d.Disconnects.AddListener(acct.Identifier, dev.ID, sess)

	// The hub entry goes last: an empty hub means every close hook has finished.
	var hookOnce sync.Once
	onClose := func() {
		hookOnce.Do(func() {
			l.d.Disconnects.RemoveListener(acct.Identifier, dev.ID, sess)
			sess.Stop()
			close(stopRefresh)
			if l.d.Presence != nil {
				ctx, cancel := context.WithTimeout(context.Background(), l.opt.OpTimeout)
				if err := l.d.Presence.ClearRoute(ctx, key, owner); err != nil {
					log.Warn("clear route failed", zap.Error(err))
				}
				cancel()
			}
			log.Info("connection closed")
			l.d.Hub.Del(connID)
		})
	}

	conn.Start(ws.Handlers{
		OnAck: func(guid uuid.UUID) {
			if err := sess.Ack(context.Background(), guid); err != nil {
				log.Warn("ack failed", zap.String("guid", guid.String()), zap.Error(err))
			}
		},
		OnClose: onClose,
	})

	if err := sess.Start(ctx); err != nil {
		log.Warn("session start failed", zap.Error(err))
		conn.Close(session.CloseInitializationFailed, "session start failed")
		return
	}
	if err := l.d.Accounts.UpdateLastSeen(ctx, acct.Identifier, dev.ID, time.Now()); err != nil {
		log.Warn("update last seen failed", zap.Error(err))
	}
	log.Info("connection established", zap.Uint64("conn", connID))
}

func (l *Listener) refreshRoute(key envelope.DeviceKey, owner string, stop <-chan struct{}, log *zap.Logger) {
	t := time.NewTicker(l.opt.RouteTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.opt.OpTimeout)
			if err := l.d.Presence.SetRoute(ctx, key, owner, l.opt.RouteTTL); err != nil {
				log.Warn("refresh route failed", zap.Error(err))
			}
			cancel()
		}
	}
}
