// Package session runs the delivery loop of one authenticated device connection.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yuim/im-realtime/internal/accounts"
	"yuim/im-realtime/internal/availability"
	"yuim/im-realtime/internal/metrics"
	"yuim/im-realtime/pkg/envelope"
	"yuim/im-realtime/pkg/store/storeiface"
)

// Close codes sent to clients.
const (
	CloseGoingAway            = 1001
	CloseInitializationFailed = 1011
	CloseTryAgainLater        = 1013
	CloseBadCredential        = 4401
	CloseReauthRequired       = 4401
	CloseSuperseded           = 4409
)

var ErrStopped = errors.New("session: stopped")

// Client is the session's view of the transport. Sends never block; a full
// outbound queue is an error.
type Client interface {
	SendEnvelope(env *envelope.Envelope) error
	SendQueueEmpty() error
	Close(code int, reason string)
}

type Broker interface {
	Register(ctx context.Context, key envelope.DeviceKey) *availability.Subscription
	Unregister(sub *availability.Subscription)
}

type ReceiptSender interface {
	SendReceipt(src uuid.UUID, srcDevice uint8, dest uuid.UUID, messageID int64) error
}

type Options struct {
	DrainBatch int
	RetryBase  time.Duration
	RetryMax   int
	OpTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.DrainBatch <= 0 {
		o.DrainBatch = 100
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 100 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 3
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 3 * time.Second
	}
	return o
}

// Session delivers one device queue to one client. All drains run on the session's
// own goroutine, so two passes over the same queue never overlap; availability
// signals arriving during a pass collapse into one follow-up pass.
type Session struct {
	acct *accounts.Account
	dev  *accounts.Device
	key  envelope.DeviceKey

	store    storeiface.MessageQueueStore
	broker   Broker
	receipts ReceiptSender
	client   Client
	log      *zap.Logger
	opt      Options

	sub        *availability.Subscription
	disconnect chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}

	// loop-owned
	cursor    int64
	sentEmpty bool
}

func New(acct *accounts.Account, dev *accounts.Device, store storeiface.MessageQueueStore, broker Broker,
	receipts ReceiptSender, client Client, log *zap.Logger, opt Options) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	key := envelope.DeviceKey{Account: acct.Identifier, Device: dev.ID}
	return &Session{
		acct:       acct,
		dev:        dev,
		key:        key,
		store:      store,
		broker:     broker,
		receipts:   receipts,
		client:     client,
		log:        log.With(zap.String("key", key.String())),
		opt:        opt.withDefaults(),
		disconnect: make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (s *Session) Key() envelope.DeviceKey { return s.key }

// Start takes over the device queue (evicting any older consumer) and begins
// draining it from the oldest unacknowledged envelope.
func (s *Session) Start(ctx context.Context) error {
	err := ErrStopped
	s.startOnce.Do(func() {
		select {
		case <-s.stop:
			close(s.done)
			return
		default:
		}
		s.sub = s.broker.Register(ctx, s.key)
		err = nil
		go s.loop()
	})
	return err
}

// Stop is idempotent and safe to call from any goroutine, including from inside
// the client's close path. It does not wait for an in-flight pass to finish.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.startOnce.Do(func() { close(s.done) })
	})
}

// Done is closed once the loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// HandleDisconnectionRequest forces the client to reconnect and reauthenticate.
func (s *Session) HandleDisconnectionRequest() {
	select {
	case s.disconnect <- struct{}{}:
	default:
	}
}

func (s *Session) loop() {
	defer close(s.done)
	defer s.broker.Unregister(s.sub)

	pending := true
	for {
		if pending {
			pending = false
			s.drain()
			if s.stopped() {
				return
			}
		}
		select {
		case <-s.stop:
			return
		case <-s.sub.Conflict():
			s.superseded()
			return
		case <-s.disconnect:
			s.reauthenticate()
			return
		case <-s.sub.NewMessage():
			pending = true
		case <-s.sub.Persisted():
			pending = true
		case env := <-s.sub.Ephemeral():
			if err := s.client.SendEnvelope(env); err != nil {
				metrics.EphemeralDropped.Inc()
			}
		}
	}
}

func (s *Session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Session) superseded() {
	s.log.Info("session superseded")
	s.client.Close(CloseSuperseded, "connected elsewhere")
	s.Stop()
}

func (s *Session) reauthenticate() {
	s.client.Close(CloseReauthRequired, "reauthentication required")
	s.Stop()
}

// preempted polls for eviction and disconnection without blocking, closing the
// client when either is pending. It also reports a stopped session.
func (s *Session) preempted() bool {
	select {
	case <-s.sub.Conflict():
		s.superseded()
		return true
	case <-s.disconnect:
		s.reauthenticate()
		return true
	default:
		return s.stopped()
	}
}

// drain sends every envelope past the cursor, one page at a time. An evicted or
// disconnected session stops before its next envelope.
func (s *Session) drain() {
	for !s.preempted() {
		page, err := s.fetch()
		if err != nil {
			if !errors.Is(err, ErrStopped) {
				metrics.DrainErrors.Inc()
				s.log.Warn("drain failed, waiting for next signal", zap.Error(err))
			}
			return
		}
		for _, env := range page {
			if s.preempted() {
				return
			}
			if err := s.client.SendEnvelope(env); err != nil {
				s.log.Warn("client cannot keep up, closing", zap.Error(err))
				s.client.Close(CloseTryAgainLater, "backpressure")
				s.Stop()
				return
			}
			s.cursor = env.Seq
			metrics.EnvelopesSent.Inc()
		}
		if len(page) < s.opt.DrainBatch {
			break
		}
	}
	if !s.sentEmpty && !s.stopped() {
		s.sentEmpty = true
		if err := s.client.SendQueueEmpty(); err != nil {
			s.log.Debug("queue empty frame not sent", zap.Error(err))
		}
	}
}

// fetch reads one page with bounded exponential retry.
func (s *Session) fetch() ([]*envelope.Envelope, error) {
	var err error
	for attempt := 0; attempt < s.opt.RetryMax; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(s.opt.RetryBase << (attempt - 1))
			select {
			case <-s.stop:
				t.Stop()
				return nil, ErrStopped
			case <-t.C:
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opt.OpTimeout)
		var page []*envelope.Envelope
		page, err = s.store.Drain(ctx, s.key, s.cursor, s.opt.DrainBatch)
		cancel()
		if err == nil {
			return page, nil
		}
	}
	return nil, err
}

// Ack removes guid from the queue and, for envelopes that ask for it, sends a
// delivery receipt to the original sender. Unknown guids are ignored.
func (s *Session) Ack(ctx context.Context, guid uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, s.opt.OpTimeout)
	defer cancel()
	env, err := s.store.Acknowledge(ctx, s.key, guid)
	if errors.Is(err, storeiface.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.EnvelopesAcked.Inc()
	if env.Receiptable() && s.receipts != nil {
		if err := s.receipts.SendReceipt(s.acct.Identifier, s.dev.ID, *env.SourceIdentifier, env.ClientTimestamp); err != nil {
			s.log.Warn("delivery receipt not queued", zap.String("guid", guid.String()), zap.Error(err))
		}
	}
	return nil
}
