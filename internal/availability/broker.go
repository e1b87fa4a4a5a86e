// Package availability tells the one live session of a device queue that there
// is something to read, and evicts older sessions when a newer one registers.
package availability

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yuim/im-realtime/internal/cluster"
	"yuim/im-realtime/internal/metrics"
	"yuim/im-realtime/pkg/envelope"
)

const Channel = "im:availability"

const defaultEphemeralBuffer = 64

type eventKind string

const (
	kindNewMessage  eventKind = "new_message"
	kindPersisted   eventKind = "persisted"
	kindNewConsumer eventKind = "new_consumer"
	kindEphemeral   eventKind = "ephemeral"
)

type event struct {
	Kind     eventKind          `json:"kind"`
	Key      string             `json:"key"`
	Sub      uuid.UUID          `json:"sub,omitempty"`
	At       int64              `json:"at,omitempty"`
	Envelope *envelope.Envelope `json:"envelope,omitempty"`
}

// Subscription is the receiving end for one session. NewMessage and Persisted
// coalesce: any number of signals while the session is busy leave one pending.
// Conflict is closed once when a newer consumer takes over the queue.
type Subscription struct {
	ID  uuid.UUID
	Key envelope.DeviceKey
	// At is the registration time in unix nanoseconds.
	At int64

	newMessage chan struct{}
	persisted  chan struct{}
	conflict   chan struct{}
	ephemeral  chan *envelope.Envelope

	conflictOnce sync.Once
}

func (s *Subscription) NewMessage() <-chan struct{}          { return s.newMessage }
func (s *Subscription) Persisted() <-chan struct{}           { return s.persisted }
func (s *Subscription) Conflict() <-chan struct{}            { return s.conflict }
func (s *Subscription) Ephemeral() <-chan *envelope.Envelope { return s.ephemeral }

func (s *Subscription) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Subscription) evict() {
	s.conflictOnce.Do(func() {
		metrics.ConsumerConflicts.Inc()
		close(s.conflict)
	})
}

func (s *Subscription) offer(env *envelope.Envelope) bool {
	select {
	case s.ephemeral <- env:
		return true
	default:
		metrics.EphemeralDropped.Inc()
		return false
	}
}

type Options struct {
	EphemeralBuffer int
}

type Broker struct {
	bus *cluster.Bus
	log *zap.Logger
	opt Options

	mu   sync.Mutex
	subs map[envelope.DeviceKey]*Subscription
}

func NewBroker(log *zap.Logger, bus *cluster.Bus, opt Options) *Broker {
	if opt.EphemeralBuffer <= 0 {
		opt.EphemeralBuffer = defaultEphemeralBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	if bus == nil {
		bus = cluster.NewBus(log, nil, "")
	}
	return &Broker{bus: bus, log: log, opt: opt, subs: make(map[envelope.DeviceKey]*Subscription)}
}

// Start joins the cluster plane. Without Redis it is a no-op.
func (b *Broker) Start(ctx context.Context) error {
	return b.bus.Subscribe(ctx, Channel, b.handleRemote)
}

// Register makes the caller the sole consumer of key. A previous local consumer
// is evicted before Register returns; remote ones are evicted through the bus.
func (b *Broker) Register(ctx context.Context, key envelope.DeviceKey) *Subscription {
	sub := &Subscription{
		ID:         uuid.New(),
		Key:        key,
		At:         time.Now().UnixNano(),
		newMessage: make(chan struct{}, 1),
		persisted:  make(chan struct{}, 1),
		conflict:   make(chan struct{}),
		ephemeral:  make(chan *envelope.Envelope, b.opt.EphemeralBuffer),
	}

	b.mu.Lock()
	prev := b.subs[key]
	b.subs[key] = sub
	b.mu.Unlock()

	if prev != nil {
		prev.evict()
	}
	b.publish(ctx, event{Kind: kindNewConsumer, Key: key.String(), Sub: sub.ID, At: sub.At})
	return sub
}

// Unregister removes sub only if it is still the current consumer of its key.
func (b *Broker) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if b.subs[sub.Key] == sub {
		delete(b.subs, sub.Key)
	}
	b.mu.Unlock()
}

// IsLocallyPresent reports whether a session for key lives on this node.
func (b *Broker) IsLocallyPresent(key envelope.DeviceKey) bool {
	b.mu.Lock()
	_, ok := b.subs[key]
	b.mu.Unlock()
	return ok
}

func (b *Broker) current(key envelope.DeviceKey) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[key]
}

func (b *Broker) NotifyNewMessage(ctx context.Context, key envelope.DeviceKey) error {
	if s := b.current(key); s != nil {
		s.signal(s.newMessage)
		return nil
	}
	return b.bus.Publish(ctx, Channel, event{Kind: kindNewMessage, Key: key.String()})
}

func (b *Broker) NotifyPersisted(ctx context.Context, key envelope.DeviceKey) error {
	if s := b.current(key); s != nil {
		s.signal(s.persisted)
		return nil
	}
	return b.bus.Publish(ctx, Channel, event{Kind: kindPersisted, Key: key.String()})
}

// PublishEphemeral hands env to the live session of key, wherever it is.
// It is never stored; a full or absent consumer drops it.
func (b *Broker) PublishEphemeral(ctx context.Context, key envelope.DeviceKey, env *envelope.Envelope) error {
	if s := b.current(key); s != nil {
		s.offer(env)
		return nil
	}
	if b.bus.LocalOnly() {
		metrics.EphemeralDropped.Inc()
		return nil
	}
	return b.bus.Publish(ctx, Channel, event{Kind: kindEphemeral, Key: key.String(), Envelope: env})
}

func (b *Broker) publish(ctx context.Context, evt event) {
	if err := b.bus.Publish(ctx, Channel, evt); err != nil {
		b.log.Warn("availability publish failed", zap.String("kind", string(evt.Kind)), zap.String("key", evt.Key), zap.Error(err))
	}
}

func (b *Broker) handleRemote(origin string, payload json.RawMessage) {
	var evt event
	if err := json.Unmarshal(payload, &evt); err != nil {
		b.log.Warn("availability event decode failed", zap.String("origin", origin), zap.Error(err))
		return
	}
	key, err := envelope.ParseDeviceKey(evt.Key)
	if err != nil {
		return
	}
	s := b.current(key)
	if s == nil {
		return
	}
	switch evt.Kind {
	case kindNewMessage:
		s.signal(s.newMessage)
	case kindPersisted:
		s.signal(s.persisted)
	case kindEphemeral:
		if evt.Envelope != nil {
			s.offer(evt.Envelope)
		}
	case kindNewConsumer:
		if evt.Sub == s.ID || !newer(evt, s) {
			b.log.Debug("stale remote registration ignored", zap.String("key", evt.Key), zap.String("origin", origin))
			return
		}
		b.mu.Lock()
		if b.subs[key] == s {
			delete(b.subs, key)
		}
		b.mu.Unlock()
		b.log.Info("session superseded by remote node", zap.String("key", evt.Key), zap.String("origin", origin))
		s.evict()
	}
}

// newer reports whether a remote registration happened after s. Equal times
// fall back to the subscription id so both nodes agree on one winner.
func newer(evt event, s *Subscription) bool {
	if evt.At != s.At {
		return evt.At > s.At
	}
	return evt.Sub.String() > s.ID.String()
}
