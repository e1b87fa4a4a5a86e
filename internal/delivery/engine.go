package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yuim/im-realtime/internal/accounts"
	"yuim/im-realtime/internal/metrics"
	"yuim/im-realtime/internal/recipients"
	"yuim/im-realtime/pkg/envelope"
	"yuim/im-realtime/pkg/push"
	"yuim/im-realtime/pkg/store/storeiface"
)

var (
	ErrPushQueueFull = errors.New("delivery: push queue full")
	ErrNoPushToken   = errors.New("delivery: device has no push token")
)

// Pusher is the push notification dispatcher as the engine sees it.
type Pusher interface {
	SendNotification(ctx context.Context, n push.Notification) (push.Result, error)
}

// Presence answers whether a device currently holds a live session anywhere.
type Presence interface {
	GetRoute(ctx context.Context, key envelope.DeviceKey) (string, error)
}

// Ephemeral hands non-persisted envelopes to a live session.
type Ephemeral interface {
	IsLocallyPresent(key envelope.DeviceKey) bool
	PublishEphemeral(ctx context.Context, key envelope.DeviceKey, env *envelope.Envelope) error
}

type Options struct {
	PushQueueSize int
	PushWorkers   int
	OpTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.PushQueueSize <= 0 {
		o.PushQueueSize = 4096
	}
	if o.PushWorkers <= 0 {
		o.PushWorkers = 8
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 3 * time.Second
	}
	return o
}

// Engine queues envelopes for devices and wakes devices without a live session.
type Engine struct {
	store     storeiface.MessageQueueStore
	presence  Presence
	ephemeral Ephemeral
	pusher    Pusher
	dir       accounts.Directory
	resolver  *recipients.Resolver
	log       *zap.Logger
	opts      Options

	pq       chan pushTask
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type pushTask struct {
	n push.Notification
}

// New builds an engine. presence, ephemeral and pusher may be nil.
func New(store storeiface.MessageQueueStore, presence Presence, ephemeral Ephemeral, pusher Pusher,
	dir accounts.Directory, resolver *recipients.Resolver, log *zap.Logger, opts Options) *Engine {
	opts = opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		store:     store,
		presence:  presence,
		ephemeral: ephemeral,
		pusher:    pusher,
		dir:       dir,
		resolver:  resolver,
		log:       log,
		opts:      opts,
		pq:        make(chan pushTask, opts.PushQueueSize),
		stopCh:    make(chan struct{}),
	}
	if pusher != nil {
		for i := 0; i < opts.PushWorkers; i++ {
			e.wg.Add(1)
			go e.pushWorker()
		}
	}
	return e
}

func (e *Engine) Close() error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	return nil
}

func (e *Engine) pushWorker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case t := <-e.pq:
			e.dispatch(context.Background(), t.n)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, n push.Notification) (push.Result, error) {
	res, err := e.pusher.SendNotification(ctx, n)
	outcome := "accepted"
	switch {
	case res.Unregistered:
		outcome = "unregistered"
		cctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
		cerr := e.dir.ClearPushToken(cctx, n.Destination.Account, n.Destination.Device, res.UnregisteredAt)
		cancel()
		if cerr != nil {
			e.log.Warn("clear push token failed",
				zap.String("account", n.Destination.Account.String()), zap.Uint8("device", n.Destination.Device), zap.Error(cerr))
		}
	case err != nil:
		outcome = "failed"
		e.log.Warn("push notification failed",
			zap.String("account", n.Destination.Account.String()), zap.Uint8("device", n.Destination.Device),
			zap.String("code", res.ErrorCode), zap.Error(err))
	}
	provider := res.Provider
	if provider == "" {
		provider = string(n.TokenType)
	}
	metrics.PushResults.WithLabelValues(provider, outcome).Inc()
	return res, err
}

func (e *Engine) isPresent(ctx context.Context, key envelope.DeviceKey) bool {
	if e.ephemeral != nil && e.ephemeral.IsLocallyPresent(key) {
		return true
	}
	if e.presence == nil {
		return false
	}
	rctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	node, err := e.presence.GetRoute(rctx, key)
	cancel()
	if err != nil {
		// unknown presence: treat as offline so the device still gets woken
		e.log.Debug("presence lookup failed", zap.String("key", key.String()), zap.Error(err))
		return false
	}
	return node != ""
}

// Send delivers env to one device. Ephemeral envelopes go only to a live session and
// are otherwise dropped; everything else is queued, and an urgent envelope for a device
// with no live session schedules a push. It returns the stored envelope, or nil when
// nothing was stored.
func (e *Engine) Send(ctx context.Context, acct *accounts.Account, dev *accounts.Device, env *envelope.Envelope) (*envelope.Envelope, error) {
	if acct == nil || dev == nil || env == nil {
		return nil, errors.New("delivery: account, device and envelope required")
	}
	key := envelope.DeviceKey{Account: acct.Identifier, Device: dev.ID}
	msg := *env
	if msg.DestinationIdentifier == uuid.Nil {
		msg.DestinationIdentifier = acct.Identifier
	}
	present := e.isPresent(ctx, key)

	if msg.Ephemeral {
		if !present || e.ephemeral == nil {
			metrics.EphemeralDropped.Inc()
			return nil, nil
		}
		if msg.GUID == uuid.Nil {
			msg.GUID = uuid.New()
		}
		if msg.ServerTimestamp == 0 {
			msg.ServerTimestamp = time.Now().UnixMilli()
		}
		return nil, e.ephemeral.PublishEphemeral(ctx, key, &msg)
	}

	sctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	stored, err := e.store.Append(sctx, key, &msg)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("delivery: append %s: %w", key, err)
	}

	if !present && msg.Urgent && dev.HasPushToken() && e.pusher != nil {
		if err := e.enqueuePush(notification(acct, dev, push.NotificationMessage, true, nil)); err != nil {
			e.log.Warn("push dropped", zap.String("key", key.String()), zap.Error(err))
		}
	}
	return stored, nil
}

func (e *Engine) enqueuePush(n push.Notification) error {
	select {
	case e.pq <- pushTask{n: n}:
		return nil
	default:
		metrics.PushDropped.Inc()
		return ErrPushQueueFull
	}
}

func notification(acct *accounts.Account, dev *accounts.Device, t push.NotificationType, urgent bool, data map[string]string) push.Notification {
	return push.Notification{
		Token:       dev.PushToken,
		TokenType:   dev.PushTokenType,
		Type:        t,
		Urgent:      urgent,
		Destination: push.Destination{Account: acct.Identifier, Device: dev.ID},
		Data:        data,
	}
}

// SendChallengePush sends a re-engagement push synchronously, whether or not the
// device has a live session.
func (e *Engine) SendChallengePush(ctx context.Context, acct *accounts.Account, dev *accounts.Device, t push.NotificationType, data map[string]string) (push.Result, error) {
	if e.pusher == nil {
		return push.Result{}, push.ErrNotConfigured
	}
	if !dev.HasPushToken() {
		return push.Result{}, ErrNoPushToken
	}
	return e.dispatch(ctx, notification(acct, dev, t, true, data))
}

// MultiRecipientMessage is one send addressed to many devices. Each device's content
// is its key material followed by the shared ciphertext.
type MultiRecipientMessage struct {
	Recipients       []recipients.Recipient `json:"recipients"`
	Type             envelope.Type          `json:"type"`
	SourceIdentifier *uuid.UUID             `json:"source_uuid,omitempty"`
	SourceDevice     uint8                  `json:"source_device,omitempty"`
	ClientTimestamp  int64                  `json:"client_timestamp"`
	Urgent           bool                   `json:"urgent"`
	Ephemeral        bool                   `json:"ephemeral,omitempty"`
	SharedContent    []byte                 `json:"shared_content"`
}

type MultiRecipientResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// SendMultiRecipient validates and resolves every recipient before the first
// envelope is queued: duplicate devices, unknown recipients and mismatched device
// lists fail the whole send with no side effects.
func (e *Engine) SendMultiRecipient(ctx context.Context, msg MultiRecipientMessage) (MultiRecipientResult, error) {
	var res MultiRecipientResult
	if recipients.HasDuplicateDevices(msg.Recipients) {
		return res, recipients.ErrDuplicateDevices
	}
	resolved, err := e.resolver.Resolve(ctx, msg.Recipients)
	if err != nil {
		return res, err
	}
	if missing := recipients.Unresolved(msg.Recipients, resolved); len(missing) > 0 {
		return res, &recipients.UnresolvedError{Recipients: missing}
	}
	if stale := recipients.StaleDevices(msg.Recipients, resolved); stale != nil {
		return res, stale
	}

	var errs []error
	for _, rc := range msg.Recipients {
		acct := resolved[rc.ServiceIdentifier]
		for _, d := range rc.Devices {
			dev := acct.Device(d.ID)
			content := make([]byte, 0, len(d.KeyMaterial)+len(msg.SharedContent))
			content = append(content, d.KeyMaterial...)
			content = append(content, msg.SharedContent...)
			env := &envelope.Envelope{
				Type:                      msg.Type,
				SourceIdentifier:          msg.SourceIdentifier,
				SourceDevice:              msg.SourceDevice,
				DestinationIdentifier:     rc.ServiceIdentifier.UUID,
				DestinationRegistrationID: d.RegistrationID,
				ClientTimestamp:           msg.ClientTimestamp,
				Urgent:                    msg.Urgent,
				Ephemeral:                 msg.Ephemeral,
				Content:                   content,
			}
			if _, err := e.Send(ctx, acct, dev, env); err != nil {
				res.Failed++
				errs = append(errs, err)
				continue
			}
			res.Delivered++
		}
	}
	return res, errors.Join(errs...)
}
