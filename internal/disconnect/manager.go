// Package disconnect lets any node force the live sessions of an account's devices to close.
package disconnect

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yuim/im-realtime/internal/cluster"
	"yuim/im-realtime/internal/metrics"
	"yuim/im-realtime/pkg/envelope"
)

const Channel = "im:disconnect"

const defaultQueueSize = 1024

// Listener is told that its device must reconnect and reauthenticate.
type Listener interface {
	HandleDisconnectionRequest()
}

type request struct {
	Account uuid.UUID `json:"account"`
	Devices []uint8   `json:"devices"`
}

type Options struct {
	QueueSize int
}

// Manager keeps at most one listener per device. Listeners run on a single
// dedicated worker goroutine, never on the caller's.
type Manager struct {
	bus *cluster.Bus
	log *zap.Logger

	mu        sync.Mutex
	listeners map[envelope.DeviceKey]Listener

	work     chan Listener
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewManager(log *zap.Logger, bus *cluster.Bus, opt Options) *Manager {
	if opt.QueueSize <= 0 {
		opt.QueueSize = defaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	if bus == nil {
		bus = cluster.NewBus(log, nil, "")
	}
	m := &Manager{
		bus:       bus,
		log:       log,
		listeners: make(map[envelope.DeviceKey]Listener),
		work:      make(chan Listener, opt.QueueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go m.worker()
	return m
}

// Start joins the cluster plane. Without Redis it is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	return m.bus.Subscribe(ctx, Channel, m.handleRemote)
}

func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// AddListener replaces any listener registered for the device.
func (m *Manager) AddListener(account uuid.UUID, device uint8, l Listener) {
	m.mu.Lock()
	m.listeners[envelope.DeviceKey{Account: account, Device: device}] = l
	m.mu.Unlock()
}

// RemoveListener removes l only if it is still the device's listener.
func (m *Manager) RemoveListener(account uuid.UUID, device uint8, l Listener) {
	k := envelope.DeviceKey{Account: account, Device: device}
	m.mu.Lock()
	if cur, ok := m.listeners[k]; ok && cur == l {
		delete(m.listeners, k)
	}
	m.mu.Unlock()
}

// RequestDisconnection asks every node to disconnect the given devices.
// Devices without a live session are ignored.
func (m *Manager) RequestDisconnection(ctx context.Context, account uuid.UUID, devices ...uint8) error {
	if len(devices) == 0 {
		return nil
	}
	m.dispatch(request{Account: account, Devices: devices})
	return m.bus.Publish(ctx, Channel, request{Account: account, Devices: devices})
}

func (m *Manager) handleRemote(origin string, payload json.RawMessage) {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		m.log.Warn("disconnect request decode failed", zap.String("origin", origin), zap.Error(err))
		return
	}
	m.dispatch(req)
}

func (m *Manager) dispatch(req request) {
	for _, d := range req.Devices {
		m.mu.Lock()
		l, ok := m.listeners[envelope.DeviceKey{Account: req.Account, Device: d}]
		m.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case m.work <- l:
		case <-m.stop:
			return
		default:
			m.log.Warn("disconnect queue full, dropping request",
				zap.String("account", req.Account.String()), zap.Uint8("device", d))
		}
	}
}

func (m *Manager) worker() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case l := <-m.work:
			m.invoke(l)
		}
	}
}

func (m *Manager) invoke(l Listener) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("disconnect listener panicked", zap.Any("panic", r))
		}
	}()
	metrics.DisconnectRequests.Inc()
	l.HandleDisconnectionRequest()
}
