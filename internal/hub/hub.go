package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/sonyflake"

	"yuim/im-realtime/internal/metrics"
	"yuim/im-realtime/pkg/envelope"
)

// Closer is the part of a live connection the hub needs at shutdown.
type Closer interface {
	Close(code int, reason string)
}

type Conn struct {
	ID  uint64
	Key envelope.DeviceKey
	C   Closer
}

// Hub tracks the authenticated connections of this node.
type Hub struct {
	sf *sonyflake.Sonyflake

	mu    sync.RWMutex
	conns map[uint64]*Conn
}

// New seeds connection ids with machineID; it must be unique per node.
func New(machineID uint16) (*Hub, error) {
	sf := sonyflake.NewSonyflake(sonyflake.Settings{
		StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		MachineID: func() (uint16, error) { return machineID, nil },
	})
	if sf == nil {
		return nil, errors.New("hub: sonyflake init failed")
	}
	return &Hub{sf: sf, conns: make(map[uint64]*Conn)}, nil
}

// Add registers c and returns its connection id.
func (h *Hub) Add(key envelope.DeviceKey, c Closer) (uint64, error) {
	id, err := h.sf.NextID()
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	h.conns[id] = &Conn{ID: id, Key: key, C: c}
	n := len(h.conns)
	h.mu.Unlock()
	metrics.OnlineConns.Set(float64(n))
	return id, nil
}

func (h *Hub) Get(id uint64) (*Conn, bool) {
	h.mu.RLock()
	c, ok := h.conns[id]
	h.mu.RUnlock()
	return c, ok
}

func (h *Hub) Del(id uint64) {
	h.mu.Lock()
	delete(h.conns, id)
	n := len(h.conns)
	h.mu.Unlock()
	metrics.OnlineConns.Set(float64(n))
}

func (h *Hub) Len() int {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	return n
}

// CloseAll closes every tracked connection. Entries are removed by the
// connections' own close hooks.
func (h *Hub) CloseAll(code int, reason string) int {
	h.mu.RLock()
	list := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		list = append(list, c)
	}
	h.mu.RUnlock()
	for _, c := range list {
		c.C.Close(code, reason)
	}
	return len(list)
}
