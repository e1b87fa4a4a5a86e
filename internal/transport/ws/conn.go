// Package ws adapts a gorilla websocket to the session's client contract.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"yuim/im-realtime/pkg/envelope"
)

var (
	ErrBackpressure = errors.New("ws: outbound queue full")
	ErrClosed       = errors.New("ws: connection closed")
)

const (
	FrameEnvelope   = "envelope"
	FrameQueueEmpty = "queue_empty"
	FrameAck        = "ack"
)

// Frame is the JSON text frame exchanged with clients.
type Frame struct {
	Type     string             `json:"type"`
	Envelope *envelope.Envelope `json:"envelope,omitempty"`
	GUID     string             `json:"guid,omitempty"`
}

type Options struct {
	OutQueue     int
	WriteTimeout time.Duration
	PongWait     time.Duration
	ReadLimit    int64
}

func (o Options) withDefaults() Options {
	if o.OutQueue <= 0 {
		o.OutQueue = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	return o
}

// Handlers are invoked from the connection's own goroutines. OnAck runs on the
// read goroutine; OnClose runs exactly once after the socket is gone.
type Handlers struct {
	OnAck   func(guid uuid.UUID)
	OnClose func()
}

// Conn owns one websocket. Outbound frames go through a bounded queue drained by
// a single writer; a full queue is reported to the caller, never waited on.
type Conn struct {
	ws  *websocket.Conn
	out chan []byte
	opt Options
	log *zap.Logger
	h   Handlers

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}

	mu     sync.Mutex
	code   int
	reason string
}

func NewConn(c *websocket.Conn, log *zap.Logger, opt Options) *Conn {
	opt = opt.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{
		ws:     c,
		out:    make(chan []byte, opt.OutQueue),
		opt:    opt,
		log:    log,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the read and write loops.
func (c *Conn) Start(h Handlers) {
	c.h = h
	go c.writeLoop()
	go c.readLoop()
}

// Done is closed after the socket is closed and OnClose has returned.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) SendEnvelope(env *envelope.Envelope) error {
	b, err := json.Marshal(Frame{Type: FrameEnvelope, Envelope: env})
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

func (c *Conn) SendQueueEmpty() error {
	return c.enqueue([]byte(`{"type":"queue_empty"}`))
}

func (c *Conn) enqueue(b []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.out <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close sends a close frame with code and reason and tears the socket down.
// Only the first call has any effect.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.code, c.reason = code, reason
		c.mu.Unlock()
		close(c.closed)
	})
}

// CloseStatus returns the code and reason of the first Close call.
func (c *Conn) CloseStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.reason
}

func (c *Conn) writeLoop() {
	ping := time.NewTicker(c.opt.PongWait * 9 / 10)
	defer func() {
		ping.Stop()
		_ = c.ws.Close()
		if c.h.OnClose != nil {
			c.h.OnClose()
		}
		close(c.done)
	}()
	for {
		select {
		case <-c.closed:
			code, reason := c.CloseStatus()
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.opt.WriteTimeout))
			return
		case b := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opt.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				c.Close(websocket.CloseGoingAway, "")
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opt.WriteTimeout)); err != nil {
				c.Close(websocket.CloseGoingAway, "")
				return
			}
		}
	}
}

func (c *Conn) readLoop() {
	c.ws.SetReadLimit(c.opt.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))
	})
	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			c.Close(websocket.CloseGoingAway, "")
			return
		}
		var f Frame
		if err := json.Unmarshal(b, &f); err != nil || f.Type != FrameAck {
			continue
		}
		guid, err := uuid.Parse(f.GUID)
		if err != nil {
			c.log.Debug("ack with bad guid", zap.String("guid", f.GUID))
			continue
		}
		if c.h.OnAck != nil {
			c.h.OnAck(guid)
		}
	}
}

// Reject closes a freshly upgraded socket that never became a session.
func Reject(c *websocket.Conn, code int, reason string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = time.Second
	}
	_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(timeout))
	_ = c.Close()
}

// Upgrader accepts any origin; clients authenticate with a bearer token.
func Upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}
