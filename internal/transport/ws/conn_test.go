package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"yuim/im-realtime/pkg/envelope"
)

type server struct {
	conns  chan *Conn
	acks   chan uuid.UUID
	closed chan struct{}
}

func serve(t *testing.T) (*server, *websocket.Conn) {
	t.Helper()
	s := &server{conns: make(chan *Conn, 1), acks: make(chan uuid.UUID, 8), closed: make(chan struct{})}
	up := Upgrader()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewConn(raw, zaptest.NewLogger(t), Options{})
		c.Start(Handlers{
			OnAck:   func(g uuid.UUID) { s.acks <- g },
			OnClose: func() { close(s.closed) },
		})
		s.conns <- c
	}))
	t.Cleanup(ts.Close)

	cli, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })
	return s, cli
}

func (s *server) conn(t *testing.T) *Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no server connection")
		return nil
	}
}

func TestFramesAndAcks(t *testing.T) {
	s, cli := serve(t)
	c := s.conn(t)

	env := &envelope.Envelope{GUID: uuid.New(), Type: envelope.TypeCiphertext, Content: []byte("x")}
	require.NoError(t, c.SendEnvelope(env))
	require.NoError(t, c.SendQueueEmpty())

	var f Frame
	require.NoError(t, cli.ReadJSON(&f))
	assert.Equal(t, FrameEnvelope, f.Type)
	require.NotNil(t, f.Envelope)
	assert.Equal(t, env.GUID, f.Envelope.GUID)

	require.NoError(t, cli.ReadJSON(&f))
	assert.Equal(t, FrameQueueEmpty, f.Type)

	require.NoError(t, cli.WriteJSON(Frame{Type: FrameAck, GUID: env.GUID.String()}))
	require.NoError(t, cli.WriteMessage(websocket.TextMessage, []byte(`{"type":"ack","guid":"nope"}`)))
	select {
	case g := <-s.acks:
		assert.Equal(t, env.GUID, g)
	case <-time.After(2 * time.Second):
		t.Fatal("ack not delivered")
	}
}

func TestCloseSendsCodeOnceAndRunsHook(t *testing.T) {
	s, cli := serve(t)
	c := s.conn(t)

	c.Close(4409, "connected elsewhere")
	c.Close(1011, "ignored")

	_, _, err := cli.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 4409, ce.Code)
	assert.Equal(t, "connected elsewhere", ce.Text)

	select {
	case <-s.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close hook not run")
	}
	<-c.Done()
	assert.ErrorIs(t, c.SendQueueEmpty(), ErrClosed)
}

func TestClientGoneRunsHook(t *testing.T) {
	s, cli := serve(t)
	c := s.conn(t)
	require.NoError(t, cli.Close())

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("hook not run after client left")
	}
	code, _ := c.CloseStatus()
	assert.Equal(t, websocket.CloseGoingAway, code)
}

func TestFullQueueIsBackpressure(t *testing.T) {
	c := NewConn(nil, nil, Options{OutQueue: 1})
	require.NoError(t, c.SendQueueEmpty())
	assert.ErrorIs(t, c.SendQueueEmpty(), ErrBackpressure)
}
