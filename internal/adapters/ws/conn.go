// Package ws adapta gorilla/websocket a ports.Conn y expone el endpoint en vivo.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alejandrodnm/gavel/internal/ports"
	"github.com/gorilla/websocket"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	controlWait  = time.Second
	maxMessage   = 4096
	maxReason    = 123 // límite del payload de un frame de cierre
)

// Conn envuelve una conexión websocket ya aceptada. Admite un lector y un
// escritor concurrentes; los pings y el cierre van por WriteControl.
type Conn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

var _ ports.Conn = (*Conn)(nil)

// NewConn arranca el keepalive y cierra la conexión cuando ctx se cancela.
func NewConn(ctx context.Context, c *websocket.Conn) *Conn {
	conn := &Conn{ws: c, closed: make(chan struct{})}

	c.SetReadLimit(maxMessage)
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})

	go conn.keepalive(ctx)
	return conn
}

func (c *Conn) keepalive(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.Close(websocket.CloseGoingAway, "server shutting down")
			return
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait)); err != nil {
				return
			}
		}
	}
}

func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, ports.ErrConnClosed
			}
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *Conn) WriteMessage(ctx context.Context, data []byte) error {
	if c.isClosed() {
		return ports.ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close envía el frame de cierre con code y libera el socket. Idempotente.
func (c *Conn) Close(code int, reason string) error {
	err := ports.ErrConnClosed
	c.closeOnce.Do(func() {
		if len(reason) > maxReason {
			reason = reason[:maxReason]
		}
		msg := websocket.FormatCloseMessage(code, reason)
		werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWait))
		cerr := c.ws.Close()
		close(c.closed)
		err = errors.Join(ignoreClosed(werr), cerr)
	})
	return err
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
