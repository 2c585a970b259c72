package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shivanshagarwal10/realtime-editor/pkg/wire"
)

const (
	wsMaxMessageBytes = 1 << 20
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 15 * time.Second
	wsSendBuffer      = 64
)

// client is one live WebSocket connection. username and documentID are
// the connection's state machine (disconnected → connected → in-session);
// they are written only by the owning read goroutine through the
// coordinator's handlers, never from other goroutines.
type client struct {
	id    string
	coord *coordinator
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	once  sync.Once

	username   string
	documentID string
}

func newClient(coord *coordinator, conn *websocket.Conn) *client {
	return &client{
		id:    uuid.NewString(),
		coord: coord,
		conn:  conn,
		send:  make(chan []byte, wsSendBuffer),
		done:  make(chan struct{}),
	}
}

// trySend enqueues data without blocking. A full send buffer means the
// client cannot keep up with its session's traffic; the connection is
// dropped rather than letting one slow reader stall the fan-out loop.
func (c *client) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		// Only the immutable id here: username belongs to the read
		// goroutine and publishers reach this from any goroutine.
		slog.Warn("Dropping slow consumer", "conn", c.id)
		c.shutdown()
		return false
	}
}

func (c *client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *client) readPump() {
	defer func() {
		c.coord.handleDisconnect(context.Background(), c)
		c.shutdown()
	}()

	c.conn.SetReadLimit(wsMaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("WebSocket read error", "conn", c.id, "error", err)
			}
			return
		}
		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Invalid frame", "conn", c.id, "error", err)
			continue
		}
		c.coord.dispatch(context.Background(), c, frame)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

func serveWS(coord *coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("WebSocket upgrade failed", "error", err)
			return
		}
		c := newClient(coord, conn)
		coord.register(c)
		slog.Debug("Client connected", "conn", c.id, "remote", r.RemoteAddr)
		go c.writePump()
		go c.readPump()
	}
}
