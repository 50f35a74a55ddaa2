package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tohenk/node-appserver-sub000/pkg/logx"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// frame is the wire format: a JSON object with an event name and an
// arbitrary JSON payload.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler consumes one inbound event payload.
type Handler func(data json.RawMessage)

// Conn wraps one WebSocket connection with an event dispatch table and a
// buffered outbound pump. Handlers run on the read goroutine, in
// registration order, in the order the transport delivers events.
type Conn struct {
	id         string
	ws         *websocket.Conn
	send       chan []byte
	remoteAddr string

	mu       sync.Mutex
	handlers map[string][]Handler

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	onClose   func(*Conn)

	log logx.Logger
}

func newConn(ws *websocket.Conn, log logx.Logger, onClose func(*Conn)) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Conn{
		id:         id,
		ws:         ws,
		send:       make(chan []byte, sendBuffer),
		remoteAddr: ws.RemoteAddr().String(),
		handlers:   make(map[string][]Handler),
		ctx:        ctx,
		cancel:     cancel,
		onClose:    onClose,
		log:        log.With(logx.String("conn", id)),
	}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// On registers a handler for an event. Multiple handlers per event are
// invoked in registration order.
func (c *Conn) On(event string, h func(data json.RawMessage)) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], Handler(h))
	c.mu.Unlock()
}

// Emit queues an outbound event. It never blocks; a full buffer or a closed
// connection is an error.
func (c *Conn) Emit(event string, data any) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("emit %s: %w", event, err)
		}
		raw = b
	}
	b, err := json.Marshal(frame{Event: event, Data: raw})
	if err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	select {
	case c.send <- b:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("emit %s: connection closed", event)
	default:
		return fmt.Errorf("emit %s: send buffer full", event)
	}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close()
	})
	return nil
}

// run starts the pumps and blocks until the connection is gone.
func (c *Conn) run() {
	go c.writePump()
	c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		_ = c.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read error", logx.Err(err))
			}
			return
		}
		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.log.Debug("malformed frame", logx.Err(err))
			continue
		}
		c.dispatch(f.Event, f.Data)
	}
}

func (c *Conn) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[event]...)
	c.mu.Unlock()
	if len(hs) == 0 {
		c.log.Debug("unhandled event", logx.String("event", event))
		return
	}
	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("event handler panicked",
						logx.String("event", event),
						logx.Any("panic", r))
				}
			}()
			h(data)
		}()
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
