package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatcore/internal/config"
	"chatcore/internal/session"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Client is one websocket connection. It implements session.Conn; all
// writes go through the send queue drained by writePump.
type Client struct {
	id   string
	conn *websocket.Conn
	cfg  config.RealtimeConfig
	log  zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

func newClient(conn *websocket.Conn, cfg config.RealtimeConfig, log zerolog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:   id,
		conn: conn,
		cfg:  cfg,
		log:  log.With().Str("conn_id", id).Logger(),
		send: make(chan []byte, cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

// ID is the connection id, unique per upgrade.
func (c *Client) ID() string { return c.id }

// Send queues evt without blocking. A client whose queue is full is
// disconnected.
func (c *Client) Send(evt session.Event) bool {
	frame, err := json.Marshal(outbound{Event: evt.Name, Data: evt.Data})
	if err != nil {
		c.log.Error().Err(err).Str("event", evt.Name).Msg("encode frame")
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn().Str("event", evt.Name).Msg("send queue full, dropping client")
		c.Close("slow consumer")
		return false
	}
}

// Close stops the pumps and closes the socket once; later calls are no-ops.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.Close("write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close("ping failed")
				return
			}
		case <-c.done:
			c.flush()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
			return
		}
	}
}

// flush writes whatever was queued before Close, so a final error frame
// reaches the peer ahead of the close frame.
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// readPump delivers inbound frames to handle until the connection fails
// or the client is closed.
func (c *Client) readPump(handle func(Envelope)) {
	c.conn.SetReadLimit(c.cfg.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Debug().Err(err).Msg("connection closed unexpectedly")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.Send(session.Event{Name: EventError, Data: ErrorPayload{Code: "BAD_FRAME", Message: "frame must be {event, data}"}})
			continue
		}
		handle(env)

		select {
		case <-c.done:
			return
		default:
		}
	}
}
