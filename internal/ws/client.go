package ws

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teamsync/relay/internal/auth"
	"github.com/teamsync/relay/internal/metrics"
	"github.com/teamsync/relay/internal/protocol"
	"github.com/teamsync/relay/internal/ratelimit"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultMaxMessageSize    = 1024 * 1024
	defaultMessagesPerSecond = 100
	defaultMessageBurst      = 200

	// A client this far behind on rate limiting is disconnected.
	maxRateLimitViolations = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Options tunes handshake checks and per-connection limits. The zero value
// gives open access with the default limits.
type Options struct {
	Verifier          *auth.Verifier
	JoinLimiter       *ratelimit.ClientLimiters
	MessagesPerSecond float64
	Burst             int
	MaxMessageBytes   int64
}

// Client is one live connection, bound to a single room for its lifetime.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	roomName string
	id       string
	subject  string
	limiter  *ratelimit.Limiter
	log      *slog.Logger
}

// ServeWs upgrades an HTTP request into a relay connection. The room name
// comes from the `room` query parameter; a missing name, a failed
// authorization check, or a join-rate violation refuses the handshake
// before any registry mutation.
func ServeWs(hub *Hub, opts Options, w http.ResponseWriter, r *http.Request) {
	roomName := r.URL.Query().Get("room")
	if roomName == "" {
		hub.metrics.JoinsRejected.WithLabelValues("no_room").Inc()
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}

	var subject string
	if opts.Verifier.Enabled() {
		var err error
		subject, err = opts.Verifier.Authorize(r.URL.Query().Get("token"), roomName)
		switch {
		case errors.Is(err, auth.ErrRoomForbidden):
			hub.metrics.JoinsRejected.WithLabelValues("forbidden").Inc()
			http.Error(w, "room not authorized", http.StatusForbidden)
			return
		case err != nil:
			hub.metrics.JoinsRejected.WithLabelValues("unauthorized").Inc()
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	if opts.JoinLimiter != nil {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !opts.JoinLimiter.Get(ip).Allow() {
			hub.metrics.JoinsRejected.WithLabelValues("join_rate").Inc()
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}

	rate := opts.MessagesPerSecond
	if rate <= 0 {
		rate = defaultMessagesPerSecond
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = defaultMessageBurst
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 512),
		roomName: roomName,
		id:       uuid.NewString(),
		subject:  subject,
		limiter:  ratelimit.NewLimiter(rate, burst),
		log:      hub.log,
	}

	maxMessageSize := opts.MaxMessageBytes
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(maxMessageSize)
}

// trySend queues data without blocking. Returns false when the client's
// buffer is full; the hub then drops the client rather than stall the loop.
func (c *Client) trySend(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) readPump(maxMessageSize int64) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitViolations := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed",
					slog.String("client", c.id),
					slog.Any("error", err))
			}
			break
		}

		if !c.limiter.Allow() {
			rateLimitViolations++
			c.hub.metrics.FramesDropped.WithLabelValues(metrics.ReasonRateLimited).Inc()
			if rateLimitViolations%100 == 1 {
				c.log.Warn("rate limit exceeded",
					slog.String("client", c.id),
					slog.String("room", c.roomName),
					slog.Int("violations", rateLimitViolations))
			}
			if rateLimitViolations > maxRateLimitViolations {
				c.log.Warn("disconnecting client for sustained rate limit violations",
					slog.String("client", c.id),
					slog.String("room", c.roomName))
				return
			}
			continue
		}

		if err := protocol.ValidateFrame(message); err != nil {
			c.hub.metrics.FramesDropped.WithLabelValues(metrics.ReasonInvalidFrame).Inc()
			c.log.Warn("dropping invalid frame",
				slog.String("client", c.id),
				slog.Any("error", err))
			continue
		}

		select {
		case c.hub.broadcast <- &Frame{Room: c.roomName, Data: message, Sender: c}:
		case <-c.hub.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
