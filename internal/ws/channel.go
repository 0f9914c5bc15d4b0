package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"converse/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected  = errors.New("not connected")
	ErrMaxReconnects = errors.New("max reconnection attempts reached")
)

// Conn is the subset of the websocket connection the channel needs.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type DialFunc func(ctx context.Context, url string) (Conn, error)

type subscription struct {
	id int
	fn func(models.Envelope)
}

type Config struct {
	// URL is the websocket endpoint without auth parameters.
	URL string

	HeartbeatInterval    time.Duration
	ReconnectBase        time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	// Dial overrides the websocket dialer. Used by tests.
	Dial DialFunc
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 5
	}
	if c.Dial == nil {
		c.Dial = gorillaDial
	}
}

// Channel owns exactly one live websocket connection to the chat server.
// Inbound frames are classified by envelope kind and dispatched to
// subscribers; unclean disconnects are retried with exponential backoff
// for as long as credentials are held.
type Channel struct {
	cfg Config

	mu             sync.Mutex
	ws             Conn
	token          string
	userID         string
	connecting     bool
	attempts       int
	connErr        error
	pingStop       chan struct{}
	reconnectTimer *time.Timer
	handlers       map[models.EnvelopeKind][]subscription
	nextSubID      int

	// writeMu serializes writers; the websocket allows one concurrent writer.
	writeMu sync.Mutex
}

func NewChannel(cfg Config) *Channel {
	cfg.applyDefaults()
	return &Channel{
		cfg:      cfg,
		handlers: make(map[models.EnvelopeKind][]subscription),
	}
}

// Connect dials the server with the token passed as a query parameter.
// It is idempotent: calling while connecting or connected returns nil
// without opening a second connection. A handshake rejected for bad
// credentials returns models.ErrAuthRequired and is never retried.
func (c *Channel) Connect(ctx context.Context, token, userID string) error {
	c.mu.Lock()
	if c.connecting || c.ws != nil {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.token = token
	c.userID = userID
	c.connErr = nil
	c.mu.Unlock()

	conn, err := c.cfg.Dial(ctx, c.cfg.URL+"?token="+url.QueryEscape(token))

	c.mu.Lock()
	c.connecting = false
	if err != nil {
		if errors.Is(err, models.ErrAuthRequired) {
			// Retrying with the same bad token cannot succeed.
			c.token = ""
			c.userID = ""
		}
		c.connErr = err
		c.mu.Unlock()
		return err
	}

	if c.token != token {
		// Disconnect landed while the dial was in flight; the credentials
		// are gone, so the fresh connection must not be installed.
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}

	c.ws = conn
	c.attempts = 0
	stop := make(chan struct{})
	c.pingStop = stop

	go c.heartbeat(conn, stop)
	go c.readLoop(conn)
	c.mu.Unlock()

	slog.Info("websocket connected", "user_id", userID)
	return nil
}

// Disconnect closes the connection with a clean status code, clears auth
// state and removes all subscriptions. Safe to call when already
// disconnected.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.token = ""
	c.userID = ""
	c.attempts = 0
	c.connErr = nil
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	conn := c.ws
	c.ws = nil
	c.handlers = make(map[models.EnvelopeKind][]subscription)
	c.mu.Unlock()

	if conn == nil {
		return
	}

	c.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
	c.writeMu.Unlock()
	_ = conn.Close()
}

// IsConnected samples liveness from the live connection slot rather than
// any cached flag; the read loop clears it the moment a read fails.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Err returns the current persistent connection error, if any. It is
// cleared by a successful connect and by Disconnect.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connErr
}

// Subscribe registers a handler for one inbound envelope kind and returns
// a function that removes it. Handlers for the same kind run in
// registration order, synchronously with frame arrival.
func (c *Channel) Subscribe(kind models.EnvelopeKind, h func(models.Envelope)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.handlers[kind] = append(c.handlers[kind], subscription{id: id, fn: h})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.handlers[kind]
		for i, s := range subs {
			if s.id == id {
				c.handlers[kind] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Send writes one envelope to the open connection.
func (c *Channel) Send(env models.Envelope) error {
	c.mu.Lock()
	conn := c.ws
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// SendMessage sends a chat message envelope. The id is a client-side
// correlation id; the server assigns the durable message id.
func (c *Channel) SendMessage(threadID, content string, contentType models.ContentType) error {
	return c.Send(models.Envelope{
		Type:        models.KindNewMessage,
		MessageID:   uuid.NewString(),
		ThreadID:    threadID,
		Content:     content,
		ContentType: contentType,
		Timestamp:   time.Now().UTC(),
	})
}

// SendTyping signals that the current user started or stopped typing.
func (c *Channel) SendTyping(threadID string, typing bool) error {
	kind := models.KindStopTyping
	if typing {
		kind = models.KindTyping
	}
	return c.Send(models.Envelope{
		Type:      kind,
		ThreadID:  threadID,
		Timestamp: time.Now().UTC(),
	})
}

// SendStatus broadcasts the current user's presence status.
func (c *Channel) SendStatus(status models.UserStatus) error {
	return c.Send(models.Envelope{
		Type:      models.KindUserStatus,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
}

func (c *Channel) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("dropping malformed frame", "error", err)
			continue
		}
		if env.Type == models.KindNewMessage && env.MessageID == "" {
			// De-duplication downstream depends on the server id.
			slog.Debug("dropping message frame without id", "thread_id", env.ThreadID)
			continue
		}

		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env models.Envelope) {
	c.mu.Lock()
	subs := make([]subscription, len(c.handlers[env.Type]))
	copy(subs, c.handlers[env.Type])
	c.mu.Unlock()

	if len(subs) == 0 {
		slog.Debug("no handlers for envelope kind", "type", env.Type)
		return
	}
	for _, s := range subs {
		s.fn(env)
	}
}

func (c *Channel) handleClose(conn Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws != conn {
		// A newer connection superseded this one.
		return
	}
	c.ws = nil
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}

	clean := websocket.IsCloseError(err, websocket.CloseNormalClosure)
	if clean || c.token == "" {
		return
	}

	slog.Warn("websocket closed uncleanly", "error", err)
	c.scheduleReconnectLocked()
}

func (c *Channel) scheduleReconnectLocked() {
	c.attempts++
	if c.attempts > c.cfg.ReconnectMaxAttempts {
		c.connErr = ErrMaxReconnects
		slog.Error("giving up on reconnection", "attempts", c.attempts-1)
		return
	}

	delay := backoffDelay(c.cfg.ReconnectBase, c.cfg.ReconnectMaxDelay, c.attempts)
	token, userID := c.token, c.userID
	slog.Info("scheduling reconnect", "attempt", c.attempts, "delay", delay)

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		held := c.token == token && token != ""
		c.mu.Unlock()
		if !held {
			return
		}
		if err := c.Connect(context.Background(), token, userID); err != nil {
			c.mu.Lock()
			if c.token != "" && !errors.Is(err, models.ErrAuthRequired) {
				c.scheduleReconnectLocked()
			}
			c.mu.Unlock()
		}
	})
}

func (c *Channel) heartbeat(conn Conn, stop chan struct{}) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			c.writeMu.Lock()
			err := conn.WriteJSON(models.Envelope{
				Type:      models.KindPing,
				Timestamp: time.Now().UTC(),
			})
			c.writeMu.Unlock()
			if err != nil {
				// The read loop will observe the broken connection.
				return
			}
		case <-stop:
			return
		}
	}
}

// backoffDelay returns base * 2^(attempt-1), capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d <= 0 || d > max {
		return max
	}
	return d
}

func gorillaDial(ctx context.Context, rawURL string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("websocket handshake rejected: %w", models.ErrAuthRequired)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}
