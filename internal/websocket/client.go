package websocket

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/meetbot/internal/logging"
)

var log = logging.L("websocket")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

var (
	ErrStopped  = errors.New("websocket: client is stopped")
	ErrSendFull = errors.New("websocket: send channel is full")
)

// Config holds WebSocket client configuration
type Config struct {
	ServerURL string
	BotID     string
	AuthToken string
	// TLSConfig, when set, is used for wss:// dials (client certificates).
	TLSConfig *tls.Config

	// OnStateChange is called with true after each successful dial and
	// with false when the connection drops.
	OnStateChange func(connected bool)
}

// Command represents a command received via WebSocket
type Command struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// CommandResult represents the result of a command execution
type CommandResult struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Event is an unsolicited message from the bot, such as a run update.
type Event struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// CommandHandler processes commands received via WebSocket
type CommandHandler func(cmd Command) CommandResult

// Client manages the WebSocket connection to the control plane
type Client struct {
	config     *Config
	conn       *websocket.Conn
	connMu     sync.RWMutex
	cmdHandler CommandHandler
	done       chan struct{}
	sendChan   chan []byte
	stopOnce   sync.Once
	isRunning  bool
	runningMu  sync.RWMutex
	connected  atomic.Bool
}

// New creates a new WebSocket client
func New(cfg *Config, handler CommandHandler) *Client {
	return &Client{
		config:     cfg,
		cmdHandler: handler,
		done:       make(chan struct{}),
		sendChan:   make(chan []byte, 256),
	}
}

// Start runs the reconnect loop until Stop. It blocks.
func (c *Client) Start() {
	c.runningMu.Lock()
	if c.isRunning {
		c.runningMu.Unlock()
		return
	}
	c.isRunning = true
	c.runningMu.Unlock()

	c.reconnectLoop()
}

// Stop gracefully closes the connection
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.runningMu.Lock()
		c.isRunning = false
		c.runningMu.Unlock()

		close(c.done)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		log.Info("client stopped")
	})
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) setConnected(v bool) {
	if c.connected.Swap(v) != v && c.config.OnStateChange != nil {
		c.config.OnStateChange(v)
	}
}

func (c *Client) connect() error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	header := http.Header{}
	if c.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  c.config.TLSConfig,
	}
	conn, _, err := dialer.Dial(wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	log.Info("connected", "server", c.config.ServerURL)
	c.setConnected(true)
	return nil
}

func (c *Client) buildWSURL() (string, error) {
	serverURL, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return "", err
	}

	switch serverURL.Scheme {
	case "https":
		serverURL.Scheme = "wss"
	case "http":
		serverURL.Scheme = "ws"
	}

	serverURL.Path = fmt.Sprintf("/api/v1/bots/%s/ws", url.PathEscape(c.config.BotID))
	return serverURL.String(), nil
}

// nextBackoff grows backoff by backoffFactor up to maxBackoff and returns
// the jittered sleep for the current attempt.
func nextBackoff(backoff time.Duration) (sleep, next time.Duration) {
	jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
	sleep = backoff + jitter
	if sleep < 0 {
		sleep = backoff
	}
	next = time.Duration(float64(backoff) * backoffFactor)
	if next > maxBackoff {
		next = maxBackoff
	}
	return sleep, next
}

func (c *Client) reconnectLoop() {
	backoff := initialBackoff

	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.connect(); err != nil {
			log.Warn("connection failed", logging.KeyError, err)

			var sleep time.Duration
			sleep, backoff = nextBackoff(backoff)
			log.Info("retrying", "delay", sleep)
			select {
			case <-c.done:
				return
			case <-time.After(sleep):
			}
			continue
		}

		// Reset backoff on successful connection
		backoff = initialBackoff

		done := make(chan struct{})
		go c.writePump(done)
		c.readPump()
		close(done)
		c.setConnected(false)

		c.runningMu.RLock()
		running := c.isRunning
		c.runningMu.RUnlock()
		if !running {
			return
		}
	}
}

func (c *Client) readPump() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err)
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Warn("failed to parse message", logging.KeyError, err)
			continue
		}

		// Acks and errors from the server carry no id.
		if msg.ID == "" {
			continue
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			log.Warn("failed to parse command", logging.KeyError, err)
			continue
		}

		go c.processCommand(cmd)
	}
}

func (c *Client) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.done:
			return

		case message := <-c.sendChan:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()

			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("write error", logging.KeyError, err)
				return
			}

		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()

			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) processCommand(cmd Command) {
	log.Info("processing command", "commandId", cmd.ID, "commandType", cmd.Type)

	result := c.cmdHandler(cmd)
	result.Type = "command_result"
	result.CommandID = cmd.ID

	if err := c.SendResult(result); err != nil {
		log.Error("failed to send command result", logging.KeyError, err)
	}
}

// SendResult sends a command result back to the server
func (c *Client) SendResult(result CommandResult) error {
	return c.send(result)
}

// SendEvent queues an event such as a run status change.
func (c *Client) SendEvent(event string, payload any) error {
	return c.send(Event{Type: "event", Event: event, Payload: payload})
}

func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.sendChan <- data:
		return nil
	case <-c.done:
		return ErrStopped
	default:
		return ErrSendFull
	}
}
