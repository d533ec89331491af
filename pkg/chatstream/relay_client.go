package chatstream

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RelayClient drives a remote RelayServer
type RelayClient struct {
	logger Logger
	conn   *websocket.Conn
	events chan RelayMessage
	done   chan struct{}

	writeMu sync.Mutex
	closed  bool
}

// relayURL accepts http(s):// or ws(s):// addresses with or without RelayPath
func relayURL(addr, conversationID string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid relay address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = RelayPath
	}
	if conversationID != "" {
		q := u.Query()
		q.Set("conversation", conversationID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// DialRelay connects to a relay, retrying MaxConnectionRetries times
func DialRelay(addr, conversationID string, logger Logger) (*RelayClient, error) {
	if logger == nil {
		logger = NewLogger(LogLevelError)
	}
	target, err := relayURL(addr, conversationID)
	if err != nil {
		return nil, err
	}

	var conn *websocket.Conn
	for retry := 0; retry < MaxConnectionRetries; retry++ {
		if retry > 0 {
			logger.Info("Connection attempt %d/%d after waiting %d seconds...",
				retry+1, MaxConnectionRetries, ConnectionRetryDelaySec)
			time.Sleep(ConnectionRetryDelaySec * time.Second)
		}

		logger.Debug("Connecting to %s", target)
		dialer := *websocket.DefaultDialer
		dialer.HandshakeTimeout = 15 * time.Second

		conn, _, err = dialer.Dial(target, nil)
		if err == nil {
			break
		}
		logger.Error("Connection attempt failed: %v", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay after %d attempts: %w", MaxConnectionRetries, err)
	}

	c := &RelayClient{
		logger: logger,
		conn:   conn,
		events: make(chan RelayMessage, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers relay messages in order. It is closed when the connection ends.
func (c *RelayClient) Events() <-chan RelayMessage {
	return c.events
}

// Send asks the relay to send content as a user message
func (c *RelayClient) Send(content string) error {
	return c.write(RelayCommand{Type: "send", Content: content})
}

// Retry asks the relay to regenerate from the given message
func (c *RelayClient) Retry(id MessageID) error {
	return c.write(RelayCommand{Type: "retry", MessageID: id})
}

// Abort stops the relay's in-flight stream
func (c *RelayClient) Abort() error {
	return c.write(RelayCommand{Type: "abort"})
}

func (c *RelayClient) write(cmd RelayCommand) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return fmt.Errorf("relay connection closed")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(RelayWriteTimeout))
	if err := c.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("failed to send %s command: %w", cmd.Type, err)
	}
	return nil
}

// Close sends a close frame and closes the connection
func (c *RelayClient) Close() error {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	_ = c.conn.SetWriteDeadline(time.Now().Add(1 * time.Second))
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteMessage(websocket.CloseMessage, closeMsg)
	c.writeMu.Unlock()

	return c.conn.Close()
}

func (c *RelayClient) readLoop() {
	defer close(c.events)
	for {
		var msg RelayMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.writeMu.Lock()
			closed := c.closed
			c.writeMu.Unlock()
			if !closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure,
				websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!strings.Contains(err.Error(), "use of closed network connection") {
				c.logger.Error("Error reading relay message: %v", err)
			}
			return
		}
		c.logger.Trace("Relay message %s", msg.Type)
		select {
		case c.events <- msg:
		case <-c.done:
			return
		}
	}
}
