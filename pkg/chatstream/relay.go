package chatstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// RelayPath is where RelayServer accepts websocket connections
const RelayPath = "/ws"

// RelayCommand is sent by relay clients
type RelayCommand struct {
	Type      string    `json:"type"` // send, retry or abort
	Content   string    `json:"content,omitempty"`
	MessageID MessageID `json:"message_id,omitempty"`
}

// RelayMessage is pushed to relay clients. Type is an event name such as
// "data" or "done", or "ready" once the session is set up.
type RelayMessage struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      MessageID       `json:"message_id,omitempty"`
	ContentDelta   string          `json:"content_delta,omitempty"`
	ReasoningDelta string          `json:"reasoning_delta,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorKind      string          `json:"error_kind,omitempty"`
	Conversation   json.RawMessage `json:"conversation,omitempty"`
}

// RelayServer exposes a ChatService over websocket. Every connection gets its
// own service and conversation, the way each chat widget owns one service.
type RelayServer struct {
	logger   Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	settings Settings
	sessions map[string]*relaySession
}

type relaySession struct {
	id   string
	ws   *websocket.Conn
	svc  *ChatService
	conv *Conversation
	out  chan RelayMessage
	done chan struct{}
	// writerDone is closed when writeLoop exits
	writerDone chan struct{}

	unsubscribe func()
	inflight    chan struct{}
}

// NewRelayServer creates a relay whose sessions are configured from settings
func NewRelayServer(settings Settings, logger Logger) *RelayServer {
	if logger == nil {
		logger = NewPrefixedLogger(LogLevelError, "relay")
	}
	return &RelayServer{
		logger:   logger,
		settings: settings,
		sessions: make(map[string]*relaySession),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the HTTP handler serving RelayPath and a health check
func (rs *RelayServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(RelayPath, rs.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ListenAndServe serves the relay on addr until ctx is done
func (rs *RelayServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: rs.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		rs.logger.Info("Relay listening on %s%s", addr, RelayPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rs.closeSessions()
		return srv.Shutdown(shutdownCtx)
	}
}

// UpdateSettings applies new settings to every live session and to future ones
func (rs *RelayServer) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.settings = s
	for _, sess := range rs.sessions {
		if err := sess.svc.ApplySettings(s); err != nil {
			return err
		}
	}
	return nil
}

// SessionCount returns the number of connected clients
func (rs *RelayServer) SessionCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.sessions)
}

func (rs *RelayServer) closeSessions() {
	rs.mu.Lock()
	sessions := make([]*relaySession, 0, len(rs.sessions))
	for _, sess := range rs.sessions {
		sessions = append(sessions, sess)
	}
	rs.mu.Unlock()
	for _, sess := range sessions {
		sess.svc.Abort()
		_ = sess.ws.Close()
	}
}

func (rs *RelayServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := rs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rs.logger.Error("Failed to upgrade websocket: %v", err)
		return
	}
	defer ws.Close()

	rs.mu.Lock()
	settings := rs.settings
	rs.mu.Unlock()

	svc, err := NewChatServiceFromSettings(settings, rs.logger)
	if err != nil {
		rs.logger.Error("Failed to configure chat service: %v", err)
		_ = ws.WriteJSON(RelayMessage{Type: EventError.String(), Error: err.Error()})
		return
	}

	sess := &relaySession{
		id:   uuid.New().String(),
		ws:   ws,
		svc:  svc,
		conv: NewConversation(r.URL.Query().Get("conversation")),
		out:        make(chan RelayMessage, 64),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	rs.mu.Lock()
	rs.sessions[sess.id] = sess
	rs.mu.Unlock()
	rs.logger.Debug("Relay session %s opened for conversation %s", sess.id, sess.conv.ID())

	defer func() {
		rs.mu.Lock()
		delete(rs.sessions, sess.id)
		rs.mu.Unlock()
		rs.logger.Debug("Relay session %s closed", sess.id)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rs.writeLoop(ws, sess)
	}()

	sess.push(RelayMessage{Type: "ready", ConversationID: sess.conv.ID()})

	ctx, cancel := context.WithCancel(context.Background())
	for {
		var cmd RelayCommand
		if err := ws.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				rs.logger.Debug("Relay read error: %v", err)
			}
			break
		}
		rs.handleCommand(ctx, sess, cmd)
	}

	cancel()
	svc.Destroy()
	close(sess.done)
	wg.Wait()
}

func (rs *RelayServer) handleCommand(ctx context.Context, sess *relaySession, cmd RelayCommand) {
	rs.logger.Debug("Relay session %s command %q", sess.id, cmd.Type)
	switch cmd.Type {
	case "abort":
		sess.svc.Abort()
	case "send", "retry":
		// Settle the previous cycle and flush its events, done included, before
		// this one touches the conversation. Otherwise the old done snapshot
		// could contain the new user message.
		sess.svc.Abort()
		if sess.inflight != nil {
			<-sess.inflight
		}
		if sess.unsubscribe != nil {
			sess.unsubscribe()
		}
		sess.unsubscribe = sess.svc.Emitter().OnAny(sess.forward)

		inflight := make(chan struct{})
		sess.inflight = inflight
		go func() {
			defer close(inflight)
			var err error
			if cmd.Type == "send" {
				err = sess.svc.Send(ctx, cmd.Content, sess.conv)
			} else {
				err = sess.svc.Retry(ctx, sess.conv, cmd.MessageID)
			}
			// Stream failures already went out as error events
			if errors.Is(err, ErrMissingAPIKey) || errors.Is(err, ErrMessageNotFound) {
				sess.push(RelayMessage{Type: EventError.String(), Error: err.Error(), ErrorKind: errorKind(err)})
			}
		}()
	default:
		sess.push(RelayMessage{Type: EventError.String(), Error: "unknown command " + cmd.Type, ErrorKind: "config"})
	}
}

func (rs *RelayServer) writeLoop(ws *websocket.Conn, sess *relaySession) {
	defer close(sess.writerDone)
	defer ws.Close()

	ticker := time.NewTicker(RelayKeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case msg := <-sess.out:
			_ = ws.SetWriteDeadline(time.Now().Add(RelayWriteTimeout))
			if err := ws.WriteJSON(msg); err != nil {
				rs.logger.Debug("Relay write failed: %v", err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(RelayWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (sess *relaySession) push(msg RelayMessage) {
	select {
	case sess.out <- msg:
	case <-sess.done:
	case <-sess.writerDone:
	}
}

// forward translates a service event into a relay message
func (sess *relaySession) forward(ev Event) {
	msg := RelayMessage{Type: ev.Kind().String(), ConversationID: sess.conv.ID()}
	switch e := ev.(type) {
	case BeforeSend:
		msg.MessageID = e.MessageID
	case SendOpen:
		msg.MessageID = e.MessageID
	case Data:
		msg.MessageID = e.MessageID
		msg.ContentDelta = e.ContentDelta
		msg.ReasoningDelta = e.ReasoningDelta
	case SendDone:
		msg.MessageID = e.MessageID
	case Close:
		msg.MessageID = e.MessageID
	case Abort:
		msg.MessageID = e.MessageID
	case Error:
		msg.MessageID = e.MessageID
		msg.Error = e.Err.Error()
		msg.ErrorKind = errorKind(e.Err)
	case Done:
		if snap, err := json.Marshal(sess.conv); err == nil {
			msg.Conversation = snap
		}
	}
	sess.push(msg)
}

// errorKind names the error class for relay clients
func errorKind(err error) string {
	var te *TransportError
	switch {
	case IsFatal(err):
		return "fatal"
	case IsRetriable(err):
		return "retriable"
	case errors.As(err, &te):
		return "transport"
	default:
		return "config"
	}
}
