package chatstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// State of a ChatService
type State int32

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateCompleted
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// streamingClient has no overall timeout; streams are bounded by their context.
var streamingClient = &http.Client{
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	},
}

// ChatService streams chat completions from an OpenAI-compatible endpoint into a Conversation.
// At most one stream is in flight; starting another aborts the previous one and
// waits for it to settle first.
type ChatService struct {
	logger  Logger
	emitter *Emitter

	mu           sync.Mutex
	baseURL      string
	model        string
	apiKey       string
	systemPrompt string
	headers      map[string]string
	chat         ChatOptions
	dialect      Dialect
	client       *http.Client

	state   State
	gen     uint64
	current *flight

	completionID      string
	completionCreated int64
}

// flight is one send or retry cycle
type flight struct {
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	aborted atomic.Bool
	done    chan struct{}
}

// flightConfig is the service configuration captured when a cycle starts
type flightConfig struct {
	model        string
	systemPrompt string
	chat         ChatOptions
	dialect      Dialect
	conn         *connection
}

// NewChatService creates a service for the given base URL (e.g. https://api.openai.com/v1)
func NewChatService(baseURL string, logger Logger) *ChatService {
	if logger == nil {
		logger = NewLogger(LogLevelError)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &ChatService{
		logger:       logger,
		emitter:      NewEmitter(logger),
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        DefaultModel,
		systemPrompt: DefaultSystemPrompt,
		dialect:      DialectAuto,
		client:       streamingClient,
	}
}

// Emitter returns the event bus of the service
func (s *ChatService) Emitter() *Emitter {
	return s.emitter
}

// SetBaseURL changes the endpoint used by subsequent requests
func (s *ChatService) SetBaseURL(baseURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	s.baseURL = strings.TrimRight(baseURL, "/")
}

// BaseURL returns the configured endpoint
func (s *ChatService) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL
}

// SetAPIKey sets the bearer token
func (s *ChatService) SetAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = key
}

// SetModel sets the model identifier
func (s *ChatService) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
}

// Model returns the model identifier
func (s *ChatService) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetHeaders replaces the custom request headers. They are applied after the
// default headers and may override them.
func (s *ChatService) SetHeaders(headers map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers = make(map[string]string, len(headers))
	for k, v := range headers {
		s.headers[k] = v
	}
}

// SetSystemPrompt sets the prompt seeded into empty conversations. "" disables seeding.
func (s *ChatService) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemPrompt = prompt
}

// SetChatOptions sets temperature, tools and vendor extensions
func (s *ChatService) SetChatOptions(opts ChatOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat = opts.clone()
}

// SetDialect selects how reasoning deltas are read
func (s *ChatService) SetDialect(d Dialect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialect = d
}

// SetHTTPClient replaces the HTTP client. It should not set a Timeout, as that
// would cut off long streams.
func (s *ChatService) SetHTTPClient(client *http.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if client == nil {
		client = streamingClient
	}
	s.client = client
}

// State returns the current state
func (s *ChatService) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ChatCompletion returns the id and created timestamp of the last received chunk
func (s *ChatService) ChatCompletion() (string, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completionID, s.completionCreated
}

func (s *ChatService) hasAPIKey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiKey != ""
}

// Send appends a user message to conv and streams the assistant reply into it.
// Empty content is ignored. An intentional abort returns nil; failures return
// a *FatalError, *RetriableError or *TransportError which is also recorded on
// the assistant message.
func (s *ChatService) Send(ctx context.Context, content string, conv *Conversation) error {
	if content == "" {
		return nil
	}
	if conv == nil {
		return ErrNilConversation
	}
	if !s.hasAPIKey() {
		return ErrMissingAPIKey
	}

	f, cfg := s.begin(ctx)
	defer s.finish(f, conv)

	if conv.Len() == 0 && cfg.systemPrompt != "" {
		conv.Append(NewSystemMessage(cfg.systemPrompt))
	}
	userID := conv.Append(NewUserMessage(content))
	s.logger.Debug("Sending message %s in conversation %s", userID, conv.ID())
	s.emitter.Emit(BeforeSend{ConversationID: conv.ID(), MessageID: userID})

	return s.stream(f, cfg, conv)
}

// Retry removes the message with the given id and streams a new reply to what remains
func (s *ChatService) Retry(ctx context.Context, conv *Conversation, id MessageID) error {
	if conv == nil {
		return ErrNilConversation
	}
	if !s.hasAPIKey() {
		return ErrMissingAPIKey
	}
	if conv.Index(id) < 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}

	f, cfg := s.begin(ctx)
	if err := conv.Remove(id); err != nil {
		// Removed by someone else while the previous cycle was settling
		s.release(f)
		return err
	}
	defer s.finish(f, conv)

	s.logger.Debug("Retrying message %s in conversation %s", id, conv.ID())
	s.emitter.Emit(BeforeSend{ConversationID: conv.ID(), MessageID: id})

	return s.stream(f, cfg, conv)
}

// Abort stops the in-flight stream. It is a no-op when idle. No data event is
// emitted for the aborted stream once Abort returns.
func (s *ChatService) Abort() {
	s.mu.Lock()
	f := s.current
	s.mu.Unlock()
	if f != nil {
		f.abort()
	}
}

// Destroy aborts any in-flight stream, waits for it to settle and removes all
// listeners. The service remains usable.
func (s *ChatService) Destroy() {
	s.mu.Lock()
	f := s.current
	s.mu.Unlock()
	if f != nil {
		f.abort()
		<-f.done
	}
	s.emitter.ClearListeners()
}

func (f *flight) abort() {
	f.mu.Lock()
	f.aborted.Store(true)
	f.mu.Unlock()
	f.cancel()
}

// begin installs a new flight, aborts the previous one and waits for it to settle
func (s *ChatService) begin(ctx context.Context) (*flight, flightConfig) {
	if ctx == nil {
		ctx = context.Background()
	}
	fctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.gen++
	f := &flight{gen: s.gen, ctx: fctx, cancel: cancel, done: make(chan struct{})}
	prev := s.current
	s.current = f
	s.state = StateSending
	cfg := flightConfig{
		model:        s.model,
		systemPrompt: s.systemPrompt,
		chat:         s.chat.clone(),
		dialect:      s.dialect,
		conn: &connection{
			client:  s.client,
			url:     s.baseURL + ChatCompletionsEndpoint,
			apiKey:  s.apiKey,
			headers: s.headers,
			logger:  s.logger,
		},
	}
	s.mu.Unlock()

	if prev != nil {
		s.logger.Debug("Aborting stream %d superseded by %d", prev.gen, f.gen)
		prev.abort()
		<-prev.done
	}
	return f, cfg
}

// release ends a flight that never emitted anything
func (s *ChatService) release(f *flight) {
	f.cancel()
	s.mu.Lock()
	if s.current == f {
		s.current = nil
		s.state = StateIdle
	}
	s.mu.Unlock()
	close(f.done)
}

// finish emits done and returns to idle. Listeners are only cleared when no
// newer cycle has taken over.
func (s *ChatService) finish(f *flight, conv *Conversation) {
	f.cancel()
	convID := conv.ID()

	s.mu.Lock()
	latest := s.current == f
	if latest {
		s.current = nil
		s.state = StateIdle
	}
	s.emitter.Emit(Done{ConversationID: convID})
	if latest {
		s.emitter.ClearListeners()
	}
	s.mu.Unlock()

	close(f.done)
}

func (s *ChatService) setState(f *flight, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == f {
		s.state = state
	}
}

func (s *ChatService) setChatCompletion(id string, created int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completionID = id
	s.completionCreated = created
}

// stream appends the placeholder, opens the connection and consumes frames until a terminal outcome
func (s *ChatService) stream(f *flight, cfg flightConfig, conv *Conversation) error {
	body, err := buildRequestBody(cfg.model, conv.wireMessages(), cfg.chat)
	if err != nil {
		return err
	}
	placeholder := conv.appendWithStatus(NewAssistantMessage(""), MessageStatus{Loading: true})

	st, err := cfg.conn.open(f.ctx, body)
	if err != nil {
		return s.settle(f, conv, placeholder, err)
	}
	defer st.Close()

	s.setState(f, StateStreaming)
	s.emitter.Emit(SendOpen{MessageID: placeholder})

	acc := NewAccumulator(cfg.dialect)
	for {
		ev, err := st.events.Next()
		if err != nil {
			if errors.Is(err, io.EOF) && f.ctx.Err() == nil {
				s.logger.Debug("Stream closed without %s", DoneSentinel)
				s.stopLoading(conv, placeholder, nil)
				s.setState(f, StateCompleted)
				s.emitter.Emit(Close{MessageID: placeholder})
				return nil
			}
			if ctxErr := f.ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
				err = fmt.Errorf("%w: %v", ctxErr, err)
			}
			return s.settle(f, conv, placeholder, &TransportError{Err: err})
		}
		s.logger.Trace("Frame event=%q data=%s", ev.Event, ev.Data)

		if ev.Event == "error" {
			return s.settle(f, conv, placeholder, frameError(ev.Data))
		}

		done, err := s.applyFrame(f, conv, placeholder, acc, ev.Data)
		if err != nil {
			return s.settle(f, conv, placeholder, err)
		}
		if done {
			s.setState(f, StateCompleted)
			return nil
		}
	}
}

var errFlightAborted = errors.New("stream aborted")

// applyFrame runs one frame through the accumulator. It holds the flight lock
// so that Abort cannot interleave between a mutation and its data event.
func (s *ChatService) applyFrame(f *flight, conv *Conversation, id MessageID, acc *Accumulator, data string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.aborted.Load() {
		return false, errFlightAborted
	}

	var res FrameResult
	err := conv.Update(id, func(msg *Message, status *MessageStatus) error {
		r, err := acc.ApplyFrame(msg, data)
		if err != nil {
			return err
		}
		if r.Done {
			status.Loading = false
		}
		res = r
		return nil
	})
	if err != nil {
		if IsFatal(err) || errors.Is(err, ErrNotTextContent) || errors.Is(err, ErrMessageNotFound) {
			return false, err
		}
		s.logger.Warn("Skipping frame: %v", err)
		return false, nil
	}

	if res.Done {
		s.emitter.Emit(SendDone{MessageID: id})
		return true, nil
	}
	if strings.TrimSpace(data) != "" {
		s.setChatCompletion(res.ID, res.Created)
	}
	if res.Updated {
		s.emitter.Emit(Data{MessageID: id, ContentDelta: res.ContentDelta, ReasoningDelta: res.ReasoningDelta})
	}
	return false, nil
}

// settle turns a terminal error into the abort or failure outcome
func (s *ChatService) settle(f *flight, conv *Conversation, id MessageID, err error) error {
	if f.aborted.Load() || errors.Is(f.ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		s.logger.Debug("Stream for message %s aborted", id)
		s.stopLoading(conv, id, nil)
		s.setState(f, StateAborted)
		s.emitter.Emit(Abort{MessageID: id})
		return nil
	}

	var te *TransportError
	if errors.Is(err, context.DeadlineExceeded) && !errors.As(err, &te) {
		err = &TransportError{Err: err}
	}
	s.logger.Error("Chat completion failed: %v", err)
	s.stopLoading(conv, id, err)
	s.setState(f, StateFailed)
	s.emitter.Emit(Error{MessageID: id, Err: err})
	return err
}

func (s *ChatService) stopLoading(conv *Conversation, id MessageID, err error) {
	_ = conv.Update(id, func(_ *Message, status *MessageStatus) error {
		status.Loading = false
		if err != nil {
			status.Err = err
		}
		return nil
	})
}
