package chatstream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockLogger is a simple mock implementation of the Logger interface for testing
type mockLogger struct {
	level    LogLevel
	messages []string
	mu       sync.Mutex
}

func newMockLogger() *mockLogger {
	return &mockLogger{
		level:    LogLevelTrace,
		messages: make([]string, 0),
	}
}

func (l *mockLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *mockLogger) log(prefix, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf(prefix+format, v...))
}

func (l *mockLogger) Error(format string, v ...interface{}) { l.log("[ERROR] ", format, v...) }
func (l *mockLogger) Warn(format string, v ...interface{})  { l.log("[WARN]  ", format, v...) }
func (l *mockLogger) Info(format string, v ...interface{})  { l.log("[INFO]  ", format, v...) }
func (l *mockLogger) Debug(format string, v ...interface{}) { l.log("[DEBUG] ", format, v...) }
func (l *mockLogger) Trace(format string, v ...interface{}) { l.log("[TRACE] ", format, v...) }

func (l *mockLogger) getMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	result := make([]string, len(l.messages))
	copy(result, l.messages)
	return result
}

func (l *mockLogger) contains(substr string) bool {
	for _, m := range l.getMessages() {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

// recordedRequest is what the mock server saw for one chat completions call
type recordedRequest struct {
	Header http.Header
	Body   map[string]interface{}
}

func (r recordedRequest) messages() []map[string]interface{} {
	raw, _ := r.Body["messages"].([]interface{})
	out := make([]map[string]interface{}, 0, len(raw))
	for _, m := range raw {
		if mm, ok := m.(map[string]interface{}); ok {
			out = append(out, mm)
		}
	}
	return out
}

// mockCompletionsServer is an OpenAI-compatible endpoint whose chat completions
// behavior is scripted per request. Requests beyond the script reuse the last handler.
type mockCompletionsServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers []http.HandlerFunc
	requests []recordedRequest
	models   []ModelInfo
}

func newMockCompletionsServer(t *testing.T, handlers ...http.HandlerFunc) *mockCompletionsServer {
	t.Helper()

	m := &mockCompletionsServer{
		handlers: handlers,
		models: []ModelInfo{
			{ID: "mock-model-b", Object: "model", OwnedBy: "mock"},
			{ID: "mock-model-a", Object: "model", Created: 1700000000, OwnedBy: "mock"},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1"+ChatCompletionsEndpoint, m.handleChat)
	mux.HandleFunc("/v1"+ModelsEndpoint, func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		models := m.models
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(modelList{Object: "list", Data: models})
	})

	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

// BaseURL returns the URL to hand to NewChatService
func (m *mockCompletionsServer) BaseURL() string {
	return m.URL + "/v1"
}

func (m *mockCompletionsServer) handleChat(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var body map[string]interface{}
	_ = json.Unmarshal(data, &body)

	m.mu.Lock()
	idx := len(m.requests)
	m.requests = append(m.requests, recordedRequest{Header: r.Header.Clone(), Body: body})
	var h http.HandlerFunc
	if len(m.handlers) > 0 {
		if idx >= len(m.handlers) {
			idx = len(m.handlers) - 1
		}
		h = m.handlers[idx]
	}
	m.mu.Unlock()

	if h == nil {
		sseHandler(chunkJSON("ok", ""), DoneSentinel)(w, r)
		return
	}
	h(w, r)
}

func (m *mockCompletionsServer) recorded() []recordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedRequest(nil), m.requests...)
}

func (m *mockCompletionsServer) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// chunkJSON builds a chat.completion.chunk with a content and/or reasoning_content delta
func chunkJSON(content, reasoning string) string {
	delta := map[string]string{}
	if content != "" {
		delta["content"] = content
	}
	if reasoning != "" {
		delta["reasoning_content"] = reasoning
	}
	data, _ := json.Marshal(map[string]interface{}{
		"id":      "chatcmpl-mock",
		"object":  "chat.completion.chunk",
		"created": 1700000000,
		"choices": []interface{}{map[string]interface{}{"index": 0, "delta": delta}},
	})
	return string(data)
}

func writeFrames(w http.ResponseWriter, frames ...string) {
	flusher, _ := w.(http.Flusher)
	for _, f := range frames {
		fmt.Fprintf(w, "data: %s\n\n", f)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// sseHandler streams the given data payloads and returns
func sseHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		writeFrames(w, frames...)
	}
}

// rawSSEHandler writes body verbatim as an event stream
func rawSSEHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, body)
	}
}

// blockingHandler streams frames and then holds the connection open until the
// client goes away or release is closed
func blockingHandler(release <-chan struct{}, frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		writeFrames(w, frames...)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}
}

// statusHandler answers with a plain error response
func statusHandler(status int, body string, headers map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

// eventRecorder subscribes to every event of a service
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(svc *ChatService) *eventRecorder {
	rec := &eventRecorder{}
	svc.Emitter().OnAny(func(ev Event) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.events = append(rec.events, ev)
	})
	return rec
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) kinds() []string {
	var out []string
	for _, ev := range r.all() {
		out = append(out, ev.Kind().String())
	}
	return out
}

func (r *eventRecorder) count(kind EventKind) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

// waitFor blocks until at least n events of kind were recorded
func (r *eventRecorder) waitFor(t *testing.T, kind EventKind, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.count(kind) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events, got %v", n, kind, r.kinds())
}

// newTestService returns a service pointed at the mock server with a key set
func newTestService(m *mockCompletionsServer) *ChatService {
	svc := NewChatService(m.BaseURL(), newMockLogger())
	svc.SetAPIKey("test-key")
	svc.SetModel("mock-model-a")
	return svc
}
