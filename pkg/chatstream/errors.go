package chatstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMissingAPIKey is returned by Send and Retry before any network I/O
	ErrMissingAPIKey = errors.New("Missing API Key")

	// ErrMessageNotFound indicates a MessageID that is not part of the conversation
	ErrMessageNotFound = errors.New("message not found in conversation")

	// ErrNotTextContent indicates an attempt to stream text into parts-shaped content
	ErrNotTextContent = errors.New("message content is not string-shaped")

	// ErrNilConversation is returned by Send and Retry when no conversation is given
	ErrNilConversation = errors.New("conversation is nil")
)

// FatalError is a non-retriable failure: HTTP 4xx other than 429, or an error
// event sent by the vendor inside the stream.
type FatalError struct {
	Status  int
	Code    string
	Message string
}

func (e *FatalError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("fatal stream error: %s", e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("fatal error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("fatal error (HTTP %d): %s", e.Status, e.Message)
}

// RetriableError is a failure the caller may reasonably retry: HTTP 429, 5xx,
// or a successful response that is not an event stream. The client never
// retries on its own.
type RetriableError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *RetriableError) Error() string {
	msg := fmt.Sprintf("retriable error (HTTP %d): %s", e.Status, e.Message)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %v", e.RetryAfter)
	}
	return msg
}

// TransportError wraps network failures ("failed to fetch") and broken streams
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to fetch: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetriable reports whether err is classified as retriable
func IsRetriable(err error) bool {
	var re *RetriableError
	return errors.As(err, &re)
}

// IsFatal reports whether err must not be retried
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// apiErrorResponse is the OpenAI-style error envelope
type apiErrorResponse struct {
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code"`
}

func (e *apiError) code() string {
	if e == nil || len(e.Code) == 0 || string(e.Code) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Code, &s); err == nil {
		return s
	}
	return string(e.Code)
}

// classifyStatus turns a non-streaming response into a typed error
func classifyStatus(status int, header http.Header, body []byte) error {
	message := strings.TrimSpace(string(body))
	code := ""
	var envelope apiErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		if envelope.Error.Message != "" {
			message = envelope.Error.Message
		}
		code = envelope.Error.code()
		if code == "" {
			code = envelope.Error.Type
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}

	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return &FatalError{Status: status, Code: code, Message: message}
	}
	re := &RetriableError{Status: status, Code: code, Message: message}
	if status == http.StatusTooManyRequests {
		re.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	}
	return re
}

// parseRetryAfter accepts delay-seconds or an HTTP date
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// frameError builds the error for an in-stream vendor error event
func frameError(data string) error {
	var envelope apiErrorResponse
	if err := json.Unmarshal([]byte(data), &envelope); err == nil && envelope.Error != nil {
		return &FatalError{Code: envelope.Error.code(), Message: envelope.Error.Message}
	}
	var bare apiError
	if err := json.Unmarshal([]byte(data), &bare); err == nil && bare.Message != "" {
		return &FatalError{Code: bare.code(), Message: bare.Message}
	}
	return &FatalError{Message: strings.TrimSpace(data)}
}
