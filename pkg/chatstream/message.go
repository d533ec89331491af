package chatstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role of a conversation turn. Kept as an open string so that roles added by
// upstream APIs pass through untouched.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MessageID identifies a message inside a Conversation. IDs are never reused.
type MessageID string

// NewMessageID returns a fresh random message identity
func NewMessageID() MessageID {
	return MessageID(uuid.NewString())
}

// Message is one turn in a conversation, shaped like the chat completions wire format.
// Render and status data live in MessageStatus, not here.
type Message struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
	// ReasoningContent holds the "thinking" channel of reasoning models.
	// It is never sent back upstream.
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: TextContent(content)}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: TextContent(content)}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: TextContent(content)}
}

// wireMessage is what goes into the request body: no reasoning, no status
type wireMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// MessageStatus is the per-message side channel written by the streaming client
// and by the UI. It is never serialized upstream.
type MessageStatus struct {
	// Loading is true from placeholder creation until the stream reaches a terminal state
	Loading bool
	// Err is the failure recorded for the message, if any
	Err error
	// ContentHTML and ReasoningHTML cache rendered output
	ContentHTML   string
	ReasoningHTML string
	// Parts is the per-content-part render cache, indexed like Content.Parts()
	Parts []PartStatus
}

// PartStatus caches the rendered form of a single content part
type PartStatus struct {
	HTML string
}

// ErrorText returns the recorded error message or ""
func (s MessageStatus) ErrorText() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

func (s MessageStatus) clone() MessageStatus {
	out := s
	if s.Parts != nil {
		out.Parts = append([]PartStatus(nil), s.Parts...)
	}
	return out
}

// Content is either a plain string or an ordered list of parts.
// The shape is fixed at construction time.
type Content struct {
	text  string
	parts []ContentPart
	multi bool
}

// TextContent creates string-shaped content
func TextContent(text string) Content {
	return Content{text: text}
}

// PartsContent creates parts-shaped content
func PartsContent(parts ...ContentPart) Content {
	return Content{parts: append([]ContentPart{}, parts...), multi: true}
}

// IsParts reports whether the content is parts-shaped
func (c Content) IsParts() bool {
	return c.multi
}

// Parts returns a copy of the content parts, nil for string content
func (c Content) Parts() []ContentPart {
	if !c.multi {
		return nil
	}
	return append([]ContentPart(nil), c.parts...)
}

// Text returns the string content, or the concatenated text parts for parts content
func (c Content) Text() string {
	if !c.multi {
		return c.text
	}
	var sb strings.Builder
	for _, p := range c.parts {
		if tp, ok := p.(TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

// String implements fmt.Stringer
func (c Content) String() string {
	return c.Text()
}

func (c Content) appendText(delta string) (Content, error) {
	if c.multi {
		return c, ErrNotTextContent
	}
	c.text += delta
	return c, nil
}

// MarshalJSON encodes string content as a JSON string and parts content as an array
func (c Content) MarshalJSON() ([]byte, error) {
	if !c.multi {
		return json.Marshal(c.text)
	}
	wire := make([]wirePart, 0, len(c.parts))
	for _, p := range c.parts {
		wire = append(wire, p.toWire())
	}
	return json.Marshal(wire)
}

// UnmarshalJSON accepts a string, null, or an array of typed parts
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = TextContent("")
		return nil
	}
	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*c = TextContent(text)
		return nil
	}

	var wire []wirePart
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("content must be a string or an array of parts: %w", err)
	}
	parts := make([]ContentPart, 0, len(wire))
	for i, w := range wire {
		p, err := w.toPart()
		if err != nil {
			return fmt.Errorf("content part %d: %w", i, err)
		}
		parts = append(parts, p)
	}
	*c = PartsContent(parts...)
	return nil
}

// ContentPart is one element of parts-shaped content.
// Implementations: TextPart, ImageURLPart, InputAudioPart, VideoURLPart, FilePart.
type ContentPart interface {
	PartType() string
	toWire() wirePart
}

type TextPart struct {
	Text string
}

func (TextPart) PartType() string { return "text" }
func (p TextPart) toWire() wirePart {
	return wirePart{Type: "text", Text: p.Text}
}

type ImageURLPart struct {
	URL    string
	Detail string
}

func (ImageURLPart) PartType() string { return "image_url" }
func (p ImageURLPart) toWire() wirePart {
	return wirePart{Type: "image_url", ImageURL: &wireURL{URL: p.URL, Detail: p.Detail}}
}

// InputAudioPart carries base64 audio data, Format is e.g. "wav" or "mp3"
type InputAudioPart struct {
	Data   string
	Format string
}

func (InputAudioPart) PartType() string { return "input_audio" }
func (p InputAudioPart) toWire() wirePart {
	return wirePart{Type: "input_audio", InputAudio: &wireAudio{Data: p.Data, Format: p.Format}}
}

type VideoURLPart struct {
	URL string
}

func (VideoURLPart) PartType() string { return "video_url" }
func (p VideoURLPart) toWire() wirePart {
	return wirePart{Type: "video_url", VideoURL: &wireURL{URL: p.URL}}
}

// FilePart references an uploaded file by ID or inlines it as a data URL
type FilePart struct {
	FileID   string
	FileData string
	Filename string
}

func (FilePart) PartType() string { return "file" }
func (p FilePart) toWire() wirePart {
	return wirePart{Type: "file", File: &wireFile{FileID: p.FileID, FileData: p.FileData, Filename: p.Filename}}
}

type wirePart struct {
	Type       string     `json:"type"`
	Text       string     `json:"text,omitempty"`
	ImageURL   *wireURL   `json:"image_url,omitempty"`
	InputAudio *wireAudio `json:"input_audio,omitempty"`
	VideoURL   *wireURL   `json:"video_url,omitempty"`
	File       *wireFile  `json:"file,omitempty"`
}

type wireURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type wireAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type wireFile struct {
	FileID   string `json:"file_id,omitempty"`
	FileData string `json:"file_data,omitempty"`
	Filename string `json:"filename,omitempty"`
}

func (w wirePart) toPart() (ContentPart, error) {
	switch w.Type {
	case "text":
		return TextPart{Text: w.Text}, nil
	case "image_url":
		if w.ImageURL == nil {
			return nil, fmt.Errorf("image_url part without image_url object")
		}
		return ImageURLPart{URL: w.ImageURL.URL, Detail: w.ImageURL.Detail}, nil
	case "input_audio":
		if w.InputAudio == nil {
			return nil, fmt.Errorf("input_audio part without input_audio object")
		}
		return InputAudioPart{Data: w.InputAudio.Data, Format: w.InputAudio.Format}, nil
	case "video_url":
		if w.VideoURL == nil {
			return nil, fmt.Errorf("video_url part without video_url object")
		}
		return VideoURLPart{URL: w.VideoURL.URL}, nil
	case "file":
		if w.File == nil {
			return nil, fmt.Errorf("file part without file object")
		}
		return FilePart{FileID: w.File.FileID, FileData: w.File.FileData, Filename: w.File.Filename}, nil
	}
	return nil, fmt.Errorf("unsupported content part type %q", w.Type)
}
