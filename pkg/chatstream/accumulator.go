package chatstream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FrameResult reports what one streamed frame did to the in-flight message
type FrameResult struct {
	// Done is set for the [DONE] sentinel
	Done bool
	// Updated is true when content or reasoning content was appended
	Updated bool
	// ID and Created mirror the chunk identity; both are zero when the frame lacks them
	ID      string
	Created int64

	ContentDelta   string
	ReasoningDelta string
}

// Accumulator folds streamed chat completion chunks into a message.
// One Accumulator serves a single stream; it is not safe for concurrent use.
type Accumulator struct {
	dialect Dialect
	locked  string
}

// NewAccumulator creates an accumulator for one stream
func NewAccumulator(dialect Dialect) *Accumulator {
	return &Accumulator{dialect: dialect}
}

// ReasoningField returns the field the accumulator reads reasoning from, or "" if none seen yet
func (a *Accumulator) ReasoningField() string {
	if a.locked != "" {
		return a.locked
	}
	if !a.dialect.Probe && len(a.dialect.ReasoningFields) == 1 {
		return a.dialect.ReasoningFields[0]
	}
	return ""
}

type chunk struct {
	ID      string          `json:"id"`
	Created int64           `json:"created"`
	Choices []chunkChoice   `json:"choices"`
	Error   json.RawMessage `json:"error"`
}

type chunkChoice struct {
	Delta map[string]json.RawMessage `json:"delta"`
}

// ApplyFrame applies one SSE data payload to msg.
// An empty payload is a keep-alive and changes nothing. A payload carrying an
// "error" object yields a *FatalError. Malformed JSON is returned as a plain error.
func (a *Accumulator) ApplyFrame(msg *Message, raw string) (FrameResult, error) {
	data := strings.TrimSpace(raw)
	if data == "" {
		return FrameResult{}, nil
	}
	if data == DoneSentinel {
		return FrameResult{Done: true}, nil
	}

	var c chunk
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return FrameResult{}, fmt.Errorf("malformed stream frame: %w", err)
	}
	if len(c.Error) > 0 && string(c.Error) != "null" {
		return FrameResult{}, frameError(data)
	}

	res := FrameResult{ID: c.ID, Created: c.Created}
	if len(c.Choices) == 0 {
		return res, nil
	}
	delta := c.Choices[0].Delta

	res.ContentDelta = deltaString(delta, "content")
	res.ReasoningDelta = a.reasoningDelta(delta)

	if res.ContentDelta != "" {
		content, err := msg.Content.appendText(res.ContentDelta)
		if err != nil {
			return FrameResult{}, err
		}
		msg.Content = content
		res.Updated = true
	}
	if res.ReasoningDelta != "" {
		msg.ReasoningContent += res.ReasoningDelta
		res.Updated = true
	}
	return res, nil
}

func (a *Accumulator) reasoningDelta(delta map[string]json.RawMessage) string {
	if a.locked != "" {
		return deltaString(delta, a.locked)
	}
	for _, field := range a.dialect.ReasoningFields {
		if s := deltaString(delta, field); s != "" {
			if a.dialect.Probe {
				a.locked = field
			}
			return s
		}
	}
	return ""
}

// deltaString reads a string field; null, missing and non-string values read as ""
func deltaString(delta map[string]json.RawMessage, field string) string {
	raw, ok := delta[field]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
