package chatstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Renderer turns markdown into display HTML. It is supplied by the UI layer and
// only invoked through Conversation.Render, never from the streaming path.
type Renderer interface {
	Render(markdown string) (string, error)
}

// Entry is a read-only view of one message and its status
type Entry struct {
	ID      MessageID
	Message Message
	Status  MessageStatus
}

type entry struct {
	id     MessageID
	msg    Message
	status MessageStatus
}

// Conversation is the caller-owned message buffer a ChatService streams into.
// All mutation goes through its methods; readers may call Messages, Entries or
// Get at any time, including while a stream is appending to the last message.
type Conversation struct {
	id      string
	mu      sync.RWMutex
	entries []*entry
}

// NewConversation creates an empty conversation. An empty id gets a random one.
func NewConversation(id string) *Conversation {
	if id == "" {
		id = uuid.NewString()
	}
	return &Conversation{id: id}
}

// ID returns the conversation identifier
func (c *Conversation) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Len returns the number of messages
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Append adds a message at the end and returns its identity
func (c *Conversation) Append(msg Message) MessageID {
	return c.appendWithStatus(msg, MessageStatus{})
}

func (c *Conversation) appendWithStatus(msg Message, status MessageStatus) MessageID {
	e := &entry{id: NewMessageID(), msg: msg, status: status}
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
	return e.id
}

// Prepend inserts a message before all others
func (c *Conversation) Prepend(msg Message) MessageID {
	e := &entry{id: NewMessageID(), msg: msg}
	c.mu.Lock()
	c.entries = append([]*entry{e}, c.entries...)
	c.mu.Unlock()
	return e.id
}

// Remove deletes the message with the given identity.
// It returns ErrMessageNotFound if no such message exists.
func (c *Conversation) Remove(id MessageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
	return nil
}

// Index returns the position of the message, or -1
func (c *Conversation) Index(id MessageID) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.indexLocked(id)
}

func (c *Conversation) indexLocked(id MessageID) int {
	for i, e := range c.entries {
		if e.id == id {
			return i
		}
	}
	return -1
}

// Get returns a copy of the message and its status
func (c *Conversation) Get(id MessageID) (Message, MessageStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx := c.indexLocked(id)
	if idx < 0 {
		return Message{}, MessageStatus{}, false
	}
	e := c.entries[idx]
	return e.msg, e.status.clone(), true
}

// Last returns the trailing entry
func (c *Conversation) Last() (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) == 0 {
		return Entry{}, false
	}
	e := c.entries[len(c.entries)-1]
	return Entry{ID: e.id, Message: e.msg, Status: e.status.clone()}, true
}

// Messages returns a snapshot of the messages in order
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.msg
	}
	return out
}

// Entries returns a snapshot of messages together with their identities and status
func (c *Conversation) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		out[i] = Entry{ID: e.id, Message: e.msg, Status: e.status.clone()}
	}
	return out
}

// Update applies fn to the message and status under the write lock.
// Changes are discarded if fn returns an error.
func (c *Conversation) Update(id MessageID, fn func(msg *Message, status *MessageStatus) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	e := c.entries[idx]
	msg := e.msg
	status := e.status.clone()
	if err := fn(&msg, &status); err != nil {
		return err
	}
	e.msg = msg
	e.status = status
	return nil
}

// Render fills the render caches of a message using r
func (c *Conversation) Render(id MessageID, r Renderer) error {
	msg, _, ok := c.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}

	var contentHTML, reasoningHTML string
	var parts []PartStatus
	var err error
	if msg.Content.IsParts() {
		for _, p := range msg.Content.Parts() {
			var ps PartStatus
			if tp, ok := p.(TextPart); ok {
				if ps.HTML, err = r.Render(tp.Text); err != nil {
					return fmt.Errorf("render text part: %w", err)
				}
			}
			parts = append(parts, ps)
		}
	} else if contentHTML, err = r.Render(msg.Content.Text()); err != nil {
		return fmt.Errorf("render content: %w", err)
	}
	if msg.ReasoningContent != "" {
		if reasoningHTML, err = r.Render(msg.ReasoningContent); err != nil {
			return fmt.Errorf("render reasoning: %w", err)
		}
	}

	return c.Update(id, func(_ *Message, status *MessageStatus) error {
		status.ContentHTML = contentHTML
		status.ReasoningHTML = reasoningHTML
		status.Parts = parts
		return nil
	})
}

// wireMessages strips everything the upstream API must not see
func (c *Conversation) wireMessages() []wireMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]wireMessage, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, wireMessage{Role: e.msg.Role, Content: e.msg.Content})
	}
	return out
}

// entrySnapshot is the JSON form of an Entry used by snapshots and the relay
type entrySnapshot struct {
	ID               MessageID `json:"id"`
	Role             Role      `json:"role"`
	Content          Content   `json:"content"`
	ReasoningContent string    `json:"reasoning_content,omitempty"`
	Loading          bool      `json:"loading,omitempty"`
	Error            string    `json:"error,omitempty"`
}

type conversationSnapshot struct {
	ID       string          `json:"id"`
	Messages []entrySnapshot `json:"messages"`
}

// MarshalJSON encodes the entry with its status flattened alongside the message
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.snapshot())
}

func (e Entry) snapshot() entrySnapshot {
	return entrySnapshot{
		ID:               e.ID,
		Role:             e.Message.Role,
		Content:          e.Message.Content,
		ReasoningContent: e.Message.ReasoningContent,
		Loading:          e.Status.Loading,
		Error:            e.Status.ErrorText(),
	}
}

// MarshalJSON produces a snapshot suitable for handing to a persistence layer
func (c *Conversation) MarshalJSON() ([]byte, error) {
	snap := conversationSnapshot{ID: c.ID(), Messages: []entrySnapshot{}}
	for _, e := range c.Entries() {
		snap.Messages = append(snap.Messages, e.snapshot())
	}
	return json.Marshal(snap)
}

// UnmarshalJSON restores a conversation from a snapshot.
// Messages restored with loading=true are marked as not loading.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	var snap conversationSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	entries := make([]*entry, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		id := m.ID
		if id == "" {
			id = NewMessageID()
		}
		e := &entry{
			id:  id,
			msg: Message{Role: m.Role, Content: m.Content, ReasoningContent: m.ReasoningContent},
		}
		if m.Error != "" {
			e.status.Err = errors.New(m.Error)
		}
		entries = append(entries, e)
	}
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	c.mu.Lock()
	c.id = snap.ID
	c.entries = entries
	c.mu.Unlock()
	return nil
}
