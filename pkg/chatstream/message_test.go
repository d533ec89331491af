package chatstream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageConstructors(t *testing.T) {
	assert.Equal(t, RoleSystem, NewSystemMessage("s").Role)
	assert.Equal(t, RoleUser, NewUserMessage("u").Role)
	assert.Equal(t, RoleAssistant, NewAssistantMessage("a").Role)
	assert.Equal(t, "u", NewUserMessage("u").Content.Text())
	assert.NotEqual(t, NewMessageID(), NewMessageID())
}

func TestContentAppendText(t *testing.T) {
	c, err := TextContent("ab").appendText("cd")
	require.NoError(t, err)
	assert.Equal(t, "abcd", c.Text())
	assert.False(t, c.IsParts())
	assert.Nil(t, c.Parts())

	parts := PartsContent(TextPart{Text: "x"})
	_, err = parts.appendText("y")
	assert.ErrorIs(t, err, ErrNotTextContent)
}

func TestContentTextOfParts(t *testing.T) {
	c := PartsContent(TextPart{Text: "look at "}, ImageURLPart{URL: "https://example.com/cat.png"}, TextPart{Text: "this"})
	assert.True(t, c.IsParts())
	assert.Equal(t, "look at this", c.Text())
	assert.Equal(t, "look at this", c.String())

	// Parts returns a copy
	p := c.Parts()
	p[0] = TextPart{Text: "changed"}
	assert.Equal(t, "look at this", c.Text())
}

func TestContentJSON(t *testing.T) {
	data, err := json.Marshal(NewUserMessage("hello"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"hello"}`, string(data))

	msg := Message{
		Role: RoleUser,
		Content: PartsContent(
			TextPart{Text: "describe"},
			ImageURLPart{URL: "https://example.com/a.png", Detail: "low"},
			InputAudioPart{Data: "UklGRg==", Format: "wav"},
			VideoURLPart{URL: "https://example.com/v.mp4"},
			FilePart{FileID: "file-1", Filename: "notes.pdf"},
		),
	}
	data, err = json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":[
		{"type":"text","text":"describe"},
		{"type":"image_url","image_url":{"url":"https://example.com/a.png","detail":"low"}},
		{"type":"input_audio","input_audio":{"data":"UklGRg==","format":"wav"}},
		{"type":"video_url","video_url":{"url":"https://example.com/v.mp4"}},
		{"type":"file","file":{"file_id":"file-1","filename":"notes.pdf"}}
	]}`, string(data))

	var back Message
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, msg, back)
}

func TestContentUnmarshal(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"assistant","content":null,"reasoning_content":"r"}`), &m))
	assert.False(t, m.Content.IsParts())
	assert.Equal(t, "", m.Content.Text())
	assert.Equal(t, "r", m.ReasoningContent)

	assert.Error(t, json.Unmarshal([]byte(`{"role":"user","content":42}`), &m))
	assert.Error(t, json.Unmarshal([]byte(`{"role":"user","content":[{"type":"hologram"}]}`), &m))
	assert.Error(t, json.Unmarshal([]byte(`{"role":"user","content":[{"type":"image_url"}]}`), &m))
}

func TestMessageStatus(t *testing.T) {
	var st MessageStatus
	assert.Equal(t, "", st.ErrorText())

	st.Err = &FatalError{Status: 404, Message: "gone"}
	assert.Equal(t, "fatal error (HTTP 404): gone", st.ErrorText())

	st.Parts = []PartStatus{{HTML: "<p>a</p>"}}
	cp := st.clone()
	cp.Parts[0].HTML = "changed"
	assert.Equal(t, "<p>a</p>", st.Parts[0].HTML)
}
