package content

import "strings"

// ContentType represents supported content types using IANA media types.
type ContentType string

const (
	ContentTypeText ContentType = "text/plain"
	ContentTypeJSON ContentType = "application/json"
	ContentTypePNG  ContentType = "image/png"
	ContentTypeJPEG ContentType = "image/jpeg"
	ContentTypeWebP ContentType = "image/webp"
)

// IsImage reports whether the block type is an image media type.
func (t ContentType) IsImage() bool {
	return strings.HasPrefix(string(t), "image/")
}

// ContentBlock represents a single piece of content.
// Images carry either raw Data or a URL (https or data:) in DataURL.
type ContentBlock struct {
	Type    ContentType `json:"type"`
	Text    string      `json:"text,omitempty"`
	Data    []byte      `json:"data,omitempty"`
	DataURL string      `json:"data_url,omitempty"`
}

// ToolUse is a tool invocation requested by the assistant.
type ToolUse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message represents a chat message.
// Assistant messages may carry ToolUses; tool messages answer one by ToolCallID.
type Message struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	ToolUses   []ToolUse      `json:"tool_uses,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// Text builds a single-block text message.
func Text(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: ContentTypeText, Text: text}}}
}

// ImageURL builds an image block referencing url.
func ImageURL(mime ContentType, url string) ContentBlock {
	if mime == "" {
		mime = ContentTypePNG
	}
	return ContentBlock{Type: mime, DataURL: url}
}
