package openai

import (
	"fmt"
	"strings"

	"github.com/atelierhq/atelier/internal/ailink/content"
	"github.com/atelierhq/atelier/internal/ailink/driver"
	"github.com/atelierhq/atelier/internal/ailink/encode"
)

type chatCompletionRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Tools         []toolSpec     `json:"tools,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    interface{}    `json:"content"`
	ToolCalls  []toolCallSpec `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type toolSpec struct {
	Type     string       `json:"type"`
	Function functionSpec `json:"function"`
}

type functionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type toolCallSpec struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	Function toolInvoke `json:"function"`
}

type toolInvoke struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

func buildChatRequest(req *driver.Request) (*chatCompletionRequest, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	return &chatCompletionRequest{
		Model:         req.Model,
		Messages:      messages,
		Tools:         convertTools(req.Tools),
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}, nil
}

func convertMessages(messages []content.Message) ([]chatMessage, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("messages are required")
	}
	result := make([]chatMessage, 0, len(messages))
	for _, msg := range messages {
		contentValue, err := convertContent(msg.Content)
		if err != nil {
			return nil, err
		}
		converted := chatMessage{Role: msg.Role, Content: contentValue, ToolCallID: msg.ToolCallID}
		for _, use := range msg.ToolUses {
			converted.ToolCalls = append(converted.ToolCalls, toolCallSpec{
				ID:       use.ID,
				Type:     "function",
				Function: toolInvoke{Name: use.Name, Arguments: use.Arguments},
			})
		}
		result = append(result, converted)
	}
	return result, nil
}

func convertTools(tools []driver.Tool) []toolSpec {
	if len(tools) == 0 {
		return nil
	}
	result := make([]toolSpec, 0, len(tools))
	for _, t := range tools {
		result = append(result, toolSpec{
			Type:     "function",
			Function: functionSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	return result
}

func convertContent(blocks []content.ContentBlock) (interface{}, error) {
	if len(blocks) == 0 {
		return "", nil
	}
	if len(blocks) == 1 && blocks[0].Type == content.ContentTypeText {
		return blocks[0].Text, nil
	}

	converted := make([]contentPart, 0, len(blocks))
	for _, block := range blocks {
		switch {
		case block.Type == content.ContentTypeText || block.Type == content.ContentTypeJSON:
			converted = append(converted, contentPart{Type: "text", Text: block.Text})
		case block.Type.IsImage():
			url := block.DataURL
			if url == "" && len(block.Data) > 0 {
				url = encode.DataURL(string(block.Type), block.Data)
			}
			if url == "" {
				return nil, fmt.Errorf("image block has no data")
			}
			converted = append(converted, contentPart{Type: "image_url", ImageURL: &imageURL{URL: url}})
		default:
			return nil, fmt.Errorf("unsupported content type: %s", block.Type)
		}
	}
	return converted, nil
}
