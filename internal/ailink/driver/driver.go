package driver

import (
	"context"

	"github.com/atelierhq/atelier/internal/ailink/content"
)

// ChatDriver streams chat completions from a model provider.
type ChatDriver interface {
	// Stream starts a completion and returns its incremental output.
	Stream(ctx context.Context, req *Request) (Stream, error)
	// Name returns the driver identifier (e.g., "openai").
	Name() string
	// Capabilities returns what this driver supports.
	Capabilities() Capabilities
}

// ImageGenerator produces images from a text prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
}

// Stream yields completion chunks until io.EOF. Close releases the
// underlying connection and may be called at any time.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Capabilities describes driver features.
type Capabilities struct {
	SupportsTools     bool
	SupportsImages    bool
	SupportsStreaming bool
	SupportedModels   []string
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Usage contains token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is a provider-agnostic completion request.
type Request struct {
	Model       string
	Messages    []content.Message
	Tools       []Tool
	Temperature *float64
	MaxTokens   *int
	Metadata    map[string]string
}

// Chunk is one increment of a streamed completion. Tool calls are only
// reported once their arguments are complete.
type Chunk struct {
	TextDelta    string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *Usage
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ImageRequest asks a provider for generated images.
type ImageRequest struct {
	Model        string
	Prompt       string
	Count        int
	Size         string
	Quality      string
	OutputFormat string
	Background   string
}

// ImageResponse holds generated images as content blocks.
type ImageResponse struct {
	Created      int64
	OutputFormat string
	Size         string
	Quality      string
	Images       []content.ContentBlock
}
