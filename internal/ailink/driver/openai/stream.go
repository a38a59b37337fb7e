package openai

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/atelierhq/atelier/internal/ailink/driver"
)

type chatCompletionChunk struct {
	Choices []chunkChoice `json:"choices"`
	Usage   *usage        `json:"usage,omitempty"`
	Error   *apiError     `json:"error,omitempty"`
}

type chunkChoice struct {
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type chunkDelta struct {
	Content   string          `json:"content"`
	ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// eventStream decodes a server-sent event body into driver chunks.
// Tool call fragments are assembled by index and released with the finish reason.
type eventStream struct {
	body   io.ReadCloser
	reader *bufio.Reader

	pending  map[int]*driver.ToolCall
	finished bool
	done     bool

	closeOnce sync.Once
	closeErr  error
}

func newEventStream(body io.ReadCloser) *eventStream {
	return &eventStream{
		body:    body,
		reader:  bufio.NewReader(body),
		pending: make(map[int]*driver.ToolCall),
	}
}

// Recv returns the next chunk, or io.EOF once the provider signals completion.
func (s *eventStream) Recv() (driver.Chunk, error) {
	for {
		if s.done {
			return driver.Chunk{}, io.EOF
		}

		data, err := s.nextData()
		if errors.Is(err, io.EOF) {
			s.done = true
			if len(s.pending) > 0 {
				return driver.Chunk{ToolCalls: s.flush(), FinishReason: "tool_calls"}, nil
			}
			if s.finished {
				return driver.Chunk{}, io.EOF
			}
			return driver.Chunk{}, io.ErrUnexpectedEOF
		}
		if err != nil {
			return driver.Chunk{}, err
		}
		if data == "[DONE]" {
			s.done = true
			if len(s.pending) > 0 {
				return driver.Chunk{ToolCalls: s.flush()}, nil
			}
			return driver.Chunk{}, io.EOF
		}

		var parsed chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			return driver.Chunk{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		if parsed.Error != nil {
			return driver.Chunk{}, &driver.ProviderError{Provider: "openai", Message: parsed.Error.Message, RawResponse: []byte(data)}
		}

		chunk, ok := s.apply(&parsed)
		if ok {
			return chunk, nil
		}
	}
}

func (s *eventStream) apply(parsed *chatCompletionChunk) (driver.Chunk, bool) {
	var chunk driver.Chunk
	emit := false

	if parsed.Usage != nil {
		chunk.Usage = &driver.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
		emit = true
	}
	if len(parsed.Choices) == 0 {
		return chunk, emit
	}

	choice := parsed.Choices[0]
	if choice.Delta.Content != "" {
		chunk.TextDelta = choice.Delta.Content
		emit = true
	}
	for _, delta := range choice.Delta.ToolCalls {
		call, ok := s.pending[delta.Index]
		if !ok {
			call = &driver.ToolCall{}
			s.pending[delta.Index] = call
		}
		if delta.ID != "" {
			call.ID = delta.ID
		}
		if delta.Function.Name != "" {
			call.Name = delta.Function.Name
		}
		call.Arguments += delta.Function.Arguments
	}
	if choice.FinishReason != "" {
		chunk.FinishReason = choice.FinishReason
		s.finished = true
		chunk.ToolCalls = s.flush()
		emit = true
	}
	return chunk, emit
}

func (s *eventStream) flush() []driver.ToolCall {
	if len(s.pending) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(s.pending))
	for index := range s.pending {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	calls := make([]driver.ToolCall, 0, len(indexes))
	for _, index := range indexes {
		calls = append(calls, *s.pending[index])
	}
	s.pending = make(map[int]*driver.ToolCall)
	return calls
}

// nextData returns the payload of the next data event, joining multi-line data fields.
func (s *eventStream) nextData() (string, error) {
	var lines []string
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if len(lines) > 0 && errors.Is(err, io.EOF) {
				return strings.Join(lines, "\n"), nil
			}
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(lines) > 0 {
				return strings.Join(lines, "\n"), nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			lines = append(lines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}

		if errors.Is(err, io.EOF) {
			if len(lines) > 0 {
				return strings.Join(lines, "\n"), nil
			}
			return "", io.EOF
		}
	}
}

// Close releases the response body, aborting the upstream request.
func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
