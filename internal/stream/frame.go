// Package stream turns one model interaction into an ordered frame stream
// while accumulating the transcript the user was shown.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// FrameKind is the tag in front of each `<tag>:<json>\n` record.
type FrameKind string

const (
	FrameText       FrameKind = "0"
	FrameError      FrameKind = "3"
	FrameToolCall   FrameKind = "9"
	FrameToolResult FrameKind = "a"
	FrameFinish     FrameKind = "d"
)

// String returns the metric label for the kind.
func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameError:
		return "error"
	case FrameToolCall:
		return "tool_call"
	case FrameToolResult:
		return "tool_result"
	case FrameFinish:
		return "finish"
	default:
		return "unknown"
	}
}

// Frame is one record of the outbound protocol.
type Frame struct {
	Kind    FrameKind
	Payload any
}

// ToolCallPayload is the body of a tool call frame.
type ToolCallPayload struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args"`
}

// ToolResultPayload is the body of a tool result frame.
type ToolResultPayload struct {
	ToolCallID string         `json:"toolCallId"`
	Result     map[string]any `json:"result"`
}

// FinishPayload is the body of the closing frame.
type FinishPayload struct {
	FinishReason string `json:"finishReason"`
}

// Encode renders f as a newline-terminated record.
func (f Frame) Encode() ([]byte, error) {
	payload, err := json.Marshal(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Kind.String(), err)
	}
	out := make([]byte, 0, len(f.Kind)+len(payload)+2)
	out = append(out, f.Kind...)
	out = append(out, ':')
	out = append(out, payload...)
	out = append(out, '\n')
	return out, nil
}

// RawFrame is a decoded record with its payload left as JSON.
type RawFrame struct {
	Kind    FrameKind
	Payload json.RawMessage
}

// Text returns the token of a text frame.
func (f RawFrame) Text() (string, error) {
	if f.Kind != FrameText {
		return "", fmt.Errorf("frame %s is not text", f.Kind)
	}
	var text string
	err := json.Unmarshal(f.Payload, &text)
	return text, err
}

// DecodeFrames parses a frame stream. It is the client-side inverse of Encode.
func DecodeFrames(r io.Reader) ([]RawFrame, error) {
	reader := bufio.NewReader(r)
	var frames []RawFrame
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if line[len(line)-1] != '\n' {
				return frames, fmt.Errorf("truncated frame: %q", line)
			}
			frame, perr := ParseFrame(line)
			if perr != nil {
				return frames, perr
			}
			frames = append(frames, frame)
		}
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
	}
}

// ParseFrame decodes a single record.
func ParseFrame(line []byte) (RawFrame, error) {
	line = bytes.TrimRight(line, "\n")
	tag, payload, ok := bytes.Cut(line, []byte(":"))
	if !ok || len(tag) == 0 {
		return RawFrame{}, fmt.Errorf("malformed frame: %q", line)
	}
	if !json.Valid(payload) {
		return RawFrame{}, fmt.Errorf("frame %s has invalid payload", tag)
	}
	return RawFrame{Kind: FrameKind(tag), Payload: json.RawMessage(payload)}, nil
}

// Reconstruct concatenates the text frames in order: what the user saw.
func Reconstruct(frames []RawFrame) (string, error) {
	var b strings.Builder
	for _, f := range frames {
		if f.Kind != FrameText {
			continue
		}
		text, err := f.Text()
		if err != nil {
			return "", err
		}
		b.WriteString(text)
	}
	return b.String(), nil
}
