// Package conversation runs the model/tool loop of one chat turn and exposes
// it as a stream.Source.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/atelierhq/atelier/internal/ailink/content"
	"github.com/atelierhq/atelier/internal/ailink/driver"
)

// Capability is a tool the model may invoke.
type Capability interface {
	// Tool describes the capability to the model. Tool().Name is the capability name.
	Tool() driver.Tool
	// Invoke runs the capability. A returned error becomes a structured error result.
	Invoke(ctx context.Context, call Call) (map[string]any, error)
}

// Call is one capability invocation.
type Call struct {
	ID        string
	Args      map[string]any
	CallerKey string
	SessionID string
	// Images are the images the user attached to the turn.
	Images []content.ContentBlock
}

// String returns a trimmed string argument.
func (c Call) String(key string) string {
	v, ok := c.Args[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// Require returns the named string argument or an error if it is empty.
func (c Call) Require(key string) (string, error) {
	v := c.String(key)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

// decodeArgs parses the JSON argument object of a tool call. Empty input is an empty object.
func decodeArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func stringProperty(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func objectSchema(required []string, properties map[string]any) map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}
