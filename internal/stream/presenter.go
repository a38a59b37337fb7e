package stream

import (
	"fmt"
	"strings"
)

// Fixed user-facing fragments for failed capability calls.
const (
	ApologyFragment      = "\n\nSorry, I couldn't finish that step. Please try again in a moment.\n\n"
	QuotaApologyFragment = "\n\nYou've reached today's limit for that feature. It resets within 24 hours.\n\n"
)

// Result status values shared with capabilities.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// QuotaExceededCode marks a capability result denied by quota.
const QuotaExceededCode = "QUOTA_EXCEEDED"

// Presenter renders the visible fragment for a successful tool result.
// An empty fragment means the result is metadata only.
type Presenter func(result map[string]any) string

// DefaultPresenters covers the built-in capabilities.
func DefaultPresenters() map[string]Presenter {
	return map[string]Presenter{
		"render":       presentImage,
		"price_search": presentText,
	}
}

func presentImage(result map[string]any) string {
	url := stringField(result, "imageUrl")
	if url == "" {
		return ""
	}
	return "\n\n![](" + url + ")\n\n"
}

func presentText(result map[string]any) string {
	text := stringField(result, "text")
	if text == "" {
		text = stringField(result, "summary")
	}
	if text == "" {
		return ""
	}
	return "\n\n" + text + "\n\n"
}

// IsErrorResult reports whether a capability result signals failure.
func IsErrorResult(result map[string]any) bool {
	return strings.EqualFold(stringField(result, "status"), StatusError)
}

// ErrorResult builds the structured failure value a capability returns.
func ErrorResult(message, code string) map[string]any {
	result := map[string]any{"status": StatusError, "error": message}
	if code != "" {
		result["code"] = code
	}
	return result
}

// clientResult strips error detail from a failed result before it reaches the client.
func clientResult(result map[string]any) map[string]any {
	if !IsErrorResult(result) {
		return result
	}
	out := map[string]any{"status": StatusError}
	if code := stringField(result, "code"); code != "" {
		out["code"] = code
	}
	return out
}

func apologyFor(result map[string]any) string {
	if stringField(result, "code") == QuotaExceededCode {
		return QuotaApologyFragment
	}
	return ApologyFragment
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
