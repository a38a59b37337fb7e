package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ProviderError is returned when a provider responds with a non-2xx status.
//
// Drivers should populate RawResponse with the provider response body bytes.
// RawResponse must never include API keys.
type ProviderError struct {
	Provider    string
	StatusCode  int
	Message     string
	RawResponse []byte
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "provider error"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s request failed: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s request failed: %s", e.Provider, e.Message)
}

// Provider failure classes.
const (
	FailureTimeout     = "PROVIDER_TIMEOUT"
	FailureAuth        = "PROVIDER_AUTH"
	FailureRateLimit   = "PROVIDER_RATE_LIMIT"
	FailureUnavailable = "PROVIDER_UNAVAILABLE"
	FailureBadRequest  = "PROVIDER_BAD_REQUEST"
	FailureCanceled    = "PROVIDER_CANCELED"
	FailureOther       = "PROVIDER_ERROR"
)

// Classify maps a provider call error to a stable failure code and detail for logs.
func Classify(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout, "provider request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return FailureCanceled, "provider request canceled"
	}

	var perr *ProviderError
	if errors.As(err, &perr) && perr != nil {
		details := strings.TrimSpace(perr.Message)
		switch status := perr.StatusCode; {
		case status == 401 || status == 403:
			return FailureAuth, details
		case status == 429:
			return FailureRateLimit, details
		case status >= 500 && status <= 599:
			return FailureUnavailable, details
		case status >= 400 && status <= 499:
			return FailureBadRequest, details
		}
		return FailureOther, details
	}
	return FailureOther, err.Error()
}
