package driver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), FailureTimeout},
		{context.Canceled, FailureCanceled},
		{&ProviderError{Provider: "openai", StatusCode: 401, Message: "bad key"}, FailureAuth},
		{&ProviderError{Provider: "openai", StatusCode: 429}, FailureRateLimit},
		{&ProviderError{Provider: "openai", StatusCode: 503}, FailureUnavailable},
		{&ProviderError{Provider: "openai", StatusCode: 400}, FailureBadRequest},
		{errors.New("boom"), FailureOther},
	}
	for _, tc := range cases {
		code, _ := Classify(tc.err)
		require.Equal(t, tc.code, code, tc.err.Error())
	}

	code, detail := Classify(nil)
	require.Empty(t, code)
	require.Empty(t, detail)
}
