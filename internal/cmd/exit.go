package cmd

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
)

// ExitWithCode logs err with the foundry exit code metadata and exits.
// A nil logger falls back to stderr.
func ExitWithCode(logger *logging.Logger, exitCode foundry.ExitCode, msg string, err error) {
	if logger == nil {
		ExitWithCodeStderr(exitCode, msg, err)
		return
	}

	info, known := foundry.GetExitCodeInfo(exitCode)
	fields := []zap.Field{zap.Int("exit_code", int(exitCode))}
	if known {
		fields = append(fields,
			zap.String("exit_name", info.Name),
			zap.String("exit_category", info.Category))
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		fields = append(fields,
			zap.String("error_code", envelope.Code),
			zap.String("error_message", envelope.Message),
			zap.String("correlation_id", envelope.CorrelationID))
		if len(envelope.Context) > 0 {
			fields = append(fields, zap.Any("error_context", envelope.Context))
		}
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	logger.Error(msg, fields...)
	os.Exit(int(exitCode))
}

// ExitWithCodeStderr reports a failure on stderr and exits. It is used before
// the logger exists.
func ExitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	line := "FATAL: " + msg
	var envelope *errors.ErrorEnvelope
	switch {
	case stderrors.As(err, &envelope) && envelope != nil:
		line = fmt.Sprintf("%s [%s]: %s", line, envelope.Code, envelope.Message)
		if wrapped, ok := envelope.Context["wrapped_error"]; ok {
			line = fmt.Sprintf("%s (%v)", line, wrapped)
		}
	case err != nil:
		line = fmt.Sprintf("%s: %v", line, err)
	}
	fmt.Fprintln(os.Stderr, line)

	if info, ok := foundry.GetExitCodeInfo(exitCode); ok {
		fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
	}
	os.Exit(int(exitCode))
}
