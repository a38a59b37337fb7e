package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/ailink/content"
	"github.com/atelierhq/atelier/internal/ailink/driver"
	"github.com/atelierhq/atelier/internal/core/engine"
	"github.com/atelierhq/atelier/internal/metrics"
	"github.com/atelierhq/atelier/internal/stream"
)

const (
	DefaultTurnTimeout = 2 * time.Minute
	DefaultToolTimeout = 90 * time.Second
	DefaultMaxSteps    = 4

	// DefaultSystemPrompt is used when chat.system_prompt is empty.
	DefaultSystemPrompt = "You are an interior design assistant. Look carefully at any photos the user shares, " +
		"suggest concrete changes, and use the available tools to render ideas, price items or request a quote."
)

// Result codes of capability failures produced by the runner.
const (
	CodeTimeout          = "TIMEOUT"
	CodeUnknownTool      = "UNKNOWN_TOOL"
	CodeInvalidArguments = "INVALID_ARGUMENTS"
	CodeCounterStore     = "COUNTER_STORE_ERROR"
	CodeCapabilityFailed = "CAPABILITY_FAILED"
)

// Runner drives model steps and capability calls for chat turns.
type Runner struct {
	Chat         driver.ChatDriver
	Model        string
	SystemPrompt string
	Capabilities []Capability
	TurnTimeout  time.Duration
	ToolTimeout  time.Duration
	MaxSteps     int
	Logger       *logging.Logger
}

// Turn is the input of one chat turn.
type Turn struct {
	TurnID    string
	SessionID string
	CallerKey string
	Messages  []content.Message
	// Images attached by the user; also present in Messages for the model.
	Images []content.ContentBlock
	// Ledger gates capability calls; nil runs them ungated.
	Ledger *engine.Ledger
}

// Start begins the turn in the background and returns its event source.
// The turn stops when ctx ends, the turn timeout passes, or the source is closed.
func (r *Runner) Start(ctx context.Context, turn Turn) stream.Source {
	timeout := r.TurnTimeout
	if timeout <= 0 {
		timeout = DefaultTurnTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)

	s := &session{
		events: make(chan stream.Event),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(s.done)
		defer close(s.events)
		s.err = r.run(runCtx, turn, s.emit(runCtx))
	}()
	return s
}

// session adapts the runner goroutine to stream.Source.
type session struct {
	events chan stream.Event
	done   chan struct{}
	cancel context.CancelFunc
	err    error
	once   sync.Once
}

func (s *session) emit(ctx context.Context) func(stream.Event) error {
	return func(ev stream.Event) error {
		select {
		case s.events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Next implements stream.Source.
func (s *session) Next(ctx context.Context) (stream.Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			if s.err != nil {
				return stream.Event{}, s.err
			}
			return stream.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return stream.Event{}, ctx.Err()
	}
}

// Close implements stream.Source. It cancels the turn and waits for it to stop.
func (s *session) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func (r *Runner) run(ctx context.Context, turn Turn, emit func(stream.Event) error) error {
	caps := r.byName()
	tools := make([]driver.Tool, 0, len(caps))
	for _, name := range sortedNames(caps) {
		tools = append(tools, caps[name].Tool())
	}

	prompt := strings.TrimSpace(r.SystemPrompt)
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	messages := append([]content.Message{content.Text("system", prompt)}, turn.Messages...)

	maxSteps := r.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	for step := 0; step < maxSteps; step++ {
		text, calls, err := r.modelStep(ctx, &driver.Request{Model: r.Model, Messages: messages, Tools: tools}, emit)
		if err != nil {
			return err
		}
		if len(calls) == 0 {
			return nil
		}

		assistant := content.Message{Role: "assistant"}
		if text != "" {
			assistant.Content = []content.ContentBlock{{Type: content.ContentTypeText, Text: text}}
		}
		for _, call := range calls {
			assistant.ToolUses = append(assistant.ToolUses, content.ToolUse{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
		}
		messages = append(messages, assistant)

		results, err := r.runTools(ctx, turn, caps, calls, emit)
		if err != nil {
			return err
		}
		messages = append(messages, results...)
	}

	if r.Logger != nil {
		r.Logger.Warn("Turn reached step limit", zap.String("turn_id", turn.TurnID), zap.Int("max_steps", maxSteps))
	}
	return nil
}

// modelStep streams one completion, forwarding text as it arrives.
func (r *Runner) modelStep(ctx context.Context, req *driver.Request, emit func(stream.Event) error) (string, []driver.ToolCall, error) {
	s, err := r.Chat.Stream(ctx, req)
	if err != nil {
		return "", nil, err
	}
	defer s.Close() // nolint:errcheck // best-effort cleanup

	var (
		text  strings.Builder
		calls []driver.ToolCall
	)
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Cancellation surfaces as the context error so callers can tell a timeout apart.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", nil, ctxErr
			}
			return "", nil, err
		}
		if chunk.TextDelta != "" {
			text.WriteString(chunk.TextDelta)
			if err := emit(stream.TextDelta(chunk.TextDelta)); err != nil {
				return "", nil, err
			}
		}
		calls = append(calls, chunk.ToolCalls...)
		if chunk.Usage != nil && r.Logger != nil {
			r.Logger.Debug("Model usage",
				zap.Int("prompt_tokens", chunk.Usage.PromptTokens),
				zap.Int("completion_tokens", chunk.Usage.CompletionTokens))
		}
	}
	return text.String(), calls, nil
}

type toolOutcome struct {
	call   driver.ToolCall
	result map[string]any
	ticket *engine.Ticket
}

// runTools announces every call, runs them concurrently, and emits results
// in the order they resolve.
func (r *Runner) runTools(ctx context.Context, turn Turn, caps map[string]Capability, calls []driver.ToolCall, emit func(stream.Event) error) ([]content.Message, error) {
	parsed := make([]map[string]any, len(calls))
	argErrs := make([]error, len(calls))
	for i, call := range calls {
		parsed[i], argErrs[i] = decodeArgs(call.Arguments)
		if err := emit(stream.ToolCall(call.ID, call.Name, parsed[i])); err != nil {
			return nil, err
		}
	}

	outcomes := make(chan toolOutcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(call driver.ToolCall, args map[string]any, argErr error) {
			defer wg.Done()
			outcomes <- r.invoke(ctx, turn, caps, call, args, argErr)
		}(call, parsed[i], argErrs[i])
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	messages := make([]content.Message, 0, len(calls))
	for out := range outcomes {
		if err := emit(stream.ToolResult(out.call.ID, out.call.Name, out.result, out.ticket)); err != nil {
			// Remaining goroutines observe the cancelled context and drain into the buffer.
			return nil, err
		}
		encoded, err := json.Marshal(out.result)
		if err != nil {
			encoded = []byte(`{"status":"error"}`)
		}
		messages = append(messages, content.Message{
			Role:       "tool",
			ToolCallID: out.call.ID,
			Content:    []content.ContentBlock{{Type: content.ContentTypeText, Text: string(encoded)}},
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// invoke gates one call on quota and runs it. It always yields a result.
func (r *Runner) invoke(ctx context.Context, turn Turn, caps map[string]Capability, call driver.ToolCall, args map[string]any, argErr error) toolOutcome {
	out := toolOutcome{call: call}
	finish := func(result map[string]any) toolOutcome {
		out.result = result
		status := stream.StatusSuccess
		if stream.IsErrorResult(result) {
			status = stream.StatusError
		}
		metrics.RecordCapabilityCall(call.Name, status)
		return out
	}

	capability, ok := caps[call.Name]
	if !ok {
		return finish(stream.ErrorResult(fmt.Sprintf("unknown tool %q", call.Name), CodeUnknownTool))
	}
	if argErr != nil {
		return finish(stream.ErrorResult(argErr.Error(), CodeInvalidArguments))
	}

	if turn.Ledger != nil {
		ticket, decision, err := turn.Ledger.Acquire(ctx, call.Name)
		switch {
		case errors.Is(err, engine.ErrUnknownCapability):
			// No quota configured for this capability.
		case err != nil:
			return finish(stream.ErrorResult(err.Error(), CodeCounterStore))
		case ticket == nil:
			msg := fmt.Sprintf("daily %s limit reached (%d/%d)", call.Name, decision.CurrentCount, decision.Limit)
			return finish(stream.ErrorResult(msg, stream.QuotaExceededCode))
		default:
			out.ticket = ticket
		}
	}

	timeout := r.ToolTimeout
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := capability.Invoke(toolCtx, Call{
		ID:        call.ID,
		Args:      args,
		CallerKey: turn.CallerKey,
		SessionID: turn.SessionID,
		Images:    turn.Images,
	})
	if err != nil {
		code := CodeCapabilityFailed
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			code = CodeTimeout
		}
		if r.Logger != nil {
			r.Logger.Warn("Capability call failed",
				zap.String("turn_id", turn.TurnID),
				zap.String("capability", call.Name),
				zap.String("code", code),
				zap.Error(err))
		}
		return finish(stream.ErrorResult(err.Error(), code))
	}
	if result == nil {
		result = map[string]any{}
	}
	if _, ok := result["status"]; !ok {
		result["status"] = stream.StatusSuccess
	}
	return finish(result)
}

func (r *Runner) byName() map[string]Capability {
	caps := make(map[string]Capability, len(r.Capabilities))
	for _, c := range r.Capabilities {
		caps[c.Tool().Name] = c
	}
	return caps
}

func sortedNames(caps map[string]Capability) []string {
	names := make([]string, 0, len(caps))
	for name := range caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
