package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/core"
	"github.com/atelierhq/atelier/internal/core/engine"
	"github.com/atelierhq/atelier/internal/metrics"
)

// Generic messages sent in error frames. Details stay in the logs.
const (
	ErrorMessage        = "Something went wrong while generating the response."
	TimeoutErrorMessage = "The response took too long and was stopped."
)

const defaultPersistTimeout = 10 * time.Second

var activeStreams atomic.Int64

// Status is how a turn ended.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "error"
	StatusClientGone Status = "client_gone"
)

// FrameWriter delivers frames to the client in call order.
type FrameWriter interface {
	WriteFrame(f Frame) error
}

// TranscriptStore persists the assistant side of a turn.
type TranscriptStore interface {
	AppendTranscript(ctx context.Context, t core.Transcript) (bool, error)
}

// TurnInfo identifies the turn being streamed.
type TurnInfo struct {
	TurnID    string
	SessionID string
	CallerKey string
	// Ledger is settled once when the stream closes; nil skips quota settlement.
	Ledger *engine.Ledger
}

// Outcome summarizes a finished turn.
type Outcome struct {
	Status    Status
	Content   string
	ToolCalls []core.ToolCallRecord
	Frames    int
	Persisted bool
	Err       error
}

// Multiplexer streams one turn at a time; a single instance is shared across requests.
type Multiplexer struct {
	Transcripts    TranscriptStore
	Presenters     map[string]Presenter
	PersistPartial bool
	PersistTimeout time.Duration
	Clock          func() time.Time
	Logger         *logging.Logger
}

// turnState is the per-run accumulator. Only the Run goroutine touches it.
type turnState struct {
	content   strings.Builder
	toolCalls []core.ToolCallRecord
	frames    int
}

// Run consumes src until it ends, writing frames to w, then performs the
// turn's single terminal action: persist the transcript and settle quota.
// It never panics on a failed write; every path returns an Outcome.
func (m *Multiplexer) Run(ctx context.Context, src Source, w FrameWriter, turn TurnInfo) Outcome {
	started := time.Now()
	metrics.SetActiveStreams(activeStreams.Add(1))
	defer func() { metrics.SetActiveStreams(activeStreams.Add(-1)) }()

	state := &turnState{}
	outcome := Outcome{Status: StatusCompleted}

	for {
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			outcome.Status = StatusFailed
			outcome.Err = err
			m.logUpstreamError(turn, err)
			if werr := m.write(w, state, Frame{Kind: FrameError, Payload: errorMessage(err)}); werr != nil {
				outcome.Status = StatusClientGone
			}
			break
		}
		if werr := m.handle(ev, w, state, turn); werr != nil {
			outcome.Status = StatusClientGone
			outcome.Err = werr
			break
		}
	}
	if err := src.Close(); err != nil && m.Logger != nil {
		m.Logger.Debug("Event source close failed", zap.String("turn_id", turn.TurnID), zap.Error(err))
	}

	if outcome.Status == StatusCompleted {
		if werr := m.write(w, state, Frame{Kind: FrameFinish, Payload: FinishPayload{FinishReason: "stop"}}); werr != nil {
			outcome.Status = StatusClientGone
			outcome.Err = werr
		}
	}

	outcome.Content = state.content.String()
	outcome.ToolCalls = state.toolCalls
	outcome.Frames = state.frames
	outcome.Persisted = m.finish(ctx, turn, outcome)

	metrics.RecordTurn(string(outcome.Status), time.Since(started))
	return outcome
}

func (m *Multiplexer) handle(ev Event, w FrameWriter, state *turnState, turn TurnInfo) error {
	switch ev.Kind {
	case EventTextDelta:
		if ev.Text == "" {
			return nil
		}
		return m.emitText(w, state, ev.Text)

	case EventToolCall:
		state.toolCalls = append(state.toolCalls, core.ToolCallRecord{ID: ev.ToolCallID, Name: ev.ToolName, Args: ev.Args})
		return m.write(w, state, Frame{Kind: FrameToolCall, Payload: ToolCallPayload{
			ToolCallID: ev.ToolCallID,
			ToolName:   ev.ToolName,
			Args:       nonNil(ev.Args),
		}})

	case EventToolResult:
		state.recordResult(ev)

		failed := IsErrorResult(ev.Result)
		var fragment string
		if failed {
			fragment = apologyFor(ev.Result)
			if turn.Ledger != nil {
				turn.Ledger.Fail(ev.Ticket)
			}
			if m.Logger != nil {
				m.Logger.Warn("Capability failed",
					zap.String("turn_id", turn.TurnID),
					zap.String("capability", ev.ToolName),
					zap.String("code", stringField(ev.Result, "code")),
					zap.String("error", stringField(ev.Result, "error")))
			}
		} else if present, ok := m.presenters()[ev.ToolName]; ok {
			fragment = present(ev.Result)
		}

		if fragment != "" {
			if err := m.emitText(w, state, fragment); err != nil {
				return err
			}
		}
		if err := m.write(w, state, Frame{Kind: FrameToolResult, Payload: ToolResultPayload{
			ToolCallID: ev.ToolCallID,
			Result:     nonNil(clientResult(ev.Result)),
		}}); err != nil {
			return err
		}
		// Charged only once the result frame reached the client.
		if !failed && turn.Ledger != nil && ev.Ticket != nil {
			turn.Ledger.Succeed(ev.Ticket, settlementMetadata(ev))
		}
		return nil

	default:
		if m.Logger != nil {
			m.Logger.Debug("Ignoring unknown event", zap.Int("kind", int(ev.Kind)))
		}
		return nil
	}
}

// emitText sends text and appends it to the transcript only once delivered,
// so the transcript is exactly the concatenation of written text frames.
func (m *Multiplexer) emitText(w FrameWriter, state *turnState, text string) error {
	if err := m.write(w, state, Frame{Kind: FrameText, Payload: text}); err != nil {
		return err
	}
	state.content.WriteString(text)
	return nil
}

func (m *Multiplexer) write(w FrameWriter, state *turnState, f Frame) error {
	if err := w.WriteFrame(f); err != nil {
		return err
	}
	state.frames++
	metrics.RecordFrame(f.Kind.String())
	return nil
}

// finish runs the terminal action on a context detached from the request,
// so a disconnected client still gets its transcript and settlement.
func (m *Multiplexer) finish(ctx context.Context, turn TurnInfo, outcome Outcome) bool {
	timeout := m.PersistTimeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	persisted := m.persist(persistCtx, turn, outcome)

	if turn.Ledger != nil {
		if err := turn.Ledger.Settle(persistCtx); err != nil {
			metrics.RecordPersistFailure("quota")
		}
	}
	return persisted
}

func (m *Multiplexer) persist(ctx context.Context, turn TurnInfo, outcome Outcome) bool {
	if m.Transcripts == nil {
		return false
	}
	partial := outcome.Status != StatusCompleted
	if partial && !m.PersistPartial {
		return false
	}
	if partial && outcome.Content == "" && len(outcome.ToolCalls) == 0 {
		return false
	}

	_, err := m.Transcripts.AppendTranscript(ctx, core.Transcript{
		TurnID:    turn.TurnID,
		SessionID: turn.SessionID,
		Role:      core.RoleAssistant,
		Content:   outcome.Content,
		ToolCalls: outcome.ToolCalls,
		Partial:   partial,
		CreatedAt: m.now(),
	})
	if err != nil {
		metrics.RecordPersistFailure("transcript")
		if m.Logger != nil {
			m.Logger.Error("Transcript persistence failed",
				zap.String("turn_id", turn.TurnID),
				zap.String("session_id", turn.SessionID),
				zap.Bool("partial", partial),
				zap.Error(err))
		}
		return false
	}
	return true
}

func (m *Multiplexer) logUpstreamError(turn TurnInfo, err error) {
	if m.Logger == nil {
		return
	}
	m.Logger.Error("Upstream stream failed",
		zap.String("turn_id", turn.TurnID),
		zap.String("session_id", turn.SessionID),
		zap.String("caller_key", turn.CallerKey),
		zap.Error(err))
}

func (m *Multiplexer) presenters() map[string]Presenter {
	if m.Presenters == nil {
		return DefaultPresenters()
	}
	return m.Presenters
}

func (m *Multiplexer) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now().UTC()
}

func (s *turnState) recordResult(ev Event) {
	for i := len(s.toolCalls) - 1; i >= 0; i-- {
		if s.toolCalls[i].ID == ev.ToolCallID {
			s.toolCalls[i].Result = ev.Result
			return
		}
	}
	s.toolCalls = append(s.toolCalls, core.ToolCallRecord{ID: ev.ToolCallID, Name: ev.ToolName, Args: ev.Args, Result: ev.Result})
}

func errorMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return TimeoutErrorMessage
	}
	return ErrorMessage
}

func settlementMetadata(ev Event) map[string]any {
	meta := map[string]any{"toolCallId": ev.ToolCallID}
	for _, key := range []string{"imageUrl", "requestId"} {
		if v := stringField(ev.Result, key); v != "" {
			meta[key] = v
		}
	}
	return meta
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
