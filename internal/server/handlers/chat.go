package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/ailink/content"
	"github.com/atelierhq/atelier/internal/conversation"
	"github.com/atelierhq/atelier/internal/core"
	"github.com/atelierhq/atelier/internal/core/engine"
	apperrors "github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/media"
	"github.com/atelierhq/atelier/internal/metrics"
	"github.com/atelierhq/atelier/internal/stream"
)

// DefaultCallerKey identifies callers that send no X-Forwarded-For header.
const DefaultCallerKey = "127.0.0.1"

const (
	defaultMaxBodyBytes = 20 << 20
	defaultMaxImages    = 4
	maxMessages         = 100
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// TurnStarter starts the model side of a turn.
type TurnStarter interface {
	Start(ctx context.Context, turn conversation.Turn) stream.Source
}

// TranscriptAppender records transcript entries.
type TranscriptAppender interface {
	AppendTranscript(ctx context.Context, t core.Transcript) (bool, error)
}

// ChatRequest is the body of POST /chat and the first websocket message.
type ChatRequest struct {
	SessionID string        `json:"sessionId"`
	Messages  []ChatMessage `json:"messages"`
	// Images are data: URLs or https URLs attached to the latest user message.
	Images []string `json:"images,omitempty"`
}

// ChatMessage is one prior or current message of the conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatHandler serves chat turns over HTTP streaming and websockets.
type ChatHandler struct {
	Limiter     *engine.RateLimiter
	Quotas      *engine.QuotaManager
	Runner      TurnStarter
	Multiplexer *stream.Multiplexer
	Transcripts TranscriptAppender

	// FailOpen admits requests when the counter store is unavailable.
	FailOpen           bool
	MaxBodyBytes       int64
	MaxImages          int
	ImageLimits        media.Limits
	WebsocketReadLimit int64
	Logger             *logging.Logger
}

// CallerKey returns the identity requests are metered under: the first
// X-Forwarded-For value, or DefaultCallerKey.
func CallerKey(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return DefaultCallerKey
	}
	first, _, _ := strings.Cut(forwarded, ",")
	if first = strings.TrimSpace(first); first != "" {
		return first
	}
	return DefaultCallerKey
}

// ServeHTTP handles POST /chat.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := CallerKey(r)
	if !h.admit(w, r, key) {
		return
	}

	var req ChatRequest
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes())
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apperrors.RespondWithError(w, r, apperrors.NewPayloadTooLargeError(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)))
			return
		}
		apperrors.RespondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid chat request body"))
		return
	}

	turn, err := h.buildTurn(key, req)
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapValidationError(r.Context(), err, err.Error()))
		return
	}

	writer, err := stream.NewHTTPWriter(w)
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "streaming not supported"))
		return
	}
	writer.Start()

	h.runTurn(r.Context(), turn, writer)
}

// admit applies the rate limit, writing the rejection itself. It reports whether to proceed.
func (h *ChatHandler) admit(w http.ResponseWriter, r *http.Request, key string) bool {
	if h.Limiter == nil {
		return true
	}
	decision, err := h.Limiter.Admit(r.Context(), key)
	if err != nil {
		metrics.RecordAdmissionError(h.FailOpen)
		if h.FailOpen {
			if h.Logger != nil {
				h.Logger.Warn("Counter store unavailable, admitting request",
					zap.String("caller_key", key), zap.Error(err))
			}
			return true
		}
		if h.Logger != nil {
			h.Logger.Error("Counter store unavailable, rejecting request",
				zap.String("caller_key", key), zap.Error(err))
		}
		apperrors.RespondWithError(w, r, apperrors.WrapCounterStore(r.Context(), err, "rate limit state is unavailable"))
		return false
	}

	setRateLimitHeaders(w, decision)
	if decision.Allowed {
		return true
	}

	retryAfter := decision.RetryAfterSeconds(time.Now())
	w.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfter))
	apperrors.RespondWithError(w, r, apperrors.NewRateLimitedError("Too many requests, please slow down", map[string]interface{}{
		"limit":            decision.Limit,
		"remaining":        decision.Remaining,
		"reset_at":         decision.ResetAt.UTC().Format(time.RFC3339),
		"retry_after_secs": retryAfter,
	}))
	return false
}

func setRateLimitHeaders(w http.ResponseWriter, d engine.Decision) {
	h := w.Header()
	h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderRateLimitReset, d.ResetAt.UTC().Format(time.RFC3339))
}

// buildTurn validates a request and converts it into a conversation turn.
func (h *ChatHandler) buildTurn(key string, req ChatRequest) (conversation.Turn, error) {
	if len(req.Messages) == 0 {
		return conversation.Turn{}, errors.New("messages must not be empty")
	}
	if len(req.Messages) > maxMessages {
		return conversation.Turn{}, fmt.Errorf("at most %d messages are accepted", maxMessages)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != string(core.RoleUser) {
		return conversation.Turn{}, errors.New("the last message must come from the user")
	}
	maxImages := h.MaxImages
	if maxImages <= 0 {
		maxImages = defaultMaxImages
	}
	if len(req.Images) > maxImages {
		return conversation.Turn{}, fmt.Errorf("at most %d images are accepted", maxImages)
	}

	messages := make([]content.Message, 0, len(req.Messages))
	for i, m := range req.Messages {
		if m.Role != string(core.RoleUser) && m.Role != string(core.RoleAssistant) {
			return conversation.Turn{}, fmt.Errorf("message %d has invalid role %q", i, m.Role)
		}
		messages = append(messages, content.Text(m.Role, m.Content))
	}

	images := make([]content.ContentBlock, 0, len(req.Images))
	for i, ref := range req.Images {
		block, err := media.InboundImage(ref, h.ImageLimits)
		if err != nil {
			return conversation.Turn{}, fmt.Errorf("image %d: %w", i, err)
		}
		images = append(images, block)
	}
	current := &messages[len(messages)-1]
	current.Content = append(current.Content, images...)

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return conversation.Turn{
		TurnID:    uuid.NewString(),
		SessionID: sessionID,
		CallerKey: key,
		Messages:  messages,
		Images:    images,
	}, nil
}

// runTurn persists the user message, then streams the model turn to w.
func (h *ChatHandler) runTurn(ctx context.Context, turn conversation.Turn, w stream.FrameWriter) stream.Outcome {
	h.persistUserMessage(ctx, turn)

	var ledger *engine.Ledger
	if h.Quotas != nil {
		ledger = h.Quotas.NewLedger(turn.CallerKey, h.Logger)
		turn.Ledger = ledger
	}

	outcome := h.Multiplexer.Run(ctx, h.Runner.Start(ctx, turn), w, stream.TurnInfo{
		TurnID:    turn.TurnID,
		SessionID: turn.SessionID,
		CallerKey: turn.CallerKey,
		Ledger:    ledger,
	})
	if h.Logger != nil {
		h.Logger.Info("Chat turn finished",
			zap.String("turn_id", turn.TurnID),
			zap.String("session_id", turn.SessionID),
			zap.String("status", string(outcome.Status)),
			zap.Int("frames", outcome.Frames),
			zap.Int("tool_calls", len(outcome.ToolCalls)),
			zap.Bool("persisted", outcome.Persisted))
	}
	return outcome
}

func (h *ChatHandler) persistUserMessage(ctx context.Context, turn conversation.Turn) {
	if h.Transcripts == nil {
		return
	}
	last := turn.Messages[len(turn.Messages)-1]
	var text strings.Builder
	for _, block := range last.Content {
		if block.Type == content.ContentTypeText {
			text.WriteString(block.Text)
		}
	}
	_, err := h.Transcripts.AppendTranscript(context.WithoutCancel(ctx), core.Transcript{
		TurnID:    turn.TurnID,
		SessionID: turn.SessionID,
		Role:      core.RoleUser,
		Content:   text.String(),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		metrics.RecordPersistFailure("transcript")
		if h.Logger != nil {
			h.Logger.Error("User transcript persistence failed",
				zap.String("turn_id", turn.TurnID), zap.Error(err))
		}
	}
}

func (h *ChatHandler) maxBodyBytes() int64 {
	if h.MaxBodyBytes > 0 {
		return h.MaxBodyBytes
	}
	return defaultMaxBodyBytes
}

// readRequest decodes one ChatRequest. The caller bounds r; an oversized
// message fails the read instead of being truncated.
func readRequest(r io.Reader) (ChatRequest, error) {
	var req ChatRequest
	dec := json.NewDecoder(r)
	if err := dec.Decode(&req); err != nil {
		return ChatRequest{}, err
	}
	return req, nil
}
