package handlers

import (
	"context"
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/stream"
)

// ServeWebsocket handles GET /chat/ws. The rate limit is applied before the
// upgrade so rejections keep their HTTP status and headers. The first text
// message carries a ChatRequest; every frame then arrives as one text message.
func (h *ChatHandler) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	key := CallerKey(r)
	if !h.admit(w, r, key) {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("Websocket upgrade failed", zap.String("caller_key", key), zap.Error(err))
		}
		return
	}
	defer conn.CloseNow() // nolint:errcheck // no-op after a clean close

	limit := h.WebsocketReadLimit
	if limit <= 0 {
		limit = h.maxBodyBytes()
	}
	conn.SetReadLimit(limit)

	ctx := r.Context()
	typ, reader, err := conn.Reader(ctx)
	if err != nil {
		return
	}
	if typ != websocket.MessageText {
		_ = conn.Close(websocket.StatusUnsupportedData, "expected a JSON text message")
		return
	}
	req, err := readRequest(reader)
	if err != nil {
		_ = conn.Close(websocket.StatusInvalidFramePayloadData, "invalid chat request")
		return
	}
	turn, err := h.buildTurn(key, req)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, truncateReason(err.Error()))
		return
	}

	// Any further client message or a disconnect cancels the turn.
	ctx = conn.CloseRead(ctx)
	outcome := h.runTurn(ctx, turn, stream.NewWebsocketWriter(ctx, conn, 0))

	switch {
	case outcome.Status == stream.StatusCompleted:
		_ = conn.Close(websocket.StatusNormalClosure, "turn complete")
	case errors.Is(ctx.Err(), context.Canceled):
		// Client already gone.
	default:
		_ = conn.Close(websocket.StatusInternalError, "turn failed")
	}
}

const maxCloseReason = 120

// truncateReason keeps a close reason within the 123 byte control frame
// budget without splitting a UTF-8 sequence.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	n := maxCloseReason
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}
