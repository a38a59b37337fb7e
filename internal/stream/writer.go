package stream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Response headers of the frame protocol over HTTP.
const (
	ContentType         = "text/plain; charset=utf-8"
	ProtocolHeader      = "X-Vercel-AI-Data-Stream"
	ProtocolVersion     = "v1"
	defaultWriteTimeout = 10 * time.Second
)

// HTTPWriter writes frames to a chunked HTTP response, flushing after each one.
type HTTPWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewHTTPWriter prepares w for streaming. Headers already set on w are kept.
func NewHTTPWriter(w http.ResponseWriter) (*HTTPWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Set(ProtocolHeader, ProtocolVersion)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	return &HTTPWriter{w: w, flusher: flusher}, nil
}

// Start commits the status line and headers before the first frame.
func (hw *HTTPWriter) Start() {
	if hw.started {
		return
	}
	hw.started = true
	hw.w.WriteHeader(http.StatusOK)
	hw.flusher.Flush()
}

// WriteFrame encodes and flushes one frame.
func (hw *HTTPWriter) WriteFrame(f Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	hw.Start()
	if _, err := hw.w.Write(data); err != nil {
		return err
	}
	hw.flusher.Flush()
	return nil
}

// WebsocketWriter sends each frame as one text message carrying the same record.
type WebsocketWriter struct {
	ctx     context.Context
	conn    *websocket.Conn
	timeout time.Duration
}

// NewWebsocketWriter wraps conn. Writes are bounded by timeout (0 uses a default).
func NewWebsocketWriter(ctx context.Context, conn *websocket.Conn, timeout time.Duration) *WebsocketWriter {
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &WebsocketWriter{ctx: ctx, conn: conn, timeout: timeout}
}

// WriteFrame sends one frame.
func (ww *WebsocketWriter) WriteFrame(f Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ww.ctx, ww.timeout)
	defer cancel()
	return ww.conn.Write(ctx, websocket.MessageText, data)
}
