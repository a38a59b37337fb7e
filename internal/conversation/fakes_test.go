package conversation

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/internal/ailink/content"
	"github.com/atelierhq/atelier/internal/ailink/driver"
	"github.com/atelierhq/atelier/internal/config"
	"github.com/atelierhq/atelier/internal/core"
	"github.com/atelierhq/atelier/internal/core/store"
	"github.com/atelierhq/atelier/internal/stream"
)

// scriptedChat replays one chunk script per Stream call.
type scriptedChat struct {
	mu       sync.Mutex
	steps    [][]driver.Chunk
	requests []*driver.Request
	// block makes Stream return a stream that waits for cancellation.
	block bool
}

func (c *scriptedChat) Stream(ctx context.Context, req *driver.Request) (driver.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *req
	copied.Messages = append([]content.Message(nil), req.Messages...)
	c.requests = append(c.requests, &copied)
	if c.block {
		return &blockingStream{ctx: ctx}, nil
	}
	if len(c.steps) == 0 {
		return nil, errors.New("no scripted step left")
	}
	step := c.steps[0]
	c.steps = c.steps[1:]
	return &chunkStream{chunks: step}, nil
}

func (c *scriptedChat) Name() string { return "scripted" }

func (c *scriptedChat) Capabilities() driver.Capabilities {
	return driver.Capabilities{SupportsTools: true, SupportsStreaming: true}
}

func (c *scriptedChat) request(t *testing.T, i int) *driver.Request {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Greater(t, len(c.requests), i)
	return c.requests[i]
}

type chunkStream struct {
	chunks []driver.Chunk
}

func (s *chunkStream) Recv() (driver.Chunk, error) {
	if len(s.chunks) == 0 {
		return driver.Chunk{}, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func (s *chunkStream) Close() error { return nil }

type blockingStream struct {
	ctx context.Context
}

func (s *blockingStream) Recv() (driver.Chunk, error) {
	<-s.ctx.Done()
	return driver.Chunk{}, errors.New("connection closed")
}

func (s *blockingStream) Close() error { return nil }

func text(delta string) driver.Chunk {
	return driver.Chunk{TextDelta: delta}
}

func toolCall(id, name, args string) driver.Chunk {
	return driver.Chunk{ToolCalls: []driver.ToolCall{{ID: id, Name: name, Arguments: args}}, FinishReason: "tool_calls"}
}

type fakeImages struct {
	mu    sync.Mutex
	calls int
	data  []byte
}

func (f *fakeImages) GenerateImage(_ context.Context, req *driver.ImageRequest) (*driver.ImageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &driver.ImageResponse{Images: []content.ContentBlock{{Type: content.ContentTypePNG, Data: f.data}}}, nil
}

func (f *fakeImages) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memoryQuotes struct {
	mu    sync.Mutex
	saved []core.QuoteRequest
}

func (m *memoryQuotes) SaveQuoteRequest(_ context.Context, q core.QuoteRequest) (core.QuoteRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.ID = "quote-1"
	m.saved = append(m.saved, q)
	return q, nil
}

// funcCapability adapts a function to Capability.
type funcCapability struct {
	name string
	fn   func(ctx context.Context, call Call) (map[string]any, error)
}

func (f funcCapability) Tool() driver.Tool { return driver.Tool{Name: f.name} }

func (f funcCapability) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	return f.fn(ctx, call)
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, x, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "atelier.db")}
	s, err := store.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// drain reads src to the end.
func drain(t *testing.T, src stream.Source) ([]stream.Event, error) {
	t.Helper()
	defer src.Close() // nolint:errcheck
	var events []stream.Event
	for {
		ev, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}
