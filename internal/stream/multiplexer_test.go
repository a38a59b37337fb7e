package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/internal/config"
	"github.com/atelierhq/atelier/internal/core"
	"github.com/atelierhq/atelier/internal/core/engine"
	"github.com/atelierhq/atelier/internal/core/store"
)

// sliceSource replays events, then ends with err (io.EOF when nil).
type sliceSource struct {
	events []Event
	err    error
	pos    int
	closed bool
}

func (s *sliceSource) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if s.pos < len(s.events) {
		ev := s.events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.err != nil {
		return Event{}, s.err
	}
	return Event{}, io.EOF
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

// bufferWriter encodes frames into a buffer and fails after failAfter frames when set.
type bufferWriter struct {
	buf       bytes.Buffer
	written   int
	failAfter int
}

func (b *bufferWriter) WriteFrame(f Frame) error {
	if b.failAfter > 0 && b.written >= b.failAfter {
		return errors.New("broken pipe")
	}
	data, err := f.Encode()
	if err != nil {
		return err
	}
	b.buf.Write(data)
	b.written++
	return nil
}

func (b *bufferWriter) frames(t *testing.T) []RawFrame {
	t.Helper()
	frames, err := DecodeFrames(bytes.NewReader(b.buf.Bytes()))
	require.NoError(t, err)
	return frames
}

type memoryTranscripts struct {
	mu      sync.Mutex
	entries []core.Transcript
	err     error
}

func (m *memoryTranscripts) AppendTranscript(_ context.Context, t core.Transcript) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	m.entries = append(m.entries, t)
	return true, nil
}

func (m *memoryTranscripts) only(t *testing.T) core.Transcript {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.entries, 1)
	return m.entries[0]
}

func newMultiplexer(transcripts TranscriptStore) *Multiplexer {
	return &Multiplexer{Transcripts: transcripts, PersistPartial: true}
}

func turnInfo() TurnInfo {
	return TurnInfo{TurnID: "turn-1", SessionID: "session-1", CallerKey: "1.2.3.4"}
}

func TestRun_TokensThenImage(t *testing.T) {
	transcripts := &memoryTranscripts{}
	mux := newMultiplexer(transcripts)
	src := &sliceSource{events: []Event{
		TextDelta("Here"), TextDelta(" is"), TextDelta(" your"), TextDelta(" walnut"), TextDelta(" desk."),
		ToolCall("call-1", "render", map[string]any{"prompt": "walnut desk"}),
		ToolResult("call-1", "render", map[string]any{"status": "success", "imageUrl": "https://x/y.png"}, nil),
	}}
	w := &bufferWriter{}

	outcome := mux.Run(context.Background(), src, w, turnInfo())
	require.Equal(t, StatusCompleted, outcome.Status)
	require.NoError(t, outcome.Err)
	assert.True(t, outcome.Persisted)
	assert.True(t, src.closed)

	want := "Here is your walnut desk.\n\n![](https://x/y.png)\n\n"
	assert.Equal(t, want, outcome.Content)

	frames := w.frames(t)
	kinds := make([]FrameKind, 0, len(frames))
	for _, f := range frames {
		kinds = append(kinds, f.Kind)
	}
	assert.Equal(t, []FrameKind{
		FrameText, FrameText, FrameText, FrameText, FrameText,
		FrameToolCall, FrameText, FrameToolResult, FrameFinish,
	}, kinds)
	assert.JSONEq(t, `{"finishReason":"stop"}`, string(frames[len(frames)-1].Payload))

	seen, err := Reconstruct(frames)
	require.NoError(t, err)
	assert.Equal(t, want, seen)

	saved := transcripts.only(t)
	assert.Equal(t, want, saved.Content)
	assert.Equal(t, core.RoleAssistant, saved.Role)
	assert.False(t, saved.Partial)
	require.Len(t, saved.ToolCalls, 1)
	assert.Equal(t, "https://x/y.png", saved.ToolCalls[0].Result["imageUrl"])
	assert.Equal(t, "walnut desk", saved.ToolCalls[0].Args["prompt"])
}

func TestRun_PriceSearchAndMetadataOnlyResults(t *testing.T) {
	transcripts := &memoryTranscripts{}
	src := &sliceSource{events: []Event{
		ToolResult("c1", "price_search", map[string]any{"status": "success", "text": "Desks run $400-$900."}, nil),
		ToolResult("c2", "quote", map[string]any{"status": "success", "requestId": "q-1"}, nil),
	}}
	w := &bufferWriter{}

	outcome := newMultiplexer(transcripts).Run(context.Background(), src, w, turnInfo())
	assert.Equal(t, "\n\nDesks run $400-$900.\n\n", outcome.Content)

	seen, err := Reconstruct(w.frames(t))
	require.NoError(t, err)
	assert.Equal(t, outcome.Content, seen)
}

func TestRun_CapabilityErrorBecomesApology(t *testing.T) {
	transcripts := &memoryTranscripts{}
	src := &sliceSource{events: []Event{
		TextDelta("One moment."),
		ToolCall("c1", "render", nil),
		ToolResult("c1", "render", ErrorResult("upstream 500: secret detail", ""), nil),
	}}
	w := &bufferWriter{}

	outcome := newMultiplexer(transcripts).Run(context.Background(), src, w, turnInfo())
	require.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "One moment."+ApologyFragment, outcome.Content)

	frames := w.frames(t)
	assert.NotContains(t, w.buf.String(), "secret detail")
	var resultFrame RawFrame
	for _, f := range frames {
		if f.Kind == FrameToolResult {
			resultFrame = f
		}
	}
	assert.JSONEq(t, `{"toolCallId":"c1","result":{"status":"error"}}`, string(resultFrame.Payload))

	saved := transcripts.only(t)
	assert.Equal(t, outcome.Content, saved.Content)
	assert.Equal(t, "upstream 500: secret detail", saved.ToolCalls[0].Result["error"])
}

func TestRun_UpstreamErrorEmitsErrorFrame(t *testing.T) {
	transcripts := &memoryTranscripts{}
	src := &sliceSource{
		events: []Event{TextDelta("Hel"), TextDelta("lo")},
		err:    errors.New("provider reset connection"),
	}
	w := &bufferWriter{}

	outcome := newMultiplexer(transcripts).Run(context.Background(), src, w, turnInfo())
	require.Equal(t, StatusFailed, outcome.Status)
	require.Error(t, outcome.Err)

	frames := w.frames(t)
	require.Len(t, frames, 3)
	last := frames[2]
	assert.Equal(t, FrameError, last.Kind)
	assert.Equal(t, `"`+ErrorMessage+`"`, string(last.Payload))
	assert.NotContains(t, w.buf.String(), "provider reset")

	seen, err := Reconstruct(frames)
	require.NoError(t, err)
	saved := transcripts.only(t)
	assert.Equal(t, seen, saved.Content)
	assert.Equal(t, "Hello", saved.Content)
	assert.True(t, saved.Partial)
}

func TestRun_TimeoutUsesTimeoutMessage(t *testing.T) {
	src := &sliceSource{err: context.DeadlineExceeded}
	w := &bufferWriter{}

	outcome := newMultiplexer(&memoryTranscripts{}).Run(context.Background(), src, w, turnInfo())
	require.Equal(t, StatusFailed, outcome.Status)
	frames := w.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, `"`+TimeoutErrorMessage+`"`, string(frames[0].Payload))
	assert.False(t, outcome.Persisted, "nothing was shown, nothing to keep")
}

func TestRun_ClientWriteFailurePersistsPartial(t *testing.T) {
	transcripts := &memoryTranscripts{}
	src := &sliceSource{events: []Event{TextDelta("a"), TextDelta("b"), TextDelta("c"), TextDelta("d")}}
	w := &bufferWriter{failAfter: 2}

	outcome := newMultiplexer(transcripts).Run(context.Background(), src, w, turnInfo())
	require.Equal(t, StatusClientGone, outcome.Status)
	assert.True(t, src.closed, "upstream must be closed")
	assert.Equal(t, 3, src.pos, "no events consumed after the failed write")

	saved := transcripts.only(t)
	assert.True(t, saved.Partial)
	assert.Equal(t, "ab", saved.Content, "only delivered text is kept")
}

func TestRun_PartialPersistenceDisabled(t *testing.T) {
	transcripts := &memoryTranscripts{}
	mux := &Multiplexer{Transcripts: transcripts}
	src := &sliceSource{events: []Event{TextDelta("a")}, err: errors.New("boom")}

	outcome := mux.Run(context.Background(), src, &bufferWriter{}, turnInfo())
	assert.False(t, outcome.Persisted)
	assert.Empty(t, transcripts.entries)
}

func TestRun_PersistFailureDoesNotChangeOutcome(t *testing.T) {
	transcripts := &memoryTranscripts{err: errors.New("disk full")}
	src := &sliceSource{events: []Event{TextDelta("hi")}}
	w := &bufferWriter{}

	outcome := newMultiplexer(transcripts).Run(context.Background(), src, w, turnInfo())
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.False(t, outcome.Persisted)
	assert.Equal(t, FrameFinish, w.frames(t)[1].Kind)
}

func openQuotaStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "quota.db")}
	s, err := store.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestRun_SettlesOnlyDeliveredSuccesses(t *testing.T) {
	counters := openQuotaStore(t)
	quotas := &engine.QuotaManager{Store: counters, Limits: map[string]int{"render": 2}, Window: 24 * time.Hour}
	ctx := context.Background()
	ledger := quotas.NewLedger("1.2.3.4", nil)

	ok, _, err := ledger.Acquire(ctx, "render")
	require.NoError(t, err)
	failed, _, err := ledger.Acquire(ctx, "render")
	require.NoError(t, err)

	turn := turnInfo()
	turn.Ledger = ledger
	src := &sliceSource{events: []Event{
		ToolResult("c1", "render", map[string]any{"status": "success", "imageUrl": "/media/a.png"}, ok),
		ToolResult("c2", "render", ErrorResult("generation failed", ""), failed),
	}}

	newMultiplexer(&memoryTranscripts{}).Run(ctx, src, &bufferWriter{}, turn)

	record, err := counters.GetQuotaRecord(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, record)
	usage := record.Usage("render")
	require.NotNil(t, usage)
	assert.Equal(t, 1, usage.Count)
	assert.Equal(t, "/media/a.png", usage.CallLog[0].Metadata["imageUrl"])
}

func TestRun_QuotaDenialScenario(t *testing.T) {
	counters := openQuotaStore(t)
	quotas := &engine.QuotaManager{Store: counters, Limits: map[string]int{"render": 2}, Window: 24 * time.Hour}
	ctx := context.Background()

	ledger := quotas.NewLedger("1.2.3.4", nil)
	first, _, err := ledger.Acquire(ctx, "render")
	require.NoError(t, err)
	second, _, err := ledger.Acquire(ctx, "render")
	require.NoError(t, err)
	ticket, decision, err := ledger.Acquire(ctx, "render")
	require.NoError(t, err)
	require.Nil(t, ticket)
	assert.Equal(t, 2, decision.CurrentCount)

	turn := turnInfo()
	turn.Ledger = ledger
	src := &sliceSource{events: []Event{
		ToolResult("c1", "render", map[string]any{"status": "success", "imageUrl": "/media/a.png"}, first),
		ToolResult("c2", "render", map[string]any{"status": "success", "imageUrl": "/media/b.png"}, second),
		ToolCall("c3", "render", map[string]any{"prompt": "desk"}),
		ToolResult("c3", "render", ErrorResult("daily render limit reached", QuotaExceededCode), nil),
	}}
	w := &bufferWriter{}

	outcome := newMultiplexer(&memoryTranscripts{}).Run(ctx, src, w, turn)
	assert.True(t, strings.HasSuffix(outcome.Content, QuotaApologyFragment))

	textFrames := 0
	for _, f := range w.frames(t) {
		if f.Kind == FrameText {
			textFrames++
		}
	}
	assert.Equal(t, 3, textFrames)

	record, err := counters.GetQuotaRecord(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, 2, record.Usage("render").Count)
}

func TestRun_UndeliveredResultIsNotCharged(t *testing.T) {
	counters := openQuotaStore(t)
	quotas := &engine.QuotaManager{Store: counters, Limits: map[string]int{"render": 2}, Window: 24 * time.Hour}
	ctx := context.Background()
	ledger := quotas.NewLedger("1.2.3.4", nil)

	ticket, _, err := ledger.Acquire(ctx, "render")
	require.NoError(t, err)
	require.NotNil(t, ticket)

	turn := turnInfo()
	turn.Ledger = ledger
	src := &sliceSource{events: []Event{
		ToolResult("c1", "render", map[string]any{"status": "success", "imageUrl": "/media/a.png"}, ticket),
	}}
	// The image fragment is delivered, the result frame is not.
	w := &bufferWriter{failAfter: 1}

	outcome := newMultiplexer(&memoryTranscripts{}).Run(ctx, src, w, turn)
	require.Equal(t, StatusClientGone, outcome.Status)

	record, err := counters.GetQuotaRecord(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Nil(t, record.Usage("render"), "nothing is charged for an undelivered result")
}
