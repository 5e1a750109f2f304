package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/classifier"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/contextbuilder"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/dispatcher"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/extractor"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/llm"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/media"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/response"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/storage"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/storage/sqlite"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

// createTestStore creates an in-memory SQLite store for testing.
func createTestStore(t *testing.T) *sqlite.MemoryStore {
	t.Helper()
	store, err := sqlite.NewMemoryStore(":memory:", storage.DefaultLimits())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseBackoff = time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

// flakyStore fails AppendTurn a fixed number of times.
type flakyStore struct {
	storage.MemoryStore
	failures int32
	calls    int32
}

func (f *flakyStore) AppendTurn(ctx context.Context, turn *types.ConversationTurn) error {
	if atomic.AddInt32(&f.calls, 1) <= atomic.LoadInt32(&f.failures) {
		return errors.New("database is locked")
	}
	return f.MemoryStore.AppendTurn(ctx, turn)
}

type completion struct {
	job *PersistJob
	err error
}

func startPersister(t *testing.T, store storage.MemoryStore, cfg Config) (*Persister, <-chan completion) {
	t.Helper()
	p, err := NewPersister(store, extractor.NewDefault(), cfg, zerolog.Nop())
	require.NoError(t, err)

	done := make(chan completion, 16)
	p.OnComplete(func(job *PersistJob, err error) { done <- completion{job, err} })
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, done
}

func waitCompletion(t *testing.T, done <-chan completion) completion {
	t.Helper()
	select {
	case c := <-done:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for persistence")
		return completion{}
	}
}

func TestPersister_PersistsExchange(t *testing.T) {
	store := createTestStore(t)
	p, done := startPersister(t, store, testConfig())

	var changed []string
	var mu sync.Mutex
	p.OnFactsChanged(func(u string) {
		mu.Lock()
		defer mu.Unlock()
		changed = append(changed, u)
	})

	ok := p.Enqueue(&PersistJob{
		TurnID:        "turn-1",
		UserID:        "u1",
		UserMessage:   "My name is Dara.",
		ModelResponse: "Nice to meet you, Dara.",
		MessageType:   types.QueryGeneral,
		Usage: []types.UsageEvent{{
			UserID: "u1", Provider: "openai", Endpoint: "fast",
			Metrics: types.UsageMetrics{LatencyMs: 12, Success: true},
		}},
	})
	require.True(t, ok)

	c := waitCompletion(t, done)
	require.NoError(t, c.err)

	ctx := context.Background()
	turns, err := store.GetRecentTurns(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "turn-1", turns[0].ID)

	facts, err := store.GetFacts(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "User's name: Dara", facts[0].FactText)
	assert.Equal(t, types.ImportanceHigh, facts[0].Importance)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Usage)

	mu.Lock()
	assert.Equal(t, []string{"u1"}, changed)
	mu.Unlock()
}

func TestPersister_NoTriggerNoFacts(t *testing.T) {
	store := createTestStore(t)
	p, done := startPersister(t, store, testConfig())

	require.True(t, p.Enqueue(&PersistJob{UserID: "u1", UserMessage: "hi", ModelResponse: "hello"}))
	require.NoError(t, waitCompletion(t, done).err)

	facts, err := store.GetFacts(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestPersister_RetriesThenSucceeds(t *testing.T) {
	store := &flakyStore{MemoryStore: createTestStore(t), failures: 2}
	p, done := startPersister(t, store, testConfig())

	require.True(t, p.Enqueue(&PersistJob{UserID: "u1", UserMessage: "I prefer short answers", ModelResponse: "Noted."}))
	c := waitCompletion(t, done)
	require.NoError(t, c.err)
	assert.Equal(t, 2, c.job.Attempt)
	assert.Equal(t, int32(3), atomic.LoadInt32(&store.calls))

	turns, err := store.GetRecentTurns(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestPersister_GivesUpAfterMaxRetries(t *testing.T) {
	store := &flakyStore{MemoryStore: createTestStore(t), failures: 100}
	cfg := testConfig()
	cfg.MaxRetries = 2
	p, done := startPersister(t, store, cfg)

	require.True(t, p.Enqueue(&PersistJob{UserID: "u1", UserMessage: "x", ModelResponse: "y"}))
	c := waitCompletion(t, done)
	require.Error(t, c.err)
	assert.Equal(t, 2, c.job.Attempt)
	assert.Equal(t, int32(3), atomic.LoadInt32(&store.calls))
}

func TestPersister_SkipMemoryRecordsUsageOnly(t *testing.T) {
	store := createTestStore(t)
	p, done := startPersister(t, store, testConfig())

	require.True(t, p.Enqueue(&PersistJob{
		UserID: "u1", UserMessage: "My name is Dara.", ModelResponse: dispatcher.DefaultFallbackText,
		SkipMemory: true,
		Usage:      []types.UsageEvent{{UserID: "u1", Provider: "static", Endpoint: "fallback"}},
	}))
	require.NoError(t, waitCompletion(t, done).err)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Turns)
	assert.Equal(t, int64(0), stats.Facts)
	assert.Equal(t, int64(1), stats.Usage)
}

func TestPersister_Lifecycle(t *testing.T) {
	store := createTestStore(t)
	p, err := NewPersister(store, extractor.NewDefault(), testConfig(), zerolog.Nop())
	require.NoError(t, err)

	assert.False(t, p.Enqueue(&PersistJob{UserID: "u1"}), "enqueue before start")
	assert.ErrorIs(t, p.Shutdown(context.Background()), ErrNotStarted)

	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)

	for i := 0; i < 5; i++ {
		require.True(t, p.Enqueue(&PersistJob{UserID: "u1", UserMessage: "q", ModelResponse: "a"}))
	}
	require.NoError(t, p.Shutdown(context.Background()))

	turns, err := store.GetRecentTurns(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Len(t, turns, 5, "shutdown drains queued jobs")

	assert.False(t, p.Enqueue(&PersistJob{UserID: "u1"}), "enqueue after shutdown")
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Workers = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.QueueSize = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MaxRetries = -1
	assert.Error(t, bad.Validate())

	assert.Equal(t, 4*cfg.BaseBackoff, cfg.backoff(2))
}

// --- pipeline ---

type harness struct {
	pipeline *Pipeline
	store    *sqlite.MemoryStore
	done     <-chan completion
}

func backend(name, text string, err error) *llm.FuncBackend {
	return &llm.FuncBackend{ID: name, Service: "test", Generate: func(ctx context.Context, req llm.Request) (string, error) {
		return text, err
	}}
}

func newHarness(t *testing.T, fast, reasoning llm.Backend) *harness {
	t.Helper()
	store := createTestStore(t)
	persister, done := startPersister(t, store, testConfig())

	dcfg := dispatcher.DefaultConfig()
	dcfg.FastTimeout = time.Second
	dcfg.ReasoningTimeout = time.Second

	p, err := NewPipeline(PipelineDeps{
		Classifier: classifier.NewDefault(),
		Context:    contextbuilder.New(store, contextbuilder.DefaultConfig(), zerolog.Nop()),
		Dispatcher: dispatcher.New(dcfg, dispatcher.Backends{Fast: fast, Reasoning: reasoning}, zerolog.Nop()),
		Assembler:  response.New(response.DefaultConfig()),
		Media:      media.NewRegistry(&media.TextExtractor{}),
		Store:      store,
		Persister:  persister,
	}, zerolog.Nop())
	require.NoError(t, err)
	return &harness{pipeline: p, store: store, done: done}
}

type sink struct {
	mu     sync.Mutex
	chunks []response.Chunk
	err    error
}

func (s *sink) deliver(ctx context.Context, chunks []response.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunks...)
	return s.err
}

func (s *sink) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var parts []string
	for _, c := range s.chunks {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, "\n")
}

func TestPipeline_HandleAndPersist(t *testing.T) {
	h := newHarness(t, backend("fast", "Nice to meet you, **Dara**.", nil), backend("reasoning", "deep", nil))
	ctx := context.Background()
	out := &sink{}

	reply, err := h.pipeline.Handle(ctx, Message{UserID: "u1", Text: "My name is Dara."}, out.deliver)
	require.NoError(t, err)
	assert.Equal(t, "Nice to meet you, Dara.", out.text())
	assert.Equal(t, dispatcher.OutcomePrimary, reply.BackendUsed)
	assert.NotEmpty(t, reply.RequestID)

	require.NoError(t, waitCompletion(t, h.done).err)

	facts, err := h.store.GetFacts(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "User's name: Dara", facts[0].FactText)

	turns, err := h.store.GetRecentTurns(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, reply.RequestID, turns[0].Metadata["request_id"])
	assert.Equal(t, "primary", turns[0].Metadata["backend_used"])
}

func TestPipeline_NextRequestSeesFacts(t *testing.T) {
	var lastSystem atomic.Value
	fast := &llm.FuncBackend{ID: "fast", Service: "test", Generate: func(ctx context.Context, req llm.Request) (string, error) {
		lastSystem.Store(req.System)
		return "ok", nil
	}}
	h := newHarness(t, fast, backend("reasoning", "deep", nil))
	ctx := context.Background()

	_, err := h.pipeline.Handle(ctx, Message{UserID: "u1", Text: "My name is Dara."}, (&sink{}).deliver)
	require.NoError(t, err)
	require.NoError(t, waitCompletion(t, h.done).err)

	_, err = h.pipeline.Handle(ctx, Message{UserID: "u1", Text: "hello"}, (&sink{}).deliver)
	require.NoError(t, err)
	assert.Contains(t, lastSystem.Load().(string), "User's name: Dara")
}

func TestPipeline_StaticFallbackSkipsMemory(t *testing.T) {
	boom := errors.New("down")
	h := newHarness(t, backend("fast", "", boom), backend("reasoning", "", boom))
	out := &sink{}

	reply, err := h.pipeline.Handle(context.Background(), Message{UserID: "u1", Text: "My name is Dara."}, out.deliver)
	require.NoError(t, err)
	assert.Equal(t, dispatcher.OutcomeStatic, reply.BackendUsed)
	assert.Equal(t, dispatcher.DefaultFallbackText, out.text())

	c := waitCompletion(t, h.done)
	require.NoError(t, c.err)
	assert.True(t, c.job.SkipMemory)

	stats, err := h.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Turns)
	assert.Equal(t, int64(3), stats.Usage, "two failed attempts plus the fallback")
}

func TestPipeline_ClearCommand(t *testing.T) {
	h := newHarness(t, backend("fast", "ok", nil), nil)
	ctx := context.Background()

	_, err := h.store.UpsertFact(ctx, storage.FactInput{UserID: "u1", Text: "User's name: Dara"})
	require.NoError(t, err)
	require.NoError(t, h.store.AppendTurn(ctx, &types.ConversationTurn{UserID: "u1", UserMessage: "a", ModelResponse: "b"}))

	// Warm the context cache so clearing must invalidate it.
	h.pipeline.context.Assemble(ctx, "u1", "x")

	for _, cmd := range []string{"/clear", "Clear my data.", "/clear@vault_bot"} {
		assert.True(t, IsClearCommand(cmd), cmd)
	}
	assert.False(t, IsClearCommand("how do I clear my data from the bank app?"))

	out := &sink{}
	reply, err := h.pipeline.Handle(ctx, Message{UserID: "u1", Text: "/clear"}, out.deliver)
	require.NoError(t, err)
	assert.True(t, reply.Cleared)
	assert.Equal(t, ClearedText, out.text())

	facts, err := h.store.GetFacts(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, facts)

	block := h.pipeline.context.Assemble(ctx, "u1", "x")
	assert.Equal(t, 0, block.Facts)
	assert.Equal(t, 0, block.Turns)
}

func TestPipeline_Attachment(t *testing.T) {
	var lastPrompt atomic.Value
	reasoning := &llm.FuncBackend{ID: "reasoning", Service: "test", Generate: func(ctx context.Context, req llm.Request) (string, error) {
		lastPrompt.Store(req.Prompt)
		return "summary", nil
	}}
	h := newHarness(t, backend("fast", "fast", nil), reasoning)

	reply, err := h.pipeline.Handle(context.Background(), Message{
		UserID:     "u1",
		Text:       "summarise this",
		Attachment: &Attachment{Kind: "text/plain", Filename: "notes.txt", Data: []byte("Q3 revenue grew 4%.")},
	}, (&sink{}).deliver)
	require.NoError(t, err)
	assert.Equal(t, types.QueryMultimodal, reply.Classification.Type)
	assert.Equal(t, "[Attached document: notes.txt]\nQ3 revenue grew 4%.\n\nsummarise this", lastPrompt.Load())
}

func TestPipeline_UnreadableAttachmentAlone(t *testing.T) {
	h := newHarness(t, backend("fast", "fast", nil), nil)
	out := &sink{}

	_, err := h.pipeline.Handle(context.Background(), Message{
		UserID:     "u1",
		Attachment: &Attachment{Kind: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}},
	}, out.deliver)
	require.NoError(t, err)
	assert.Equal(t, AttachmentErrorText, out.text())
}

func TestPipeline_DeliveryFailureSkipsPersistence(t *testing.T) {
	h := newHarness(t, backend("fast", "ok", nil), nil)
	out := &sink{err: errors.New("telegram down")}

	_, err := h.pipeline.Handle(context.Background(), Message{UserID: "u1", Text: "My name is Dara."}, out.deliver)
	require.Error(t, err)

	select {
	case <-h.done:
		t.Fatal("nothing should be persisted")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewPipeline_RequiresDeps(t *testing.T) {
	_, err := NewPipeline(PipelineDeps{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestPipeline_DualReplyKeepsBothSections(t *testing.T) {
	h := newHarness(t, backend("fast", "unused", nil), backend("reasoning", "unused", nil))

	long := func(word string) string {
		return strings.TrimSpace(strings.Repeat("The "+word+" outlook stays steady this quarter. ", 250))
	}
	cls := types.DefaultClassification()
	cls.MaxResponseTokens = 2500
	result := dispatcher.Result{
		Text:        "## Fast analysis\n\n" + long("fast") + "\n\n## Deep analysis\n\n" + long("deep"),
		BackendUsed: dispatcher.OutcomeDual,
		Sections: []dispatcher.Section{
			{Label: "## Fast analysis", Text: long("fast")},
			{Label: "## Deep analysis", Text: long("deep")},
		},
	}

	chunks := h.pipeline.assemble(result, cls)
	var parts []string
	for _, c := range chunks {
		parts = append(parts, c.Text)
	}
	joined := strings.Join(parts, "\n")
	assert.Contains(t, joined, "## Deep analysis")
	assert.Contains(t, joined, "The deep outlook")
}
