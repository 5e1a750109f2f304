package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/llm"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

func replying(name, text string, delay time.Duration) *llm.FuncBackend {
	return &llm.FuncBackend{ID: name, Service: "test", Generate: func(ctx context.Context, req llm.Request) (string, error) {
		select {
		case <-time.After(delay):
			return text, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
}

func hanging(name string) *llm.FuncBackend {
	return &llm.FuncBackend{ID: name, Service: "test", Generate: func(ctx context.Context, req llm.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
}

// stubborn ignores cancellation entirely.
func stubborn(name string, release <-chan struct{}) *llm.FuncBackend {
	return &llm.FuncBackend{ID: name, Service: "test", Generate: func(ctx context.Context, req llm.Request) (string, error) {
		<-release
		return "late", nil
	}}
}

func failing(name string) *llm.FuncBackend {
	return &llm.FuncBackend{ID: name, Service: "test", Generate: func(ctx context.Context, req llm.Request) (string, error) {
		return "", errors.New("upstream 503")
	}}
}

func testConfig() Config {
	return Config{
		OuterDeadline:    2 * time.Second,
		FastTimeout:      300 * time.Millisecond,
		ReasoningTimeout: 150 * time.Millisecond,
	}
}

func classification(pref types.Backend) types.QueryClassification {
	c := types.DefaultClassification()
	c.PreferredBackend = pref
	return c
}

func TestDispatch_PrimarySuccess(t *testing.T) {
	d := New(testConfig(), Backends{
		Fast:      replying("fast", "quick answer", 0),
		Reasoning: failing("reasoning"),
	}, zerolog.Nop())

	res := d.Dispatch(context.Background(), "hi", classification(types.BackendFast), "")
	assert.Equal(t, "quick answer", res.Text)
	assert.Equal(t, OutcomePrimary, res.BackendUsed)
	assert.Equal(t, []string{"fast"}, res.Backends)
	require.Len(t, res.Attempts, 1)
	assert.NoError(t, res.Attempts[0].Err)
}

// Primary times out, secondary answers: the secondary's text is returned and
// the elapsed time covers the primary timeout plus the secondary latency.
func TestDispatch_PrimaryTimeoutFallsBackToSecondary(t *testing.T) {
	cfg := testConfig()
	d := New(cfg, Backends{
		Fast:      replying("fast", "answer from B", 20*time.Millisecond),
		Reasoning: hanging("reasoning"),
	}, zerolog.Nop())

	res := d.Dispatch(context.Background(), "compare strategies", classification(types.BackendReasoning), "ctx")
	assert.Equal(t, "answer from B", res.Text)
	assert.Equal(t, OutcomeSecondary, res.BackendUsed)
	assert.GreaterOrEqual(t, res.ElapsedMs, cfg.ReasoningTimeout.Milliseconds())
	assert.Less(t, res.ElapsedMs, int64(1000))

	require.Len(t, res.Attempts, 2)
	assert.Equal(t, "reasoning", res.Attempts[0].Backend)
	assert.Equal(t, "timeout", llm.ErrorKind(res.Attempts[0].Err))
	assert.Equal(t, OutcomeSecondary, res.Attempts[1].Stage)
}

func TestDispatch_BothFailReturnsFallback(t *testing.T) {
	d := New(testConfig(), Backends{
		Fast:      failing("fast"),
		Reasoning: failing("reasoning"),
	}, zerolog.Nop())

	res := d.Dispatch(context.Background(), "hi", classification(types.BackendFast), "")
	assert.Equal(t, DefaultFallbackText, res.Text)
	assert.Equal(t, OutcomeStatic, res.BackendUsed)
	assert.Empty(t, res.Backends)
	assert.Len(t, res.Attempts, 2)
}

func TestDispatch_EmptyTextCountsAsFailure(t *testing.T) {
	d := New(testConfig(), Backends{
		Fast:      replying("fast", "   ", 0),
		Reasoning: replying("reasoning", "deep", 0),
	}, zerolog.Nop())

	res := d.Dispatch(context.Background(), "hi", classification(types.BackendFast), "")
	assert.Equal(t, "deep", res.Text)
	assert.Equal(t, OutcomeSecondary, res.BackendUsed)
	assert.ErrorIs(t, res.Attempts[0].Err, llm.ErrEmptyResponse)
}

func TestDispatch_DualBothSucceed(t *testing.T) {
	d := New(testConfig(), Backends{
		Fast:      replying("fast", "fast take", 10*time.Millisecond),
		Reasoning: replying("reasoning", "deep take", 30*time.Millisecond),
	}, zerolog.Nop())

	res := d.Dispatch(context.Background(), "x", classification(types.BackendBoth), "")
	assert.Equal(t, OutcomeDual, res.BackendUsed)
	assert.Equal(t, []string{"fast", "reasoning"}, res.Backends)
	assert.Contains(t, res.Text, "## Fast analysis\n\nfast take")
	assert.Contains(t, res.Text, "## Deep analysis\n\ndeep take")
	assert.Less(t, strings.Index(res.Text, "fast take"), strings.Index(res.Text, "deep take"))
	assert.Len(t, res.Attempts, 2)
	assert.Equal(t, []Section{
		{Label: "## Fast analysis", Text: "fast take"},
		{Label: "## Deep analysis", Text: "deep take"},
	}, res.Sections)
}

func TestDispatch_DualPartialFailureIsLabeled(t *testing.T) {
	d := New(testConfig(), Backends{
		Fast:      failing("fast"),
		Reasoning: replying("reasoning", "deep take", 0),
	}, zerolog.Nop())

	res := d.Dispatch(context.Background(), "x", classification(types.BackendBoth), "")
	assert.Equal(t, OutcomeDual, res.BackendUsed)
	assert.Equal(t, []string{"reasoning"}, res.Backends)
	assert.Equal(t, "## Deep analysis\n\ndeep take", res.Text)
	assert.Equal(t, []Section{{Label: "## Deep analysis", Text: "deep take"}}, res.Sections)
}

func TestDispatch_DualTotalFailureTriesSecondaryOnce(t *testing.T) {
	var fastCalls int32
	fast := &llm.FuncBackend{ID: "fast", Service: "test", Generate: func(ctx context.Context, req llm.Request) (string, error) {
		if atomic.AddInt32(&fastCalls, 1) == 1 {
			return "", errors.New("flaky")
		}
		return "recovered", nil
	}}
	d := New(testConfig(), Backends{Fast: fast, Reasoning: failing("reasoning")}, zerolog.Nop())

	res := d.Dispatch(context.Background(), "x", classification(types.BackendBoth), "")
	assert.Equal(t, "recovered", res.Text)
	assert.Equal(t, OutcomeSecondary, res.BackendUsed)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fastCalls))
	assert.Len(t, res.Attempts, 3)
}

func TestDispatch_OuterDeadlineAbandonsCalls(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	cfg := Config{
		OuterDeadline:    100 * time.Millisecond,
		FastTimeout:      time.Minute,
		ReasoningTimeout: time.Minute,
	}
	d := New(cfg, Backends{Fast: stubborn("fast", release), Reasoning: stubborn("reasoning", release)}, zerolog.Nop())

	start := time.Now()
	res := d.Dispatch(context.Background(), "x", classification(types.BackendReasoning), "")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, OutcomeStatic, res.BackendUsed)
	assert.Equal(t, DefaultFallbackText, res.Text)
	// The secondary is skipped once the outer deadline has passed.
	assert.Len(t, res.Attempts, 1)
}

func TestDispatch_SpecializedFunction(t *testing.T) {
	var gotSystem string
	reasoning := &llm.FuncBackend{ID: "reasoning", Service: "anthropic", Generate: func(ctx context.Context, req llm.Request) (string, error) {
		gotSystem = req.System
		return "regime: late cycle", nil
	}}
	specs := llm.BindSpecializations(map[types.Backend]llm.Backend{types.BackendReasoning: reasoning}, llm.DefaultSpecializations())

	d := New(testConfig(), Backends{
		Fast:        replying("fast", "fast", 0),
		Reasoning:   reasoning,
		Specialized: specs,
	}, zerolog.Nop())

	cls := classification(types.BackendReasoning)
	cls.SpecializedFunction = types.FunctionRegimeAnalysis
	res := d.Dispatch(context.Background(), "what regime?", cls, "User location: Phnom Penh")

	assert.Equal(t, "regime: late cycle", res.Text)
	assert.Equal(t, []string{"regime_analysis"}, res.Backends)
	assert.Contains(t, gotSystem, "macroeconomic analyst")
	assert.Contains(t, gotSystem, "User location: Phnom Penh")
}

func TestDispatch_MissingBackendSkipsStage(t *testing.T) {
	d := New(testConfig(), Backends{Fast: replying("fast", "only fast", 0)}, zerolog.Nop())

	res := d.Dispatch(context.Background(), "x", classification(types.BackendReasoning), "")
	assert.Equal(t, "only fast", res.Text)
	assert.Equal(t, OutcomeSecondary, res.BackendUsed)

	res = d.Dispatch(context.Background(), "x", classification(types.BackendBoth), "")
	assert.Equal(t, "only fast", res.Text)
}

func TestDispatch_RequestCarriesBudgetAndContext(t *testing.T) {
	var got llm.Request
	fast := &llm.FuncBackend{ID: "fast", Service: "test", Generate: func(ctx context.Context, req llm.Request) (string, error) {
		got = req
		return "ok", nil
	}}
	d := New(testConfig(), Backends{Fast: fast}, zerolog.Nop())

	cls := classification(types.BackendFast)
	cls.MaxResponseTokens = 300
	cls.NeedsLiveData = true
	d.Dispatch(context.Background(), "price of gold", cls, "Recent conversation:\n- hi")

	assert.Equal(t, "price of gold", got.Prompt)
	assert.Equal(t, 300, got.MaxTokens)
	assert.Equal(t, testConfig().FastTimeout, got.Timeout)
	assert.True(t, strings.HasPrefix(got.System, DefaultSystemPrompt))
	assert.Contains(t, got.System, "live market data")
	assert.True(t, strings.HasSuffix(got.System, "Recent conversation:\n- hi"))
}
