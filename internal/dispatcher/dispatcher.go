// Package dispatcher selects and invokes the model backends for one request
// and walks the fallback chain until a stage produces text.
package dispatcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/llm"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

// DefaultFallbackText is returned when every stage of the chain fails.
const DefaultFallbackText = "Sorry, I couldn't get an answer right now. Please try again in a moment."

// DefaultSystemPrompt frames every backend call.
const DefaultSystemPrompt = "You are Vault, a concise assistant for personal finance and " +
	"Southeast Asian markets. Use the context below when it is relevant and never invent " +
	"facts about the user."

const (
	labelFast      = "## Fast analysis"
	labelReasoning = "## Deep analysis"
)

// Outcome names the stage that produced the final text.
type Outcome string

const (
	OutcomePrimary   Outcome = "primary"
	OutcomeSecondary Outcome = "secondary"
	OutcomeDual      Outcome = "dual"
	OutcomeStatic    Outcome = "static"
)

// Config holds the dispatcher timeouts and texts.
type Config struct {
	OuterDeadline    time.Duration `yaml:"outer_deadline" env:"OUTER_DEADLINE"`
	FastTimeout      time.Duration `yaml:"fast_timeout" env:"FAST_TIMEOUT"`
	ReasoningTimeout time.Duration `yaml:"reasoning_timeout" env:"REASONING_TIMEOUT"`
	FallbackText     string        `yaml:"fallback_text" env:"FALLBACK_TEXT"`
	SystemPrompt     string        `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
}

// DefaultConfig returns the production timeouts.
func DefaultConfig() Config {
	return Config{
		OuterDeadline:    90 * time.Second,
		FastTimeout:      30 * time.Second,
		ReasoningTimeout: 45 * time.Second,
		FallbackText:     DefaultFallbackText,
		SystemPrompt:     DefaultSystemPrompt,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.OuterDeadline <= 0 {
		c.OuterDeadline = d.OuterDeadline
	}
	if c.FastTimeout <= 0 {
		c.FastTimeout = d.FastTimeout
	}
	if c.ReasoningTimeout <= 0 {
		c.ReasoningTimeout = d.ReasoningTimeout
	}
	if strings.TrimSpace(c.FallbackText) == "" {
		c.FallbackText = d.FallbackText
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = d.SystemPrompt
	}
	return c
}

// Backends are the two backend identities and their specialized variants.
type Backends struct {
	Fast        llm.Backend
	Reasoning   llm.Backend
	Specialized map[types.SpecializedFunction]llm.Backend
}

// Attempt records one backend invocation.
type Attempt struct {
	Stage         Outcome
	Backend       string
	Provider      string
	Latency       time.Duration
	PromptChars   int
	ResponseChars int
	Err           error
}

// Result is the dispatcher output. It is always populated; a failed chain
// yields the fallback text with OutcomeStatic.
type Result struct {
	Text        string
	BackendUsed Outcome
	Backends    []string
	ElapsedMs   int64
	Attempts    []Attempt

	// Sections holds each successful leg of a dual dispatch, in leg order.
	// Text is their labelled concatenation.
	Sections []Section
}

// Section is one labelled leg of a dual reply.
type Section struct {
	Label string
	Text  string
}

// Dispatcher runs the fallback chain.
type Dispatcher struct {
	cfg      Config
	backends Backends
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a dispatcher. Either backend may be nil, in which case the
// stages that need it are skipped.
func New(cfg Config, backends Backends, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		backends: backends,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		now:      time.Now,
	}
}

// FallbackText returns the configured apology.
func (d *Dispatcher) FallbackText() string {
	return d.cfg.FallbackText
}

type state int

const (
	stateSelectPath state = iota
	stateAttemptPrimary
	stateAttemptSecondary
	stateStaticFallback
	stateDone
)

// leg is one backend call within a stage.
type leg struct {
	backend llm.Backend
	timeout time.Duration
	label   string
}

type plan struct {
	primary   []leg
	secondary *leg
	dual      bool
}

// Dispatch answers text using cls and the assembled context block. It never
// returns an error; exhaustion of the chain yields the fallback text.
func (d *Dispatcher) Dispatch(ctx context.Context, text string, cls types.QueryClassification, contextBlock string) Result {
	start := d.now()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.OuterDeadline)
	defer cancel()

	req := d.buildRequest(text, cls, contextBlock)

	var (
		res Result
		p   plan
		st  = stateSelectPath
	)
	for st != stateDone {
		switch st {
		case stateSelectPath:
			p = d.selectPath(cls)
			st = stateAttemptPrimary

		case stateAttemptPrimary:
			if len(p.primary) == 0 {
				st = stateAttemptSecondary
				continue
			}
			var ok bool
			if p.dual {
				ok = d.runDual(ctx, p.primary, req, &res)
			} else {
				ok = d.runSingle(ctx, p.primary[0], OutcomePrimary, req, &res)
			}
			if ok {
				st = stateDone
			} else {
				st = stateAttemptSecondary
			}

		case stateAttemptSecondary:
			if p.secondary == nil || ctx.Err() != nil {
				st = stateStaticFallback
				continue
			}
			if d.runSingle(ctx, *p.secondary, OutcomeSecondary, req, &res) {
				st = stateDone
			} else {
				st = stateStaticFallback
			}

		case stateStaticFallback:
			d.logger.Warn().Int("attempts", len(res.Attempts)).Msg("all backends failed, using fallback text")
			res.Text = d.cfg.FallbackText
			res.BackendUsed = OutcomeStatic
			res.Backends = nil
			st = stateDone
		}
	}

	res.ElapsedMs = d.now().Sub(start).Milliseconds()
	return res
}

func (d *Dispatcher) buildRequest(text string, cls types.QueryClassification, contextBlock string) llm.Request {
	var sb strings.Builder
	sb.WriteString(d.cfg.SystemPrompt)
	if cls.NeedsLiveData {
		sb.WriteString("\nThe user may be asking about live market data. Say when figures could be out of date.")
	}
	if strings.TrimSpace(contextBlock) != "" {
		sb.WriteString("\n\n")
		sb.WriteString(contextBlock)
	}
	return llm.Request{
		Prompt:    text,
		System:    sb.String(),
		MaxTokens: cls.MaxResponseTokens,
	}
}

// selectPath maps the classification to the primary stage and the single
// secondary backend.
func (d *Dispatcher) selectPath(cls types.QueryClassification) plan {
	if cls.PreferredBackend == types.BackendBoth {
		fast := d.leg(types.BackendFast, "", labelFast)
		reasoning := d.leg(types.BackendReasoning, cls.SpecializedFunction, labelReasoning)
		if fast != nil && reasoning != nil {
			return plan{
				primary:   []leg{*fast, *reasoning},
				secondary: d.leg(types.BackendFast, "", ""),
				dual:      true,
			}
		}
	}

	if cls.PreferredBackend == types.BackendFast || cls.PreferredBackend == "" {
		return d.chain(d.leg(types.BackendFast, "", ""), d.leg(types.BackendReasoning, "", ""))
	}
	return d.chain(d.leg(types.BackendReasoning, cls.SpecializedFunction, ""), d.leg(types.BackendFast, "", ""))
}

func (d *Dispatcher) chain(primary, secondary *leg) plan {
	if primary == nil {
		return plan{secondary: secondary}
	}
	return plan{primary: []leg{*primary}, secondary: secondary}
}

// leg resolves a backend identity, substituting the specialized variant for
// fn when one is bound.
func (d *Dispatcher) leg(kind types.Backend, fn types.SpecializedFunction, label string) *leg {
	var (
		b       llm.Backend
		timeout time.Duration
	)
	switch kind {
	case types.BackendFast:
		b, timeout = d.backends.Fast, d.cfg.FastTimeout
	case types.BackendReasoning:
		b, timeout = d.backends.Reasoning, d.cfg.ReasoningTimeout
	}
	if b == nil {
		return nil
	}
	if fn != "" {
		if sp, ok := d.backends.Specialized[fn]; ok && sp != nil {
			b = sp
		}
	}
	return &leg{backend: b, timeout: timeout, label: label}
}

type callResult struct {
	text string
	err  error
}

// call invokes one backend under its own timeout. When ctx ends first the
// call is abandoned: its goroutine finishes into a buffered channel nobody
// reads.
func (d *Dispatcher) call(ctx context.Context, l leg, stage Outcome, req llm.Request) (string, Attempt) {
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	req.Timeout = l.timeout

	start := d.now()
	done := make(chan callResult, 1)
	go func() {
		text, err := l.backend.Invoke(callCtx, req)
		done <- callResult{text: text, err: err}
	}()

	var r callResult
	select {
	case r = <-done:
	case <-callCtx.Done():
		r = callResult{err: &llm.BackendError{Backend: l.backend.Name(), Err: callCtx.Err()}}
	}
	if r.err == nil && strings.TrimSpace(r.text) == "" {
		r.err = &llm.BackendError{Backend: l.backend.Name(), Err: llm.ErrEmptyResponse}
	}

	att := Attempt{
		Stage:         stage,
		Backend:       l.backend.Name(),
		Provider:      l.backend.Provider(),
		Latency:       d.now().Sub(start),
		PromptChars:   len(req.Prompt) + len(req.System),
		ResponseChars: len(r.text),
		Err:           r.err,
	}
	if r.err != nil {
		d.logger.Warn().Err(r.err).Str("backend", att.Backend).Str("stage", string(stage)).
			Dur("latency", att.Latency).Msg("backend attempt failed")
		return "", att
	}
	return r.text, att
}

func (d *Dispatcher) runSingle(ctx context.Context, l leg, stage Outcome, req llm.Request, res *Result) bool {
	text, att := d.call(ctx, l, stage, req)
	res.Attempts = append(res.Attempts, att)
	if att.Err != nil {
		return false
	}
	res.Text = text
	res.BackendUsed = stage
	res.Backends = []string{att.Backend}
	return true
}

// runDual calls every leg concurrently and waits for all of them. Any
// successful leg makes the stage succeed.
func (d *Dispatcher) runDual(ctx context.Context, legs []leg, req llm.Request, res *Result) bool {
	texts := make([]string, len(legs))
	atts := make([]Attempt, len(legs))

	var wg sync.WaitGroup
	for i, l := range legs {
		wg.Add(1)
		go func(i int, l leg) {
			defer wg.Done()
			texts[i], atts[i] = d.call(ctx, l, OutcomeDual, req)
		}(i, l)
	}
	wg.Wait()

	res.Attempts = append(res.Attempts, atts...)

	var (
		parts    []string
		sections []Section
		backends []string
	)
	for i, l := range legs {
		if atts[i].Err != nil {
			continue
		}
		body := strings.TrimSpace(texts[i])
		parts = append(parts, l.label+"\n\n"+body)
		sections = append(sections, Section{Label: l.label, Text: body})
		backends = append(backends, atts[i].Backend)
	}
	if len(parts) == 0 {
		return false
	}
	if len(parts) < len(legs) {
		d.logger.Info().Strs("succeeded", backends).Msg("dual dispatch partially succeeded")
	}
	res.Text = strings.Join(parts, "\n\n")
	res.Sections = sections
	res.BackendUsed = OutcomeDual
	res.Backends = backends
	return true
}
