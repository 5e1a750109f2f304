package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/classifier"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/contextbuilder"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/dispatcher"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/llm"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/media"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/response"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/storage"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

// User-facing texts. None of them carries error detail.
const (
	ClearedText         = "Done. I've erased everything I remembered about you, including our conversation history."
	ClearFailedText     = "Sorry, I couldn't erase your data right now. Please try again in a moment."
	AttachmentErrorText = "Sorry, I couldn't read that attachment. Please send it as plain text."
)

var clearCommand = regexp.MustCompile(`(?i)^\s*(/clear(@\w+)?|clear my data|forget me)\s*[.!]?\s*$`)

// IsClearCommand reports whether text asks to erase the user's data.
func IsClearCommand(text string) bool {
	return clearCommand.MatchString(text)
}

// Attachment is a document or voice payload with its declared media kind.
type Attachment struct {
	Kind     string
	Filename string
	Data     []byte
}

// Message is one inbound user message.
type Message struct {
	UserID     string
	Text       string
	Attachment *Attachment
	Metadata   map[string]string
}

// Reply is what the transport delivers.
type Reply struct {
	RequestID      string
	Chunks         []response.Chunk
	Classification types.QueryClassification
	BackendUsed    dispatcher.Outcome
	ElapsedMs      int64
	Cleared        bool
}

// DeliverFunc sends the chunks of a reply to the user.
type DeliverFunc func(ctx context.Context, chunks []response.Chunk) error

// Pipeline wires the stages of one request.
type Pipeline struct {
	classifier *classifier.Classifier
	context    *contextbuilder.Builder
	dispatcher *dispatcher.Dispatcher
	assembler  *response.Assembler
	media      media.Extractor
	store      storage.MemoryStore
	persister  *Persister
	logger     zerolog.Logger
	now        func() time.Time
}

// PipelineDeps are the collaborators of a Pipeline. Media may be nil.
type PipelineDeps struct {
	Classifier *classifier.Classifier
	Context    *contextbuilder.Builder
	Dispatcher *dispatcher.Dispatcher
	Assembler  *response.Assembler
	Media      media.Extractor
	Store      storage.MemoryStore
	Persister  *Persister
}

// NewPipeline validates deps and builds a pipeline. The persister's fact
// change callback is bound to the context cache.
func NewPipeline(deps PipelineDeps, logger zerolog.Logger) (*Pipeline, error) {
	switch {
	case deps.Classifier == nil:
		return nil, fmt.Errorf("engine: classifier is required")
	case deps.Context == nil:
		return nil, fmt.Errorf("engine: context builder is required")
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("engine: dispatcher is required")
	case deps.Assembler == nil:
		return nil, fmt.Errorf("engine: response assembler is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("engine: memory store is required")
	case deps.Persister == nil:
		return nil, fmt.Errorf("engine: persister is required")
	}
	deps.Persister.OnFactsChanged(deps.Context.Invalidate)

	return &Pipeline{
		classifier: deps.Classifier,
		context:    deps.Context,
		dispatcher: deps.Dispatcher,
		assembler:  deps.Assembler,
		media:      deps.Media,
		store:      deps.Store,
		persister:  deps.Persister,
		logger:     logger.With().Str("component", "pipeline").Logger(),
		now:        time.Now,
	}, nil
}

// Handle processes msg, delivers the reply, and queues persistence of the
// exchange once delivery succeeded. Only a delivery failure is returned;
// every other stage degrades.
func (p *Pipeline) Handle(ctx context.Context, msg Message, deliver DeliverFunc) (Reply, error) {
	reply, job := p.Process(ctx, msg)
	if err := deliver(ctx, reply.Chunks); err != nil {
		return reply, fmt.Errorf("engine: deliver reply: %w", err)
	}
	if job != nil && !p.persister.Enqueue(job) {
		p.logger.Warn().Str("request_id", reply.RequestID).Msg("exchange not persisted")
	}
	return reply, nil
}

// Process runs every stage up to the packaged reply and returns the
// persistence job for the exchange, or nil when there is nothing to persist.
func (p *Pipeline) Process(ctx context.Context, msg Message) (Reply, *PersistJob) {
	start := p.now()
	reqID := uuid.NewString()
	log := p.logger.With().Str("request_id", reqID).Str("user_id", msg.UserID).Logger()

	reply := Reply{RequestID: reqID}

	if IsClearCommand(msg.Text) && msg.Attachment == nil {
		reply.Cleared = p.clear(ctx, msg.UserID, log)
		text := ClearedText
		if !reply.Cleared {
			text = ClearFailedText
		}
		reply.Chunks = p.assembler.Assemble(text, types.QueryClassification{})
		reply.ElapsedMs = p.now().Sub(start).Milliseconds()
		return reply, nil
	}

	text, hasAttachment, ok := p.inputText(ctx, msg, log)
	if !ok {
		reply.Chunks = p.assembler.Assemble(AttachmentErrorText, types.QueryClassification{})
		reply.ElapsedMs = p.now().Sub(start).Milliseconds()
		return reply, nil
	}

	// Lightweight pre-pass: does the user have history worth weighing?
	prior := p.context.Probe(ctx, msg.UserID)

	cls := p.classifier.ClassifyInput(classifier.Input{
		Text:          text,
		HasAttachment: hasAttachment,
		PriorContext:  prior,
	})
	reply.Classification = cls

	block := p.context.Assemble(ctx, msg.UserID, text)

	result := p.dispatcher.Dispatch(ctx, text, cls, block.Text)
	reply.BackendUsed = result.BackendUsed

	reply.Chunks = p.assemble(result, cls)
	if len(reply.Chunks) == 0 {
		reply.Chunks = p.assembler.Assemble(p.dispatcher.FallbackText(), types.QueryClassification{})
	}
	reply.ElapsedMs = p.now().Sub(start).Milliseconds()

	log.Info().
		Str("type", string(cls.Type)).
		Str("complexity", string(cls.Complexity)).
		Str("preferred", string(cls.PreferredBackend)).
		Str("backend_used", string(result.BackendUsed)).
		Strs("backends", result.Backends).
		Int("facts", block.Facts).
		Int("turns", block.Turns).
		Bool("minimal_context", block.Minimal).
		Int("chunks", len(reply.Chunks)).
		Int64("elapsed_ms", reply.ElapsedMs).
		Msg("request handled")

	job := &PersistJob{
		TurnID:        uuid.NewString(),
		UserID:        msg.UserID,
		UserMessage:   text,
		ModelResponse: result.Text,
		MessageType:   cls.Type,
		Metadata:      p.turnMetadata(msg, reqID, result),
		SkipMemory:    result.BackendUsed == dispatcher.OutcomeStatic,
		Usage:         usageEvents(msg.UserID, result, p.now()),
		Timestamp:     p.now().UTC(),
	}
	return reply, job
}

// assemble packages a dual reply section by section so each labelled leg
// keeps its share of the output budget.
func (p *Pipeline) assemble(result dispatcher.Result, cls types.QueryClassification) []response.Chunk {
	if len(result.Sections) == 0 {
		return p.assembler.Assemble(result.Text, cls)
	}
	sections := make([]response.Section, len(result.Sections))
	for i, s := range result.Sections {
		sections[i] = response.Section{Label: s.Label, Body: s.Text}
	}
	return p.assembler.AssembleSections(sections, cls)
}

// inputText merges extracted attachment text into the message. ok is false
// when an attachment was sent alone and could not be read.
func (p *Pipeline) inputText(ctx context.Context, msg Message, log zerolog.Logger) (string, bool, bool) {
	text := strings.TrimSpace(msg.Text)
	if msg.Attachment == nil {
		return text, false, true
	}
	if p.media == nil {
		log.Warn().Str("kind", msg.Attachment.Kind).Msg("no media extractor configured")
		return text, false, text != ""
	}

	extracted, err := p.media.Extract(ctx, msg.Attachment.Kind, msg.Attachment.Data)
	if err != nil {
		var ee *media.ExtractionError
		if errors.As(err, &ee) {
			log.Warn().Err(err).Str("kind", ee.Kind).Msg("attachment extraction failed")
		} else {
			log.Warn().Err(err).Msg("attachment extraction failed")
		}
		// A caption alone is still a question worth answering.
		return text, false, text != ""
	}

	var sb strings.Builder
	sb.WriteString("[Attached document")
	if msg.Attachment.Filename != "" {
		sb.WriteString(": " + msg.Attachment.Filename)
	}
	sb.WriteString("]\n")
	sb.WriteString(extracted)
	if text != "" {
		sb.WriteString("\n\n")
		sb.WriteString(text)
	}
	return sb.String(), true, true
}

func (p *Pipeline) clear(ctx context.Context, userID string, log zerolog.Logger) bool {
	res, err := p.ClearUser(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Msg("clear user failed")
		return false
	}
	log.Info().Int64("facts", res.Facts).Int64("turns", res.Turns).Int64("usage", res.Usage).Msg("user data cleared")
	return true
}

// ClearUser erases the user's facts, turns and usage and drops their cached
// context.
func (p *Pipeline) ClearUser(ctx context.Context, userID string) (storage.ClearResult, error) {
	res, err := p.store.ClearUser(ctx, userID)
	// Invalidate even on error: a partial delete must not be masked by the cache.
	p.context.Invalidate(userID)
	if err != nil {
		return res, fmt.Errorf("engine: clear user: %w", err)
	}
	return res, nil
}

func (p *Pipeline) turnMetadata(msg Message, reqID string, result dispatcher.Result) map[string]string {
	md := make(map[string]string, len(msg.Metadata)+3)
	for k, v := range msg.Metadata {
		md[k] = v
	}
	md["request_id"] = reqID
	md["backend_used"] = string(result.BackendUsed)
	if len(result.Backends) > 0 {
		md["backends"] = strings.Join(result.Backends, ",")
	}
	return md
}

// usageEvents turns dispatcher attempts into usage records. A static
// fallback adds one record for the fallback itself.
func usageEvents(userID string, result dispatcher.Result, now time.Time) []types.UsageEvent {
	events := make([]types.UsageEvent, 0, len(result.Attempts)+1)
	for _, a := range result.Attempts {
		events = append(events, types.UsageEvent{
			UserID:   userID,
			Provider: a.Provider,
			Endpoint: a.Backend,
			Metrics: types.UsageMetrics{
				LatencyMs:     a.Latency.Milliseconds(),
				PromptChars:   a.PromptChars,
				ResponseChars: a.ResponseChars,
				Success:       a.Err == nil,
				ErrorKind:     llm.ErrorKind(a.Err),
			},
			Timestamp: now.UTC(),
		})
	}
	if result.BackendUsed == dispatcher.OutcomeStatic {
		events = append(events, types.UsageEvent{
			UserID:   userID,
			Provider: "static",
			Endpoint: "fallback",
			Metrics: types.UsageMetrics{
				LatencyMs:     result.ElapsedMs,
				ResponseChars: len(result.Text),
				Success:       false,
				ErrorKind:     "exhausted",
			},
			Timestamp: now.UTC(),
		})
	}
	return events
}
