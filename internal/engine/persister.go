package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/extractor"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/storage"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

var (
	// ErrNotStarted is returned when the persister is used before Start.
	ErrNotStarted = errors.New("persister not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("persister already started")
)

// Persister writes completed exchanges to the Memory Store off the response
// path: the turn, the extracted facts, and the usage events. Failures are
// logged and retried a bounded number of times, then dropped.
type Persister struct {
	store     storage.MemoryStore
	extractor *extractor.Extractor
	config    Config
	logger    zerolog.Logger

	queue        chan *PersistJob
	wg           sync.WaitGroup
	workerCtx    context.Context
	workerCancel context.CancelFunc

	mu      sync.RWMutex
	started bool

	// onFactsChanged is called after a job upserted at least one fact.
	onFactsChanged func(userID string)
	// onComplete is called when a job finishes, successfully or not.
	onComplete func(job *PersistJob, err error)
}

// NewPersister creates a persister. Call Start before Enqueue.
func NewPersister(store storage.MemoryStore, ext *extractor.Extractor, config Config, logger zerolog.Logger) (*Persister, error) {
	if store == nil {
		return nil, fmt.Errorf("engine: memory store is required")
	}
	if ext == nil {
		return nil, fmt.Errorf("engine: extractor is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	return &Persister{
		store:     store,
		extractor: ext,
		config:    config,
		logger:    logger.With().Str("component", "persister").Logger(),
	}, nil
}

// OnFactsChanged registers a callback run after a user's facts change.
func (p *Persister) OnFactsChanged(fn func(userID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFactsChanged = fn
}

// OnComplete registers a callback run after each job finishes.
func (p *Persister) OnComplete(fn func(job *PersistJob, err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onComplete = fn
}

// Start launches the worker pool.
func (p *Persister) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}

	p.queue = make(chan *PersistJob, p.config.QueueSize)
	p.workerCtx, p.workerCancel = context.WithCancel(ctx)
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(p.workerCtx, i)
	}
	p.started = true
	p.logger.Info().Int("workers", p.config.Workers).Int("queue_size", p.config.QueueSize).Msg("persistence workers started")
	return nil
}

// Enqueue queues job without blocking. It returns false when the queue is
// full or the persister is stopped; the job is then dropped.
func (p *Persister) Enqueue(job *PersistJob) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started || p.workerCtx.Err() != nil {
		return false
	}

	select {
	case p.queue <- job:
		return true
	default:
		p.logger.Warn().Int("queue_size", p.config.QueueSize).Str("user_id", job.UserID).
			Msg("persistence queue full, dropping job")
		return false
	}
}

// QueueLength returns the number of queued jobs.
func (p *Persister) QueueLength() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.queue)
}

// Shutdown closes the queue and waits for workers to drain, up to
// ShutdownTimeout or ctx, whichever ends first.
func (p *Persister) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.started = false
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timeout := time.NewTimer(p.config.ShutdownTimeout)
	defer timeout.Stop()

	var err error
	select {
	case <-done:
		p.logger.Info().Msg("persistence workers finished")
	case <-timeout.C:
		p.logger.Warn().Int("remaining", len(p.queue)).Msg("shutdown timeout reached, jobs may be dropped")
	case <-ctx.Done():
		p.logger.Warn().Int("remaining", len(p.queue)).Msg("shutdown cancelled, jobs may be dropped")
		err = ctx.Err()
	}
	// Stop in-flight backoff sleeps and requeues.
	p.workerCancel()
	return err
}

func (p *Persister) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for job := range p.queue {
		p.handle(ctx, id, job)
	}
}

func (p *Persister) handle(ctx context.Context, workerID int, job *PersistJob) {
	if job.Attempt > 0 {
		delay := p.config.backoff(job.Attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	err := p.process(job)
	if err == nil {
		p.complete(job, nil)
		return
	}

	log := p.logger.Warn().Err(err).Int("worker", workerID).Str("user_id", job.UserID).Int("attempt", job.Attempt)
	if p.requeue(ctx, job) {
		log.Msg("persistence failed, requeued")
		return
	}
	log.Msg("persistence failed, dropping job")
	p.complete(job, err)
}

// requeue re-queues a failed job if retries remain.
func (p *Persister) requeue(ctx context.Context, job *PersistJob) bool {
	if ctx.Err() != nil || job.Attempt >= p.config.MaxRetries {
		return false
	}
	job.Attempt++

	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		// Queue closed by Shutdown.
		return false
	}
	select {
	case p.queue <- job:
		return true
	case <-time.After(10 * time.Millisecond):
		return false
	}
}

func (p *Persister) complete(job *PersistJob, err error) {
	p.mu.RLock()
	fn := p.onComplete
	p.mu.RUnlock()
	if fn != nil {
		fn(job, err)
	}
}

// process runs the remaining stages of job. Each stage records its progress
// on the job so a retry resumes where the last attempt failed.
func (p *Persister) process(job *PersistJob) error {
	if !job.SkipMemory {
		if err := p.saveTurn(job); err != nil {
			return err
		}
		if err := p.saveFacts(job); err != nil {
			return err
		}
	}
	return p.saveUsage(job)
}

func (p *Persister) storeCtx() (context.Context, context.CancelFunc) {
	// Detached from the worker context so shutdown drains in-flight writes.
	return context.WithTimeout(context.Background(), p.config.StoreTimeout)
}

func (p *Persister) saveTurn(job *PersistJob) error {
	if job.turnSaved {
		return nil
	}
	ctx, cancel := p.storeCtx()
	defer cancel()

	turn := &types.ConversationTurn{
		ID:            job.TurnID,
		UserID:        job.UserID,
		UserMessage:   job.UserMessage,
		ModelResponse: job.ModelResponse,
		MessageType:   job.MessageType,
		Timestamp:     job.Timestamp,
		Metadata:      job.Metadata,
	}
	if err := p.store.AppendTurn(ctx, turn); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	job.turnSaved = true
	return nil
}

func (p *Persister) saveFacts(job *PersistJob) error {
	if !job.factsReady {
		decision := p.extractor.ShouldPersist(job.UserMessage, job.ModelResponse, job.MessageType)
		if decision.Persist {
			job.candidates = p.extractor.Extract(job.UserMessage, job.ModelResponse)
		}
		job.factsReady = true
		p.logger.Debug().Str("user_id", job.UserID).Bool("persist", decision.Persist).
			Str("reason", decision.Reason).Int("candidates", len(job.candidates)).Msg("fact extraction")
	}

	changed := false
	for job.factsDone < len(job.candidates) {
		c := job.candidates[job.factsDone]
		ctx, cancel := p.storeCtx()
		_, err := p.store.UpsertFact(ctx, storage.FactInput{
			UserID:     job.UserID,
			Text:       c.FactText,
			Importance: c.Importance,
			Category:   c.Category,
		})
		cancel()
		if errors.Is(err, storage.ErrInvalidInput) {
			p.logger.Warn().Err(err).Str("rule", c.Rule).Msg("skipping invalid fact")
		} else if err != nil {
			if changed {
				p.factsChanged(job.UserID)
			}
			return fmt.Errorf("upsert fact: %w", err)
		} else {
			changed = true
		}
		job.factsDone++
	}
	if changed {
		p.factsChanged(job.UserID)
	}
	return nil
}

func (p *Persister) factsChanged(userID string) {
	p.mu.RLock()
	fn := p.onFactsChanged
	p.mu.RUnlock()
	if fn != nil {
		fn(userID)
	}
}

func (p *Persister) saveUsage(job *PersistJob) error {
	for job.usageDone < len(job.Usage) {
		ctx, cancel := p.storeCtx()
		err := p.store.RecordUsage(ctx, job.Usage[job.usageDone])
		cancel()
		if errors.Is(err, storage.ErrInvalidInput) {
			p.logger.Warn().Err(err).Msg("skipping invalid usage event")
		} else if err != nil {
			return fmt.Errorf("record usage: %w", err)
		}
		job.usageDone++
	}
	return nil
}
