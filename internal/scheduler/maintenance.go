// Package scheduler runs periodic Memory Store maintenance.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/backup"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/storage"
)

// ErrAlreadyRunning is returned by a second Start.
var ErrAlreadyRunning = errors.New("maintenance already running")

// Retainer is the part of the Memory Store maintenance needs.
type Retainer interface {
	EnforceRetention(ctx context.Context, policy storage.RetentionPolicy) (storage.RetentionResult, error)
}

// Snapshotter takes a database snapshot after retention runs.
type Snapshotter interface {
	Snapshot(ctx context.Context) (backup.Info, error)
}

// Status describes the last maintenance run.
type Status struct {
	Schedule  string                  `json:"schedule"`
	Running   bool                    `json:"running"`
	LastRun   time.Time               `json:"last_run,omitempty"`
	NextRun   time.Time               `json:"next_run,omitempty"`
	LastError string                  `json:"last_error,omitempty"`
	Last      storage.RetentionResult `json:"last_result"`
	Snapshot  *backup.Info            `json:"last_snapshot,omitempty"`
}

// Maintenance enforces the retention policy on a cron schedule.
type Maintenance struct {
	store    Retainer
	snapshot Snapshotter
	policy   storage.RetentionPolicy
	schedule string
	timeout  time.Duration
	logger   zerolog.Logger

	cron    *cron.Cron
	entryID cron.EntryID

	mu       sync.Mutex
	running  bool
	lastRun  time.Time
	lastErr  error
	last     storage.RetentionResult
	lastSnap *backup.Info
}

// New parses schedule, a standard five-field cron expression or a
// descriptor such as "@every 1h" or "@daily".
func New(store Retainer, policy storage.RetentionPolicy, schedule string, logger zerolog.Logger) (*Maintenance, error) {
	if store == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	m := &Maintenance{
		store:    store,
		policy:   policy,
		schedule: schedule,
		timeout:  5 * time.Minute,
		logger:   logger.With().Str("component", "maintenance").Logger(),
		cron:     cron.New(),
	}
	id, err := m.cron.AddFunc(schedule, func() {
		_, _ = m.RunNow(context.Background())
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid schedule %q: %w", schedule, err)
	}
	m.entryID = id
	return m, nil
}

// WithSnapshots makes every run finish with a snapshot. Call before Start.
func (m *Maintenance) WithSnapshots(s Snapshotter) *Maintenance {
	m.snapshot = s
	return m
}

// Start begins scheduled runs in the background.
func (m *Maintenance) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	m.running = true
	m.cron.Start()
	m.logger.Info().Str("schedule", m.schedule).Msg("maintenance scheduled")
	return nil
}

// Stop halts scheduling and waits for a run in progress, bounded by ctx.
func (m *Maintenance) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	select {
	case <-m.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow enforces the retention policy once, then takes a snapshot when
// snapshots are configured. A snapshot failure is logged, not returned.
func (m *Maintenance) RunNow(ctx context.Context) (storage.RetentionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	res, err := m.store.EnforceRetention(ctx, m.policy)

	m.mu.Lock()
	m.lastRun = start
	m.lastErr = err
	if err == nil {
		m.last = res
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn().Err(err).Msg("retention enforcement failed")
		return res, fmt.Errorf("scheduler: enforce retention: %w", err)
	}
	m.logger.Info().
		Int64("facts_evicted", res.FactsEvicted).
		Int64("turns_purged", res.TurnsPurged).
		Int64("usage_purged", res.UsagePurged).
		Dur("duration", time.Since(start)).
		Msg("retention enforced")

	if m.snapshot != nil {
		info, err := m.snapshot.Snapshot(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("snapshot failed")
		} else {
			m.mu.Lock()
			m.lastSnap = &info
			m.mu.Unlock()
		}
	}
	return res, nil
}

// Status reports the schedule and the outcome of the last run.
func (m *Maintenance) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Schedule: m.schedule,
		Running:  m.running,
		LastRun:  m.lastRun,
		Last:     m.last,
		Snapshot: m.lastSnap,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	if m.running {
		st.NextRun = m.cron.Entry(m.entryID).Next
	}
	return st
}
