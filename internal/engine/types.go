// Package engine runs the conversation pipeline: classify, assemble context,
// dispatch, package the reply, and persist the exchange in the background
// through a bounded worker pool.
package engine

import (
	"fmt"
	"time"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

// PersistJob is the post-delivery work for one exchange.
// Jobs are queued after the reply is delivered and processed by worker
// goroutines. Progress is tracked per stage so a retry never repeats a write
// that already succeeded.
type PersistJob struct {
	// TurnID is assigned at enqueue time.
	TurnID string

	UserID        string
	UserMessage   string
	ModelResponse string
	MessageType   types.QueryType
	Metadata      map[string]string

	// SkipMemory records usage only. Set for static-fallback replies.
	SkipMemory bool

	// Usage holds one event per backend attempt.
	Usage []types.UsageEvent

	// Timestamp is when the exchange completed.
	Timestamp time.Time

	// Attempt tracks retry attempts for this job.
	Attempt int

	turnSaved  bool
	factsDone  int
	factsReady bool
	candidates []types.FactCandidate
	usageDone  int
}

// Config holds configuration for the persistence worker pool.
type Config struct {
	// Workers is the number of persistence goroutines (default: 2).
	Workers int `yaml:"workers" env:"WORKERS"`

	// QueueSize is the job buffer size (default: 256).
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`

	// MaxRetries bounds retry attempts per job (default: 3).
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`

	// BaseBackoff scales the quadratic retry delay (default: 200ms).
	BaseBackoff time.Duration `yaml:"base_backoff" env:"BASE_BACKOFF"`

	// ShutdownTimeout is the maximum time to wait for workers to drain (default: 10s).
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// StoreTimeout bounds each store call made by a worker (default: 5s).
	StoreTimeout time.Duration `yaml:"store_timeout" env:"STORE_TIMEOUT"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         2,
		QueueSize:       256,
		MaxRetries:      3,
		BaseBackoff:     200 * time.Millisecond,
		ShutdownTimeout: 10 * time.Second,
		StoreTimeout:    5 * time.Second,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("Workers must be >= 1, got %d", c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QueueSize must be >= 1, got %d", c.QueueSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MaxRetries must be >= 0, got %d", c.MaxRetries)
	}
	if c.BaseBackoff < 0 {
		return fmt.Errorf("BaseBackoff must be >= 0, got %v", c.BaseBackoff)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("ShutdownTimeout must be >= 0, got %v", c.ShutdownTimeout)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("StoreTimeout must be > 0, got %v", c.StoreTimeout)
	}
	return nil
}

// backoff returns the delay before retry attempt n: n² × base.
func (c *Config) backoff(attempt int) time.Duration {
	return time.Duration(attempt*attempt) * c.BaseBackoff
}
