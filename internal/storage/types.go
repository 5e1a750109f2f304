package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotSupported is returned by operations a backend cannot perform.
	// It is never a silent success.
	ErrNotSupported = errors.New("operation not supported")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store closed")
)

// MaxFactLength bounds the stored fact text in bytes.
const MaxFactLength = 1000

// FactInput is the write shape for UpsertFact.
type FactInput struct {
	UserID     string
	Text       string
	Importance types.Importance
	Category   types.FactCategory
}

// Validate checks the input and normalizes defaults in place.
func (in *FactInput) Validate() error {
	if strings.TrimSpace(in.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	in.Text = strings.TrimSpace(in.Text)
	if in.Text == "" {
		return fmt.Errorf("%w: fact text is required", ErrInvalidInput)
	}
	if len(in.Text) > MaxFactLength {
		return fmt.Errorf("%w: fact text exceeds %d bytes", ErrInvalidInput, MaxFactLength)
	}
	if !utf8.ValidString(in.Text) {
		return fmt.Errorf("%w: fact text is not valid UTF-8", ErrInvalidInput)
	}
	if in.Importance == "" {
		in.Importance = types.ImportanceMedium
	}
	if !in.Importance.IsValid() {
		return fmt.Errorf("%w: unknown importance %q", ErrInvalidInput, in.Importance)
	}
	if in.Category == "" {
		in.Category = types.CategoryGeneral
	}
	return nil
}

// UpsertOutcome describes what UpsertFact did.
type UpsertOutcome struct {
	FactID   string
	Inserted bool // false when an existing row was bumped
	Evicted  int  // facts removed by the cap in the same transaction
}

// ClearResult reports how many rows ClearUser removed.
type ClearResult struct {
	Facts int64 `json:"facts"`
	Turns int64 `json:"turns"`
	Usage int64 `json:"usage"`
}

// RetentionPolicy drives EnforceRetention.
type RetentionPolicy struct {
	MaxFactsPerUser int
	MaxTurnsPerUser int
	UsageRetention  time.Duration
}

// RetentionResult reports the rows removed by EnforceRetention.
type RetentionResult struct {
	FactsEvicted int64 `json:"facts_evicted"`
	TurnsPurged  int64 `json:"turns_purged"`
	UsagePurged  int64 `json:"usage_purged"`
}

// Stats are aggregate row counts.
type Stats struct {
	Users int64 `json:"users"`
	Facts int64 `json:"facts"`
	Turns int64 `json:"turns"`
	Usage int64 `json:"usage"`
}

// Limits are the per-user caps a store enforces on write.
type Limits struct {
	MaxFactsPerUser int
	MaxTurnsPerUser int
}

// DefaultLimits returns the caps used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxFactsPerUser: 200, MaxTurnsPerUser: 50}
}

// NormalizeFact lower-cases, trims and collapses internal whitespace so
// that trivially different spellings of a fact hash identically.
func NormalizeFact(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// ContentHash is the hex sha256 of the normalized fact text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeFact(text)))
	return hex.EncodeToString(sum[:])
}
