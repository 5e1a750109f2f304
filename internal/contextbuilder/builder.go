// Package contextbuilder assembles the bounded context block handed to the
// model backends: ranked memory facts plus recent conversation turns.
package contextbuilder

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

// Source is the read side of the Memory Store.
type Source interface {
	GetFacts(ctx context.Context, userID string, limit int) ([]types.MemoryFact, error)
	GetRecentTurns(ctx context.Context, userID string, limit int) ([]types.ConversationTurn, error)
}

// Config bounds the assembled block.
type Config struct {
	RecentTurns      int           `yaml:"recent_turns" env:"RECENT_TURNS"`
	MaxFacts         int           `yaml:"max_facts" env:"MAX_FACTS"`
	ItemsPerGroup    int           `yaml:"items_per_group" env:"ITEMS_PER_GROUP"`
	TurnChars        int           `yaml:"turn_chars" env:"TURN_CHARS"`
	BudgetChars      int           `yaml:"budget_chars" env:"BUDGET_CHARS"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	CacheTTL         time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	CacheSize        int           `yaml:"cache_size" env:"CACHE_SIZE"`
	LongHistoryTurns int           `yaml:"long_history_turns" env:"LONG_HISTORY_TURNS"`
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		RecentTurns:      6,
		MaxFacts:         30,
		ItemsPerGroup:    5,
		TurnChars:        400,
		BudgetChars:      6000,
		FetchTimeout:     3 * time.Second,
		CacheTTL:         30 * time.Second,
		CacheSize:        1024,
		LongHistoryTurns: 4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RecentTurns <= 0 {
		c.RecentTurns = d.RecentTurns
	}
	if c.MaxFacts <= 0 {
		c.MaxFacts = d.MaxFacts
	}
	if c.ItemsPerGroup <= 0 {
		c.ItemsPerGroup = d.ItemsPerGroup
	}
	if c.TurnChars <= 0 {
		c.TurnChars = d.TurnChars
	}
	if c.BudgetChars <= 0 {
		c.BudgetChars = d.BudgetChars
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	if c.LongHistoryTurns <= 0 {
		c.LongHistoryTurns = d.LongHistoryTurns
	}
	return c
}

// Block is an assembled context. len(Text) never exceeds the budget.
type Block struct {
	Text     string
	Facts    int
	Turns    int
	Minimal  bool
	FactsErr error
	TurnsErr error
}

// Builder assembles context blocks. It owns a TTL cache of fact lists keyed
// by user.
type Builder struct {
	cfg    Config
	src    Source
	cache  *expirable.LRU[string, []types.MemoryFact]
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a builder reading from src.
func New(src Source, cfg Config, logger zerolog.Logger) *Builder {
	cfg = cfg.withDefaults()
	return &Builder{
		cfg:    cfg,
		src:    src,
		cache:  expirable.NewLRU[string, []types.MemoryFact](cfg.CacheSize, nil, cfg.CacheTTL),
		logger: logger.With().Str("component", "contextbuilder").Logger(),
		now:    time.Now,
	}
}

// Invalidate drops the cached facts of userID.
func (b *Builder) Invalidate(userID string) {
	b.cache.Remove(userID)
}

// Probe reports whether userID has a long enough conversation history to
// count as prior context. Failures report false.
func (b *Builder) Probe(ctx context.Context, userID string) bool {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.FetchTimeout)
	defer cancel()

	turns, err := b.src.GetRecentTurns(ctx, userID, b.cfg.LongHistoryTurns)
	if err != nil {
		b.logger.Warn().Err(err).Str("user_id", userID).Msg("history probe failed")
		return false
	}
	return len(turns) >= b.cfg.LongHistoryTurns
}

// Assemble fetches facts and turns for userID in parallel and renders them
// under the budget. It never fails: a failed fetch degrades to an empty set,
// and when both fail the block holds only the user, the time and text.
func (b *Builder) Assemble(ctx context.Context, userID, currentText string) Block {
	var (
		facts    []types.MemoryFact
		turns    []types.ConversationTurn
		factsErr error
		turnsErr error
	)

	var g errgroup.Group
	g.Go(func() error {
		facts, factsErr = b.facts(ctx, userID)
		return nil
	})
	g.Go(func() error {
		fctx, cancel := context.WithTimeout(ctx, b.cfg.FetchTimeout)
		defer cancel()
		turns, turnsErr = b.src.GetRecentTurns(fctx, userID, b.cfg.RecentTurns)
		return nil
	})
	_ = g.Wait()

	if factsErr != nil {
		b.logger.Warn().Err(factsErr).Str("user_id", userID).Msg("fact fetch failed, continuing without facts")
	}
	if turnsErr != nil {
		b.logger.Warn().Err(turnsErr).Str("user_id", userID).Msg("turn fetch failed, continuing without history")
	}
	if factsErr != nil && turnsErr != nil {
		return Block{
			Text:     b.minimal(userID, currentText),
			Minimal:  true,
			FactsErr: factsErr,
			TurnsErr: turnsErr,
		}
	}

	block := b.render(facts, turns)
	block.FactsErr = factsErr
	block.TurnsErr = turnsErr
	return block
}

func (b *Builder) facts(ctx context.Context, userID string) ([]types.MemoryFact, error) {
	if cached, ok := b.cache.Get(userID); ok {
		return cached, nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.FetchTimeout)
	defer cancel()

	facts, err := b.src.GetFacts(ctx, userID, b.cfg.MaxFacts)
	if err != nil {
		return nil, err
	}
	b.cache.Add(userID, facts)
	return facts, nil
}

func (b *Builder) minimal(userID, currentText string) string {
	w := newBudgetWriter(b.cfg.BudgetChars)
	w.line("User: " + userID)
	w.line("Current time: " + b.now().UTC().Format(time.RFC3339))
	w.line("Current message: " + currentText)
	return w.String()
}

type group struct {
	title      string
	categories []types.FactCategory
}

var groups = []group{
	{"Identity", []types.FactCategory{types.CategoryIdentity, types.CategoryLocation, types.CategoryWork}},
	{"Preferences", []types.FactCategory{types.CategoryPreference}},
	{"Goals", []types.FactCategory{types.CategoryGoal}},
	{"Insights", []types.FactCategory{types.CategoryDirective, types.CategoryInsight, types.CategoryGeneral}},
}

func groupOf(c types.FactCategory) int {
	for i, g := range groups {
		for _, gc := range g.categories {
			if gc == c {
				return i
			}
		}
	}
	return len(groups) - 1
}

// render writes facts first, then turns newest first. Whatever overflows the
// budget is dropped from the tail, so what survives is always the
// higher-ranked facts and the more recent turns.
func (b *Builder) render(facts []types.MemoryFact, turns []types.ConversationTurn) Block {
	w := newBudgetWriter(b.cfg.BudgetChars)
	var block Block

	w.line("Current time: " + b.now().UTC().Format(time.RFC3339))

	if len(facts) > 0 && w.line("") && w.line("What you know about the user:") {
		// Facts arrive in rank order. Select the longest rank prefix that
		// fits, then render it grouped, groups ordered by their best member.
		remaining := w.remaining()
		byGroup := make([][]types.MemoryFact, len(groups))
		var order []int
		for _, f := range facts {
			i := groupOf(f.Category)
			if len(byGroup[i]) >= b.cfg.ItemsPerGroup {
				continue
			}
			cost := len(f.FactText) + len("- \n")
			if len(byGroup[i]) == 0 {
				cost += len(groups[i].title) + len(":\n")
			}
			if cost > remaining {
				break
			}
			remaining -= cost
			if len(byGroup[i]) == 0 {
				order = append(order, i)
			}
			byGroup[i] = append(byGroup[i], f)
		}
		for _, i := range order {
			w.line(groups[i].title + ":")
			for _, f := range byGroup[i] {
				w.line("- " + f.FactText)
				block.Facts++
			}
		}
	}

	if len(turns) > 0 {
		w.line("")
		w.line("Recent conversation (newest first):")
		for _, t := range turns {
			entry := fmt.Sprintf("[%s] User: %s\nAssistant: %s",
				t.Timestamp.UTC().Format("2006-01-02 15:04"),
				clip(t.UserMessage, b.cfg.TurnChars),
				clip(t.ModelResponse, b.cfg.TurnChars))
			if !w.line(entry) {
				break
			}
			block.Turns++
		}
	}

	block.Text = w.String()
	return block
}

// budgetWriter accumulates whole lines until the first one that does not
// fit; everything after it is dropped.
type budgetWriter struct {
	sb     strings.Builder
	budget int
	full   bool
}

func newBudgetWriter(budget int) *budgetWriter {
	return &budgetWriter{budget: budget}
}

// line appends s and a newline when they fit. A first line that cannot fit
// on its own is hard-truncated so the block is never empty.
func (w *budgetWriter) line(s string) bool {
	if w.full {
		return false
	}
	need := len(s) + 1
	if w.sb.Len()+need <= w.budget {
		w.sb.WriteString(s)
		w.sb.WriteByte('\n')
		return true
	}
	if w.sb.Len() == 0 {
		w.sb.WriteString(truncateBytes(s, w.budget))
	}
	w.full = true
	return false
}

func (w *budgetWriter) remaining() int {
	return w.budget - w.sb.Len()
}

func (w *budgetWriter) String() string {
	return strings.TrimRight(w.sb.String(), "\n")
}

// clip shortens s to at most n runes, marking the cut with an ellipsis.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n < 2 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n-1])) + "…"
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
