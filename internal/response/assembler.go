// Package response turns raw backend text into transport-sized chunks.
package response

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

// TruncationNotice is appended when the output budget cuts a response.
const TruncationNotice = "[Response truncated]"

// Config bounds the assembled output. Lengths are counted in runes.
type Config struct {
	MaxUnitChars  int     `yaml:"max_unit_chars" env:"MAX_UNIT_CHARS"`
	SafetyMargin  float64 `yaml:"safety_margin" env:"SAFETY_MARGIN"`
	CharsPerToken int     `yaml:"chars_per_token" env:"CHARS_PER_TOKEN"`
}

// DefaultConfig matches the Telegram message limit.
func DefaultConfig() Config {
	return Config{MaxUnitChars: 4096, SafetyMargin: 0.9, CharsPerToken: 4}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxUnitChars <= 0 {
		c.MaxUnitChars = d.MaxUnitChars
	}
	if c.SafetyMargin <= 0 || c.SafetyMargin >= 1 {
		c.SafetyMargin = d.SafetyMargin
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = d.CharsPerToken
	}
	return c
}

// Chunk is one deliverable unit.
type Chunk struct {
	Index int
	Total int
	Text  string
}

// Assembler sanitizes, budgets and splits backend output.
type Assembler struct {
	cfg Config
}

// New creates an assembler.
func New(cfg Config) *Assembler {
	return &Assembler{cfg: cfg.withDefaults()}
}

// MaxUnitChars is the transport limit chunks are cut to.
func (a *Assembler) MaxUnitChars() int {
	return a.cfg.MaxUnitChars
}

// Assemble returns at least one chunk for non-blank input, none for blank
// input. No chunk exceeds MaxUnitChars.
func (a *Assembler) Assemble(raw string, cls types.QueryClassification) []Chunk {
	text := Sanitize(raw)
	if text == "" {
		return nil
	}
	if cls.MaxResponseTokens > 0 {
		text, _ = Truncate(text, cls.MaxResponseTokens*a.cfg.CharsPerToken, a.cfg.SafetyMargin)
	}

	parts := SplitWithMarkers(text, a.cfg.MaxUnitChars, a.cfg.SafetyMargin)
	chunks := make([]Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = Chunk{Index: i + 1, Total: len(parts), Text: p}
	}
	return chunks
}

// Section is a labelled part of a reply that must survive the output budget.
type Section struct {
	Label string
	Body  string
}

// AssembleSections budgets each section on its own share of the output
// budget so a long first section cannot crowd out the rest. Labels are never
// truncated. Blank sections are dropped.
func (a *Assembler) AssembleSections(sections []Section, cls types.QueryClassification) []Chunk {
	type part struct{ label, body string }
	parts := make([]part, 0, len(sections))
	for _, s := range sections {
		body := Sanitize(s.Body)
		if body == "" {
			continue
		}
		parts = append(parts, part{label: strings.TrimSpace(s.Label), body: body})
	}
	if len(parts) == 0 {
		return nil
	}

	share := 0
	if cls.MaxResponseTokens > 0 {
		share = cls.MaxResponseTokens * a.cfg.CharsPerToken / len(parts)
	}

	rendered := make([]string, len(parts))
	for i, p := range parts {
		body := p.body
		if share > 0 {
			limit := share
			if p.label != "" {
				limit -= utf8.RuneCountInString(p.label) + 2
			}
			if limit <= 0 {
				limit = share
			}
			body, _ = Truncate(body, limit, a.cfg.SafetyMargin)
		}
		if p.label != "" {
			body = p.label + "\n\n" + body
		}
		rendered[i] = body
	}

	chunks := SplitWithMarkers(strings.Join(rendered, "\n\n"), a.cfg.MaxUnitChars, a.cfg.SafetyMargin)
	out := make([]Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = Chunk{Index: i + 1, Total: len(chunks), Text: c}
	}
	return out
}

var (
	fenceLine    = regexp.MustCompile("(?m)^[ \t]*```[^\n]*\n?")
	boldStars    = regexp.MustCompile(`\*\*([^*\n]+?)\*\*`)
	boldUnders   = regexp.MustCompile(`__([^_\n]+?)__`)
	deepHeader   = regexp.MustCompile(`(?m)^[ \t]*#{3,}[ \t]+`)
	trailingWS   = regexp.MustCompile(`(?m)[ \t]+$`)
	blankRunsRE  = regexp.MustCompile(`\n{3,}`)
	strayMarkers = regexp.MustCompile(`(?m)^[ \t]*(\*{3,}|_{3,})[ \t]*$`)
)

// Sanitize strips code fences, bold emphasis and headers deeper than level
// two, keeping their text, and collapses runs of blank lines.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = fenceLine.ReplaceAllString(s, "")
	s = boldStars.ReplaceAllString(s, "$1")
	s = boldUnders.ReplaceAllString(s, "$1")
	s = deepHeader.ReplaceAllString(s, "")
	s = strayMarkers.ReplaceAllString(s, "")
	s = trailingWS.ReplaceAllString(s, "")
	s = blankRunsRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Truncate cuts s to at most limit runes, preferring a paragraph, section or
// sentence boundary inside the safety margin, and appends TruncationNotice.
// It reports whether s was cut.
func Truncate(s string, limit int, margin float64) (string, bool) {
	r := []rune(s)
	if limit <= 0 || len(r) <= limit {
		return s, false
	}
	suffix := "\n\n" + TruncationNotice
	room := limit - utf8.RuneCountInString(suffix)
	if room <= 0 {
		return string(r[:limit]), true
	}
	cut := cutPoint(r, room, margin)
	head := strings.TrimRightFunc(string(r[:cut]), unicode.IsSpace)
	return head + suffix, true
}

// Split breaks s into pieces of at most max runes at the best boundary in
// each window. Pieces are trimmed and never empty.
func Split(s string, max int, margin float64) []string {
	r := []rune(strings.TrimSpace(s))
	var out []string
	for len(r) > 0 {
		if len(r) <= max {
			out = append(out, string(r))
			break
		}
		cut := cutPoint(r, max, margin)
		piece := strings.TrimRightFunc(string(r[:cut]), unicode.IsSpace)
		if piece != "" {
			out = append(out, piece)
		}
		r = trimLeftSpace(r[cut:])
	}
	return out
}

// SplitWithMarkers splits s into units of at most max runes. When more than
// one unit is needed each ends with a "[i/n]" marker, counted in the limit.
func SplitWithMarkers(s string, max int, margin float64) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if utf8.RuneCountInString(s) <= max {
		return []string{s}
	}

	digits := 1
	for {
		reserve := markerLen(digits)
		if max-reserve < 1 {
			// Degenerate limit; markers cannot fit.
			return Split(s, max, margin)
		}
		parts := Split(s, max-reserve, margin)
		if n := len(strconv.Itoa(len(parts))); n > digits {
			digits = n
			continue
		}
		for i := range parts {
			parts[i] += marker(i+1, len(parts))
		}
		return parts
	}
}

func marker(i, n int) string {
	return fmt.Sprintf("\n[%d/%d]", i, n)
}

// markerLen is the widest marker when the count has the given digits.
func markerLen(digits int) int {
	return len("\n[/]") + 2*digits
}

// cutPoint picks where to end a piece of r that may hold at most limit runes.
// Boundaries are tried in order: paragraph, section header, sentence end,
// line break, inside [margin*limit, limit]; then the last whitespace
// anywhere; then a hard cut for a single oversized word.
func cutPoint(r []rune, limit int, margin float64) int {
	if limit >= len(r) {
		return len(r)
	}
	lo := int(float64(limit) * margin)
	if lo < 1 {
		lo = 1
	}

	for _, find := range []func([]rune, int, int) int{
		lastParagraph,
		lastSection,
		lastSentence,
		lastLineBreak,
	} {
		if i := find(r, lo, limit); i > 0 {
			return i
		}
	}
	if i := lastSpace(r, 1, limit); i > 0 {
		return i
	}
	return limit
}

// Each finder returns the largest cut index i in [lo, hi] such that r[:i] is
// a valid piece, or 0.

func lastParagraph(r []rune, lo, hi int) int {
	for i := hi; i >= lo; i-- {
		if i >= 2 && r[i-1] == '\n' && r[i-2] == '\n' {
			return i
		}
	}
	return 0
}

func lastSection(r []rune, lo, hi int) int {
	for i := hi; i >= lo; i-- {
		if i < len(r) && r[i-1] == '\n' && (r[i] == '#' || hasPrefixAt(r, i, "---")) {
			return i
		}
	}
	return 0
}

func lastSentence(r []rune, lo, hi int) int {
	for i := hi; i >= lo; i-- {
		switch r[i-1] {
		case '.', '!', '?', '。':
			if i == len(r) || unicode.IsSpace(r[i]) {
				return i
			}
		}
	}
	return 0
}

func lastLineBreak(r []rune, lo, hi int) int {
	for i := hi; i >= lo; i-- {
		if r[i-1] == '\n' {
			return i
		}
	}
	return 0
}

func lastSpace(r []rune, lo, hi int) int {
	for i := hi; i >= lo; i-- {
		if i < len(r) && unicode.IsSpace(r[i]) {
			return i
		}
	}
	return 0
}

func hasPrefixAt(r []rune, i int, p string) bool {
	for _, c := range p {
		if i >= len(r) || r[i] != c {
			return false
		}
		i++
	}
	return true
}

func trimLeftSpace(r []rune) []rune {
	for len(r) > 0 && unicode.IsSpace(r[0]) {
		r = r[1:]
	}
	return r
}
