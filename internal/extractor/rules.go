package extractor

import (
	"regexp"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

// Source selects which side of the exchange a rule reads.
type Source int

const (
	FromUser Source = iota
	FromResponse
)

// Rule is one labeled extraction pattern. The first capture group is
// substituted into Template with fmt verbs %s.
type Rule struct {
	Label      string
	Source     Source
	Pattern    *regexp.Regexp
	Template   string
	Importance types.Importance
	Category   types.FactCategory
}

// DefaultRules is the reviewable extraction table.
var DefaultRules = []Rule{
	{
		Label:      "name",
		Source:     FromUser,
		Pattern:    regexp.MustCompile(`\b(?:[Mm]y name is|[Cc]all me|I'm called|I am called)\s+(\p{Lu}[\p{L}'\-]+(?:\s+\p{Lu}[\p{L}'\-]+)?)`),
		Template:   "User's name: %s",
		Importance: types.ImportanceHigh,
		Category:   types.CategoryIdentity,
	},
	{
		Label:      "identity",
		Source:     FromUser,
		Pattern:    regexp.MustCompile(`(?i)\bI(?: am|'m) (?:a|an) ([a-z][a-z \-]{2,60}?)(?:[.,!?;]| and | who | at | in |$)`),
		Template:   "User is a %s",
		Importance: types.ImportanceHigh,
		Category:   types.CategoryIdentity,
	},
	{
		Label:      "goal",
		Source:     FromUser,
		Pattern:    regexp.MustCompile(`(?i)\b(?:my goal is(?: to)?|i want to|i plan to|i'm planning to|i am planning to|i aim to|i hope to)\s+([^.!?\n]{3,160})`),
		Template:   "User goal: %s",
		Importance: types.ImportanceHigh,
		Category:   types.CategoryGoal,
	},
	{
		Label:      "preference",
		Source:     FromUser,
		Pattern:    regexp.MustCompile(`(?i)\bI (?:really )?((?:like|love|prefer|enjoy|hate|dislike|avoid)\s+[^.!?\n]{3,120})`),
		Template:   "User preference: %s",
		Importance: types.ImportanceMedium,
		Category:   types.CategoryPreference,
	},
	{
		Label:      "location",
		Source:     FromUser,
		Pattern:    regexp.MustCompile(`(?i)\b(?:i live in|i'm based in|i am based in|i'm from|i am from|i moved to)\s+([^.!?\n,;]{2,80})`),
		Template:   "User location: %s",
		Importance: types.ImportanceMedium,
		Category:   types.CategoryLocation,
	},
	{
		Label:      "work",
		Source:     FromUser,
		Pattern:    regexp.MustCompile(`(?i)\b(?:i work (?:at|for|as|in)|my job is|i'm employed (?:at|by)|i am employed (?:at|by))\s+([^.!?\n,;]{2,100})`),
		Template:   "User work: %s",
		Importance: types.ImportanceMedium,
		Category:   types.CategoryWork,
	},
	{
		Label:      "remember",
		Source:     FromUser,
		Pattern:    regexp.MustCompile(`(?i)\b(?:please )?(?:remember|don't forget|do not forget|note) that\s+([^\n]{3,240})`),
		Template:   "User asked to remember: %s",
		Importance: types.ImportanceCritical,
		Category:   types.CategoryDirective,
	},
	{
		Label:      "insight",
		Source:     FromResponse,
		Pattern:    regexp.MustCompile(`(?im)^(?:[*_#>\-\s]*)(?:key (?:insight|takeaway)|bottom line|in summary|recommendation)[*_]*\s*[:\-]\s*([^\n]{10,240})`),
		Template:   "Insight: %s",
		Importance: types.ImportanceLow,
		Category:   types.CategoryInsight,
	},
}
