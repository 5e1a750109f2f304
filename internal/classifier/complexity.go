package classifier

import (
	"strings"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

// band awards points when a measure reaches min. Bands are listed highest
// first and only the first reached band counts.
type band struct {
	min    int
	points int
}

var (
	lengthBands   = []band{{800, 3}, {300, 2}, {100, 1}}
	wordBands     = []band{{120, 4}, {40, 3}, {15, 2}, {3, 1}}
	questionBands = []band{{4, 2}, {2, 1}}
	sentenceBands = []band{{6, 2}, {3, 1}}
	complexBands  = []band{{3, 3}, {1, 2}}
	techBands     = []band{{3, 2}, {1, 1}}
	clauseBands   = []band{{4, 2}, {2, 1}}
)

// complexityScale maps the inclusive lower bound of each bucket.
var complexityScale = []struct {
	min        int
	complexity types.Complexity
}{
	{9, types.ComplexityMaximum},
	{6, types.ComplexityComplex},
	{3, types.ComplexityMedium},
	{1, types.ComplexitySimple},
	{0, types.ComplexityMinimal},
}

func award(bands []band, v int) int {
	for _, b := range bands {
		if v >= b.min {
			return b.points
		}
	}
	return 0
}

// complexityScore is the weighted complexity sum for normalized text.
func complexityScore(r *compiledRules, text string) int {
	if text == "" {
		return 0
	}
	score := award(lengthBands, len(text))
	score += award(wordBands, len(strings.Fields(text)))
	score += award(questionBands, strings.Count(text, "?"))
	score += award(sentenceBands, countSentences(text))
	score += award(complexBands, countMatches(r.complex, text))
	score += award(techBands, countMatches(r.technical, text))
	if r.clauses != nil {
		score += award(clauseBands, len(r.clauses.FindAllStringIndex(text, -1)))
	}
	return score
}

// bucket maps a score onto the complexity scale.
func bucket(score int) types.Complexity {
	for _, s := range complexityScale {
		if score >= s.min {
			return s.complexity
		}
	}
	return types.ComplexityMinimal
}

// countSentences counts runs of terminators, plus a trailing unterminated
// sentence.
func countSentences(text string) int {
	n := 0
	inTerm := false
	for _, r := range text {
		switch r {
		case '.', '!', '?':
			if !inTerm {
				n++
			}
			inTerm = true
		default:
			inTerm = false
		}
	}
	trimmed := strings.TrimRight(text, " ")
	if trimmed != "" && !strings.ContainsRune(".!?", rune(trimmed[len(trimmed)-1])) {
		n++
	}
	return n
}
