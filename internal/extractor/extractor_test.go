package extractor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

func TestExtract_Name(t *testing.T) {
	e := NewDefault()
	got := e.Extract("My name is Dara.", "Nice to meet you, Dara!")
	require.Len(t, got, 1)
	assert.Equal(t, "User's name: Dara", got[0].FactText)
	assert.Equal(t, types.ImportanceHigh, got[0].Importance)
	assert.Equal(t, types.CategoryIdentity, got[0].Category)
	assert.Equal(t, "name", got[0].Rule)
}

func TestExtract_RuleTable(t *testing.T) {
	e := NewDefault()

	tests := []struct {
		name     string
		user     string
		response string
		want     string
		imp      types.Importance
	}{
		{"two word name", "Hi, call me Sok Dara please", "", "User's name: Sok Dara", types.ImportanceHigh},
		{"identity", "I am a software engineer at ABA Bank.", "", "User is a software engineer", types.ImportanceHigh},
		{"goal", "My goal is to retire by 50.", "", "User goal: retire by 50", types.ImportanceHigh},
		{"preference", "I really love spicy food.", "", "User preference: love spicy food", types.ImportanceMedium},
		{"location", "I live in Siem Reap, near the river.", "", "User location: Siem Reap", types.ImportanceMedium},
		{"work", "I work for a microfinance lender", "", "User work: a microfinance lender", types.ImportanceMedium},
		{"remember directive", "Please remember that my daughter's birthday is May 3.", "", "User asked to remember: my daughter's birthday is May 3", types.ImportanceCritical},
		{"response insight", "what should I do?", "Some text.\n**Key takeaway**: diversify across currencies before year end\nMore.", "Insight: diversify across currencies before year end", types.ImportanceLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Extract(tt.user, tt.response)
			var found *types.FactCandidate
			for i := range got {
				if got[i].FactText == tt.want {
					found = &got[i]
				}
			}
			require.NotNil(t, found, "candidates: %+v", got)
			assert.Equal(t, tt.imp, found.Importance)
		})
	}
}

func TestExtract_InsightOnlyFromResponse(t *testing.T) {
	e := NewDefault()
	got := e.Extract("Key insight: the user typed this themselves", "")
	for _, c := range got {
		assert.NotEqual(t, types.CategoryInsight, c.Category)
	}
}

func TestExtract_LengthWindow(t *testing.T) {
	e := New([]Rule{{
		Label:      "any",
		Pattern:    DefaultRules[2].Pattern,
		Template:   "%s",
		Importance: types.ImportanceHigh,
	}}, DefaultPolicy())

	assert.Empty(t, e.Extract("my goal is abc", ""), "too short")
	assert.Len(t, e.Extract("my goal is abcdefghij", ""), 1)

	long := "I want to " + strings.Repeat("save ", 80)
	for _, c := range NewDefault().Extract(long, "") {
		assert.LessOrEqual(t, len([]rune(c.FactText)), MaxFactLength)
	}
}

func TestExtract_NoMatch(t *testing.T) {
	assert.Empty(t, NewDefault().Extract("what's the weather", "It is sunny."))
}

func TestShouldPersist(t *testing.T) {
	e := NewDefault()

	d := e.ShouldPersist("Remember that I bank with ABA", "ok", types.QueryGeneral)
	assert.True(t, d.Persist)
	assert.Equal(t, "trigger:remember", d.Reason)

	d = e.ShouldPersist("explain bonds", strings.Repeat("x", 501), types.QueryGeneral)
	assert.Equal(t, Decision{Persist: true, Reason: "long_response"}, d)

	d = e.ShouldPersist("riel outlook?", strings.Repeat("x", 250), types.QueryRegionFinance)
	assert.Equal(t, Decision{Persist: true, Reason: "finance_response"}, d)

	d = e.ShouldPersist("riel outlook?", strings.Repeat("x", 250), types.QueryCasual)
	assert.False(t, d.Persist)

	d = e.ShouldPersist("hello", "hi there", types.QueryCasual)
	assert.False(t, d.Persist)
}

func TestShouldPersist_TriggersMatchWholeWords(t *testing.T) {
	e := NewDefault()

	for _, msg := range []string{
		"that detail is unimportant",
		"flights to miami",
		"hi amy, how are you",
	} {
		assert.False(t, e.ShouldPersist(msg, "ok", types.QueryGeneral).Persist, msg)
	}

	d := e.ShouldPersist("This is important: I bank with ABA", "ok", types.QueryGeneral)
	assert.Equal(t, Decision{Persist: true, Reason: "trigger:important"}, d)

	d = e.ShouldPersist("Hi, I am Dara", "ok", types.QueryGeneral)
	assert.Equal(t, Decision{Persist: true, Reason: "trigger:i am"}, d)
}

func TestSetPolicy_FillsDefaults(t *testing.T) {
	e := NewDefault()
	e.SetPolicy(Policy{Triggers: []string{"  VAULT  "}})

	p := e.Policy()
	assert.Equal(t, []string{"vault"}, p.Triggers)
	assert.Equal(t, 500, p.ResponseThreshold)
	assert.True(t, e.ShouldPersist("open the Vault", "", types.QueryGeneral).Persist)
	assert.False(t, e.ShouldPersist("remember this", "", types.QueryGeneral).Persist)
}
