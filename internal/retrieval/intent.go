package retrieval

import "strings"

// Intent is the rule-based classification of a query's retrieval shape.
type Intent string

const (
	IntentFactual     Intent = "factual"
	IntentExploratory Intent = "exploratory"
	IntentTemporal    Intent = "temporal"
	IntentCausal      Intent = "causal"
	IntentUnknown     Intent = "unknown"
)

// StrategyProfile pairs a strategy template name with the candidate
// multiplier override it applies.
type StrategyProfile struct {
	Intent             Intent
	StrategyTemplate   string
	CandidateMultiplier int
}

var strategyByIntent = map[Intent]StrategyProfile{
	IntentFactual:     {IntentFactual, "factual_high_precision", 2},
	IntentExploratory: {IntentExploratory, "exploratory_high_recall", 6},
	IntentTemporal:    {IntentTemporal, "temporal_time_filtered", 5},
	IntentCausal:      {IntentCausal, "causal_wide_pool", 8},
	IntentUnknown:     {IntentUnknown, "default", 1},
}

// keyword families used for rule-based intent scoring.
var intentKeywords = map[Intent][]string{
	IntentFactual:     {"what", "who", "is", "define", "definition", "meaning"},
	IntentExploratory: {"explore", "ideas", "brainstorm", "options", "alternatives", "overview"},
	IntentTemporal:    {"when", "yesterday", "today", "last", "recent", "before", "after", "since", "until"},
	IntentCausal:      {"why", "because", "cause", "reason", "caused", "leads to", "due to"},
}

// ClassifyIntent runs rule-based scoring over keyword families. Equal top
// scores (including all-zero) resolve to unknown/default.
func ClassifyIntent(normalizedQuery string) StrategyProfile {
	tokens := strings.Fields(normalizedQuery)
	tokenSet := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = true
	}

	scores := make(map[Intent]int)
	for intent, words := range intentKeywords {
		count := 0
		for _, w := range words {
			if strings.Contains(w, " ") {
				if strings.Contains(normalizedQuery, w) {
					count++
				}
				continue
			}
			if tokenSet[w] {
				count++
			}
		}
		scores[intent] = count
	}

	best := IntentUnknown
	bestScore := 0
	tie := false
	for _, intent := range []Intent{IntentFactual, IntentExploratory, IntentTemporal, IntentCausal} {
		s := scores[intent]
		if s > bestScore {
			bestScore = s
			best = intent
			tie = false
		} else if s == bestScore && s > 0 {
			tie = true
		}
	}

	if bestScore == 0 || tie {
		return strategyByIntent[IntentUnknown]
	}
	return strategyByIntent[best]
}
