package retrieval

import (
	"strings"
	"unicode"
)

// PreprocessResult is the return value of PreprocessQuery.
type PreprocessResult struct {
	Original   string
	Normalized string
	Rewritten  string
	Tokens     []string
	Changed    bool
}

// PreprocessQuery normalizes whitespace, lowercases a copy, and strips
// trailing punctuation, while preserving domain://path URIs and non-ASCII
// tokens verbatim.
func PreprocessQuery(query string) PreprocessResult {
	fields := strings.Fields(query)
	normalized := strings.Join(fields, " ")

	tokens := make([]string, len(fields))
	for i, f := range fields {
		tokens[i] = rewriteToken(f)
	}
	rewritten := strings.Join(tokens, " ")

	return PreprocessResult{
		Original:   query,
		Normalized: normalized,
		Rewritten:  rewritten,
		Tokens:     tokens,
		Changed:    rewritten != query,
	}
}

func rewriteToken(tok string) string {
	if strings.Contains(tok, "://") {
		return tok
	}
	if !isASCII(tok) {
		return tok
	}
	return strings.ToLower(strings.TrimRightFunc(tok, isTrailingPunct))
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func isTrailingPunct(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ';', ':':
		return true
	default:
		return false
	}
}
