package guard

// Similarity thresholds for the deterministic write-guard rule. TauHigh
// gates on cosine similarity of the top semantic candidate, TauKw on a
// normalized token-overlap score. Below either, the fallback rule returns
// ADD rather than NOOP/UPDATE; any candidate that does not clear both gates
// is treated as "not a duplicate."
const (
	TauHigh = 0.82
	TauKw   = 0.55
)

// candidatePoolLimit bounds how many scoped memories the guard embeds and
// scores per sub-call, keeping a write-path latency bound even over a large
// domain.
const candidatePoolLimit = 50

// topKForArbiter bounds how many candidates are sent to the LLM arbiter
// prompt.
const topKForArbiter = 5
