package vitality

// Decay and reinforcement constants, kept as internal constants rather
// than environment keys: they encode a decay model, not a
// deployment-specific tuning knob.
const (
	// DecayLambda is the exponential decay rate applied per day of
	// inactivity: vitality *= exp(-DecayLambda * days_since_last_access).
	DecayLambda = 0.05

	// VitalityCap bounds vitality_score from above; reinforcement never
	// pushes a memory's vitality past this ceiling.
	VitalityCap = 10.0

	// ReinforceDelta is added to vitality_score on each access,
	// (capped at VitalityCap).
	ReinforceDelta = 0.5
)
