package emergency

const (
	// EscalationThreshold is the fixed score at or above which a case escalates.
	EscalationThreshold = 7

	DefaultMinConfidence = 0.6
)

// DecisionPolicy turns an assessment into an escalation decision.
type DecisionPolicy struct {
	Threshold     int
	MinConfidence float64
}

func DefaultPolicy() DecisionPolicy {
	return DecisionPolicy{Threshold: EscalationThreshold, MinConfidence: DefaultMinConfidence}
}

// Decide escalates on a high score. Below the threshold it still escalates a
// family request flagged as severe when the oracle is not confident in its low score.
func (p DecisionPolicy) Decide(score int, confidence float64, origin Origin, severe bool) Decision {
	threshold := p.Threshold
	if threshold == 0 {
		threshold = EscalationThreshold
	}
	if score >= threshold {
		return DecisionEscalated
	}
	if confidence < p.MinConfidence && origin == OriginRequested && severe {
		return DecisionEscalated
	}
	return DecisionStandard
}

// DecideFor applies the policy to an assessed incident.
func (p DecisionPolicy) DecideFor(incident IncidentReport, a CriticalityAssessment) Decision {
	return p.Decide(a.Score, a.Confidence, incident.Origin, incident.Severe)
}
