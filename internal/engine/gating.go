package engine

import "github.com/amr-classifier-server/internal/domain"

// Plausible measurement ranges. Values outside are recording errors, not
// extreme resistance.
const (
	micRangeLow  = 0.001 // exclusive
	micRangeHigh = 1024  // inclusive
	discRangeLow = 1     // inclusive
	discRangeHigh = 100  // inclusive
)

// Gate reasons. The first firing gate decides the result; every firing
// gate is recorded in the rationale.
const (
	gateInconsistent      = "method/value inconsistent"
	gateMICMissing        = "MIC value missing for MIC method"
	gateZoneMissing       = "Zone diameter missing for disk method"
	gateOrganismUnknown   = "organism not recognized"
	gateAntibioticUnknown = "antibiotic not recognized"
	gateOutOfRange        = "value out of plausible range"
)

// gate checks classification preconditions in a fixed order and returns
// every reason that fired. An input that trips any gate becomes a
// REQUIRES_REVIEW result instead of a resistance call.
func gate(in *domain.ClassificationInput) []string {
	var reasons []string

	if !in.Method.IsValid() || !in.Value.Agrees(in.Method) {
		reasons = append(reasons, gateInconsistent)
	}
	if in.Method.UsesConcentration() && in.Value.MicMgL == nil && in.Value.Agrees(in.Method) {
		reasons = append(reasons, gateMICMissing)
	}
	if in.Method == domain.DISC && in.Value.ZoneMm == nil && in.Value.Agrees(in.Method) {
		reasons = append(reasons, gateZoneMissing)
	}
	if !in.OrganismKey.IsResolved() {
		reasons = append(reasons, gateOrganismUnknown)
	}
	if !in.AntibioticKey.IsResolved() {
		reasons = append(reasons, gateAntibioticUnknown)
	}
	if outOfPlausibleRange(in.Value) {
		reasons = append(reasons, gateOutOfRange)
	}

	return reasons
}

func outOfPlausibleRange(m domain.Measurement) bool {
	if m.MicMgL != nil {
		v := *m.MicMgL
		return v <= micRangeLow || v > micRangeHigh
	}
	if m.ZoneMm != nil {
		z := *m.ZoneMm
		return z < discRangeLow || z > discRangeHigh
	}
	return false
}
