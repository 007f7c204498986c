package engine

import (
	"fmt"
	"math"
	"strconv"

	"github.com/amr-classifier-server/internal/catalog"
	"github.com/amr-classifier-server/internal/domain"
)

// comparatorEpsilon nudges a prefixed value across a threshold: ">8" is
// interpreted as 8 plus epsilon, "<0.25" as 0.25 minus epsilon. Small
// enough never to cross more than one threshold step.
const comparatorEpsilon = 1e-6

const reasonNoBreakpoint = "no applicable breakpoint"

// interpretBreakpoint compares the measured value against the selected
// breakpoint entry. Runs only when no override produced a decision; it
// always returns an outcome, degrading to REQUIRES_REVIEW when no entry
// matches or the value cannot be compared.
func interpretBreakpoint(
	cat *catalog.Catalog,
	in *domain.ClassificationInput,
	sourceOrder []domain.BreakpointSource,
) *outcome {
	method := in.Method
	entry := cat.FindBreakpoint(in.OrganismKey, in.AntibioticKey, method, sourceOrder)
	if entry == nil && method == domain.GRADIENT {
		// Gradient strips read out as MIC values; MIC tables apply.
		entry = cat.FindBreakpoint(in.OrganismKey, in.AntibioticKey, domain.MIC, sourceOrder)
	}
	if entry == nil {
		return &outcome{decision: domain.REQUIRES_REVIEW, reason: reasonNoBreakpoint}
	}

	switch entry.Unit {
	case catalog.MM:
		return interpretZone(entry, in.Value)
	default:
		return interpretMIC(entry, in.Value)
	}
}

// interpretMIC applies concentration semantics: lower is more susceptible.
func interpretMIC(entry *catalog.BreakpointEntry, m domain.Measurement) *outcome {
	if m.MicMgL == nil {
		return &outcome{decision: domain.REQUIRES_REVIEW, reason: reasonNoBreakpoint}
	}
	value := effectiveValue(*m.MicMgL, m.Comparator)
	label := fmt.Sprintf("MIC %s%s mg/L", m.Comparator, formatThreshold(*m.MicMgL))

	if entry.SThreshold != nil && value <= *entry.SThreshold {
		return &outcome{
			decision: domain.S,
			reason:   fmt.Sprintf("%s <= S threshold %s mg/L", label, formatThreshold(*entry.SThreshold)),
		}
	}
	if entry.RThreshold != nil {
		resistant := value > *entry.RThreshold
		relation := ">"
		if entry.Cmp == catalog.LE_S_GE_R {
			resistant = value >= *entry.RThreshold
			relation = ">="
		}
		if resistant {
			if entry.RareResistance && value >= *entry.RThreshold+entry.RareMargin {
				return &outcome{
					decision: domain.RR,
					reason: fmt.Sprintf("%s exceeds R threshold %s mg/L by the rare-resistance margin %s",
						label, formatThreshold(*entry.RThreshold), formatThreshold(entry.RareMargin)),
				}
			}
			return &outcome{
				decision: domain.R,
				reason:   fmt.Sprintf("%s %s R threshold %s mg/L", label, relation, formatThreshold(*entry.RThreshold)),
			}
		}
	}
	if entry.IThreshold != nil && value <= *entry.IThreshold {
		return &outcome{
			decision: domain.I,
			reason:   fmt.Sprintf("%s <= I threshold %s mg/L", label, formatThreshold(*entry.IThreshold)),
		}
	}
	if entry.SThreshold != nil && entry.RThreshold != nil {
		return &outcome{
			decision: domain.I,
			reason: fmt.Sprintf("%s between S threshold %s mg/L and R threshold %s mg/L",
				label, formatThreshold(*entry.SThreshold), formatThreshold(*entry.RThreshold)),
		}
	}
	return &outcome{decision: domain.REQUIRES_REVIEW, reason: reasonNoBreakpoint}
}

// interpretZone applies disc diffusion semantics: larger zones are more
// susceptible.
func interpretZone(entry *catalog.BreakpointEntry, m domain.Measurement) *outcome {
	if m.ZoneMm == nil {
		return &outcome{decision: domain.REQUIRES_REVIEW, reason: reasonNoBreakpoint}
	}
	value := effectiveValue(float64(*m.ZoneMm), m.Comparator)
	label := fmt.Sprintf("zone %s%d mm", m.Comparator, *m.ZoneMm)

	if entry.SThreshold != nil && value >= *entry.SThreshold {
		return &outcome{
			decision: domain.S,
			reason:   fmt.Sprintf("%s >= S threshold %s mm", label, formatThreshold(*entry.SThreshold)),
		}
	}
	if entry.RThreshold != nil && value < *entry.RThreshold {
		if entry.RareResistance && value <= *entry.RThreshold-entry.RareMargin {
			return &outcome{
				decision: domain.RR,
				reason: fmt.Sprintf("%s below R threshold %s mm by the rare-resistance margin %s",
					label, formatThreshold(*entry.RThreshold), formatThreshold(entry.RareMargin)),
			}
		}
		return &outcome{
			decision: domain.R,
			reason:   fmt.Sprintf("%s < R threshold %s mm", label, formatThreshold(*entry.RThreshold)),
		}
	}
	if entry.SThreshold != nil && entry.RThreshold != nil {
		return &outcome{
			decision: domain.I,
			reason: fmt.Sprintf("%s between R threshold %s mm and S threshold %s mm",
				label, formatThreshold(*entry.RThreshold), formatThreshold(*entry.SThreshold)),
		}
	}
	return &outcome{decision: domain.REQUIRES_REVIEW, reason: reasonNoBreakpoint}
}

// effectiveValue folds an HL7 comparator prefix into the numeric used for
// comparison. The prefix itself stays visible in the rationale label.
func effectiveValue(v float64, cmp domain.ValueComparator) float64 {
	switch cmp {
	case domain.CMP_GT:
		return v + comparatorEpsilon
	case domain.CMP_LT:
		return v - comparatorEpsilon
	default:
		return v
	}
}

// formatThreshold renders a numeric with at least one decimal place
// ("8.0", "0.25") so rationale strings read as concentrations.
func formatThreshold(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%.1f", v)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
