package engine

import (
	"fmt"
	"strings"

	"github.com/amr-classifier-server/internal/catalog"
	"github.com/amr-classifier-server/internal/domain"
)

// resultEntry pairs a result with provenance the conflict resolver needs:
// breakpoint results may be overruled by a method preference, expert
// decisions never are.
type resultEntry struct {
	res        *domain.ClassificationResult
	fromExpert bool
}

// resolveConflicts reconciles multiple measurements for the same
// (specimen, organism, antibiotic). Review results pass through
// unmerged; determinate decisions for one triple collapse into a single
// result. Output order follows the first appearance of each triple.
func resolveConflicts(policy catalog.ConflictPolicy, entries []resultEntry) []*domain.ClassificationResult {
	type group struct {
		decided []resultEntry
	}
	groups := make(map[string]*group)
	key := func(r *domain.ClassificationResult) string {
		return r.SpecimenID + "|" + r.Organism + "|" + r.Antibiotic
	}
	for _, e := range entries {
		if e.res.Decision == domain.REQUIRES_REVIEW {
			continue
		}
		k := key(e.res)
		if groups[k] == nil {
			groups[k] = &group{}
		}
		groups[k].decided = append(groups[k].decided, e)
	}

	var out []*domain.ClassificationResult
	emitted := make(map[string]bool)
	for _, e := range entries {
		if e.res.Decision == domain.REQUIRES_REVIEW {
			out = append(out, e.res)
			continue
		}
		k := key(e.res)
		if emitted[k] {
			continue
		}
		emitted[k] = true
		out = append(out, mergeDecided(policy, groups[k].decided))
	}
	return out
}

// mergeDecided collapses the determinate results for one triple.
func mergeDecided(policy catalog.ConflictPolicy, group []resultEntry) *domain.ClassificationResult {
	if len(group) == 1 {
		return group[0].res
	}

	// An expert override is never displaced by a disagreeing breakpoint
	// interpretation of another measurement.
	for _, e := range group {
		if e.fromExpert {
			return e.res
		}
	}

	if allSameDecision(group) {
		winner := group[0].res
		var others []string
		for _, e := range group[1:] {
			others = append(others, e.res.Input.Value.Describe())
		}
		winner.Reason += "; concordant with " + strings.Join(others, ", ")
		return winner
	}

	if distinctMethods(group) {
		if prefer := policy.PreferMethod; prefer != "" {
			if winner := preferredEntry(group, prefer); winner != nil {
				var notes []string
				for _, e := range group {
					if e.res == winner.res || e.res.Decision == winner.res.Decision {
						continue
					}
					notes = append(notes, fmt.Sprintf("%s disagrees (%s => %s)",
						methodNoun(e.res.Method), valueNoun(e.res.Input.Value), e.res.Decision))
				}
				winner.res.Reason = methodNoun(prefer) + " preferred; " + strings.Join(notes, "; ")
				return winner.res
			}
		}
		review := *group[0].res
		review.Decision = domain.REQUIRES_REVIEW
		review.Reason = "conflicting methods: " + methodDecisionList(group)
		review.FiredRules = nil
		return &review
	}

	review := *group[0].res
	review.Decision = domain.REQUIRES_REVIEW
	review.Reason = "duplicate measurements disagree"
	review.FiredRules = nil
	return &review
}

func allSameDecision(group []resultEntry) bool {
	for _, e := range group[1:] {
		if e.res.Decision != group[0].res.Decision {
			return false
		}
	}
	return true
}

func distinctMethods(group []resultEntry) bool {
	for _, e := range group[1:] {
		if e.res.Method != group[0].res.Method {
			return true
		}
	}
	return false
}

// preferredEntry returns the first result measured by the preferred
// method. Gradient strips count as MIC measurements.
func preferredEntry(group []resultEntry, prefer domain.MethodKind) *resultEntry {
	for i := range group {
		m := group[i].res.Method
		if m == prefer || (prefer == domain.MIC && m == domain.GRADIENT) {
			return &group[i]
		}
	}
	return nil
}

// methodDecisionList renders "MIC=S, DISC=R" in a fixed method order.
func methodDecisionList(group []resultEntry) string {
	rank := map[domain.MethodKind]int{
		domain.MIC:      0,
		domain.GRADIENT: 1,
		domain.DISC:     2,
		domain.SCREEN:   3,
	}
	sorted := append([]resultEntry(nil), group...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && rank[sorted[j].res.Method] < rank[sorted[j-1].res.Method]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	parts := make([]string, 0, len(sorted))
	for _, e := range sorted {
		parts = append(parts, fmt.Sprintf("%s=%s", e.res.Method, e.res.Decision))
	}
	return strings.Join(parts, ", ")
}

func methodNoun(m domain.MethodKind) string {
	switch m {
	case domain.DISC:
		return "disc diffusion"
	case domain.GRADIENT:
		return "gradient strip"
	case domain.SCREEN:
		return "screen"
	case domain.PHENOTYPE:
		return "phenotype"
	default:
		return string(m)
	}
}

func valueNoun(m domain.Measurement) string {
	switch {
	case m.ZoneMm != nil:
		return fmt.Sprintf("%s%d mm", m.Comparator, *m.ZoneMm)
	case m.MicMgL != nil:
		return fmt.Sprintf("%s%s mg/L", m.Comparator, formatThreshold(*m.MicMgL))
	default:
		return "no value"
	}
}
