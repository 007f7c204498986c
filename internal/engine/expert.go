package engine

import (
	"fmt"
	"strings"

	"github.com/amr-classifier-server/internal/catalog"
	"github.com/amr-classifier-server/internal/domain"
)

// Catalog vocabulary the built-in phenotype overrides depend on. The
// loader does not require these names; an override that references an
// undefined group or class simply never fires.
const (
	GroupEnterobacterales = "Enterobacterales"
	ClassBetaLactams      = "beta-lactams"
	ClassCarbapenems      = "carbapenems"
)

// Built-in override rule identifiers, stamped into fired-rules so the
// rationale is traceable without a catalog lookup.
const (
	RuleESBLOverride     = "ESBL-BL-OVR"
	RuleMRSAOverride     = "MRSA-BL-OVR"
	RuleMRSAException    = "MRSA-EXC-REV"
	RuleCarbOverride     = "CARB-CP-OVR"
	RuleVREOverride      = "VRE-VAN-OVR"
	RuleInducibleClinda  = "DTEST-CLI-OVR"
)

// outcome is one stage's verdict for a single input.
type outcome struct {
	decision   domain.Decision
	reason     string
	fired      []string
	suppressed []string
	fromExpert bool
}

// evaluateExpert runs the override stages in their fixed precedence:
// intrinsic resistance, then phenotype overrides, then catalog-defined
// expert rules by priority. Returns nil when nothing fires and
// breakpoint interpretation should run.
func evaluateExpert(cat *catalog.Catalog, in *domain.ClassificationInput) *outcome {
	intrinsic := evaluateIntrinsic(cat, in)
	phenotype := evaluatePhenotypes(cat, in)
	catalogOutcome, catalogMatches := evaluateCatalogRules(cat, in)

	var result *outcome
	switch {
	case intrinsic != nil && phenotype != nil && phenotype.decision == intrinsic.decision:
		// Both agree on direction; intrinsic outranks but the rationale
		// keeps both threads.
		result = intrinsic
		result.reason += "; " + phenotype.reason
		result.fired = append(result.fired, phenotype.fired...)
	case intrinsic != nil:
		result = intrinsic
		if phenotype != nil {
			result.suppressed = append(result.suppressed, phenotype.fired...)
		}
	case phenotype != nil:
		result = phenotype
	case catalogOutcome != nil:
		return catalogOutcome
	default:
		return nil
	}

	// A built-in override suppresses every matching catalog rule.
	result.suppressed = append(result.suppressed, catalogMatches...)
	return result
}

// evaluateIntrinsic checks the intrinsic-resistance tables. The measured
// value never matters; the organism is resistant by taxonomy.
func evaluateIntrinsic(cat *catalog.Catalog, in *domain.ClassificationInput) *outcome {
	var result *outcome
	for _, rule := range cat.Intrinsic {
		if !cat.ScopeMatches(rule.Scope, in.OrganismKey) {
			continue
		}
		if !ruleCoversAntibiotic(cat, in.AntibioticKey, rule.Antibiotics, rule.Classes) {
			continue
		}
		if result == nil {
			result = &outcome{
				decision:   domain.R,
				reason:     fmt.Sprintf("intrinsic resistance per rule %s", rule.ID),
				fired:      []string{rule.ID},
				fromExpert: true,
			}
			continue
		}
		result.suppressed = append(result.suppressed, rule.ID)
	}
	return result
}

// evaluatePhenotypes applies the built-in phenotype overrides in a fixed
// order; the first that fires wins.
func evaluatePhenotypes(cat *catalog.Catalog, in *domain.ClassificationInput) *outcome {
	checks := []func(*catalog.Catalog, *domain.ClassificationInput) *outcome{
		esblOverride,
		mrsaOverride,
		carbapenemaseOverride,
		vreOverride,
		inducibleClindaOverride,
	}
	for _, check := range checks {
		if o := check(cat, in); o != nil {
			return o
		}
	}
	return nil
}

// esblOverride forces R for beta-lactams on Enterobacterales carrying an
// ESBL. The catalog policy names the spared subclasses (carbapenems,
// inhibitor combinations); carbapenems are only overridden when a
// carbapenemase phenotype is present, which the dedicated override covers.
func esblOverride(cat *catalog.Catalog, in *domain.ClassificationInput) *outcome {
	if !in.HasPhenotype(domain.ESBL) {
		return nil
	}
	if !cat.OrganismInGroup(in.OrganismKey, GroupEnterobacterales) {
		return nil
	}
	if !cat.AntibioticInClass(in.AntibioticKey, ClassBetaLactams) {
		return nil
	}
	for _, spared := range cat.Policy.ESBLExceptionClasses {
		if cat.AntibioticInClass(in.AntibioticKey, spared) {
			return nil
		}
	}
	return &outcome{
		decision:   domain.R,
		reason:     "ESBL override for beta-lactam class",
		fired:      []string{RuleESBLOverride},
		fromExpert: true,
	}
}

// mrsaOverride forces R for beta-lactams on staphylococci flagged MRSA.
// Catalog-declared anti-MRSA cephalosporins are spared: depending on the
// policy they keep their breakpoint result or are forced to review.
func mrsaOverride(cat *catalog.Catalog, in *domain.ClassificationInput) *outcome {
	if !in.HasPhenotype(domain.MRSA) {
		return nil
	}
	if in.OrganismKey.Genus() != "Staphylococcus" {
		return nil
	}
	for _, spared := range cat.Policy.MRSAExceptions {
		if in.AntibioticKey != spared {
			continue
		}
		if cat.Policy.MRSAExceptionHandling == catalog.MRSA_EXCEPTION_REVIEW {
			return &outcome{
				decision:   domain.REQUIRES_REVIEW,
				reason:     fmt.Sprintf("anti-MRSA agent %s requires review under MRSA phenotype", spared),
				fired:      []string{RuleMRSAException},
				fromExpert: true,
			}
		}
		return nil
	}
	if !cat.AntibioticInClass(in.AntibioticKey, ClassBetaLactams) {
		return nil
	}
	return &outcome{
		decision:   domain.R,
		reason:     "MRSA override for beta-lactams (except anti-MRSA cephalosporins)",
		fired:      []string{RuleMRSAOverride},
		fromExpert: true,
	}
}

func carbapenemaseOverride(cat *catalog.Catalog, in *domain.ClassificationInput) *outcome {
	if !in.HasPhenotype(domain.CARBAPENEMASE) {
		return nil
	}
	if !cat.AntibioticInClass(in.AntibioticKey, ClassCarbapenems) {
		return nil
	}
	reason := "carbapenemase override for carbapenem class"
	if subtype := in.Auxiliary[domain.AuxCarbapenemaseSubtype]; subtype != "" {
		reason = fmt.Sprintf("carbapenemase (%s) override for carbapenem class", subtype)
	}
	return &outcome{
		decision:   domain.R,
		reason:     reason,
		fired:      []string{RuleCarbOverride},
		fromExpert: true,
	}
}

func vreOverride(_ *catalog.Catalog, in *domain.ClassificationInput) *outcome {
	if !in.HasPhenotype(domain.VRE) {
		return nil
	}
	if in.OrganismKey.Genus() != "Enterococcus" || in.AntibioticKey != "Vancomycin" {
		return nil
	}
	return &outcome{
		decision:   domain.R,
		reason:     "VRE override for vancomycin",
		fired:      []string{RuleVREOverride},
		fromExpert: true,
	}
}

// inducibleClindaOverride handles an explicitly reported positive D-test.
// Inference from sibling erythromycin/clindamycin results happens in a
// post-pass once both are classified.
func inducibleClindaOverride(_ *catalog.Catalog, in *domain.ClassificationInput) *outcome {
	if !in.HasPhenotype(domain.INDUCIBLE_CLINDA) {
		return nil
	}
	if in.OrganismKey.Genus() != "Staphylococcus" || in.AntibioticKey != "Clindamycin" {
		return nil
	}
	return &outcome{
		decision:   domain.R,
		reason:     "inducible clindamycin resistance (positive D-test)",
		fired:      []string{RuleInducibleClinda},
		fromExpert: true,
	}
}

// evaluateCatalogRules walks the catalog's expert rules in priority
// order. The first match wins and records later matches as suppressed.
// The full matched-id list also comes back, so a built-in override that
// outranks the catalog can report every losing rule as suppressed.
func evaluateCatalogRules(cat *catalog.Catalog, in *domain.ClassificationInput) (*outcome, []string) {
	var (
		winner  *outcome
		matched []string
	)
	for i := range cat.ExpertRules {
		rule := &cat.ExpertRules[i]
		if !catalogRuleMatches(cat, rule, in) {
			continue
		}
		matched = append(matched, rule.ID)
		if winner == nil {
			winner = &outcome{
				decision:   rule.Effect.Decision,
				reason:     rule.Effect.Rationale,
				fired:      []string{rule.ID},
				fromExpert: true,
			}
			continue
		}
		winner.suppressed = append(winner.suppressed, rule.ID)
	}
	return winner, matched
}

func catalogRuleMatches(cat *catalog.Catalog, rule *catalog.ExpertRule, in *domain.ClassificationInput) bool {
	when := rule.When
	if !when.Scope.IsZero() && !cat.ScopeMatches(when.Scope, in.OrganismKey) {
		return false
	}
	for _, p := range when.Phenotypes {
		if !in.HasPhenotype(p) {
			return false
		}
	}
	if len(when.Antibiotics) > 0 || len(when.Classes) > 0 {
		if !ruleCoversAntibiotic(cat, in.AntibioticKey, when.Antibiotics, when.Classes) {
			return false
		}
	}
	for _, exc := range rule.Exceptions {
		if in.AntibioticKey == exc {
			return false
		}
	}
	if len(when.Methods) > 0 && !methodIn(in.Method, when.Methods) {
		return false
	}
	if when.MinValue != nil || when.MaxValue != nil {
		v, ok := numericValue(in.Value)
		if !ok {
			return false
		}
		if when.MinValue != nil && v < *when.MinValue {
			return false
		}
		if when.MaxValue != nil && v > *when.MaxValue {
			return false
		}
	}
	for k, v := range when.Auxiliary {
		if in.Auxiliary[k] != v {
			return false
		}
	}
	if class := rule.Effect.AppliesToClass; class != "" && !cat.AntibioticInClass(in.AntibioticKey, class) {
		return false
	}
	return true
}

func ruleCoversAntibiotic(cat *catalog.Catalog, ab domain.AntibioticKey, antibiotics []domain.AntibioticKey, classes []string) bool {
	for _, a := range antibiotics {
		if a == ab {
			return true
		}
	}
	for _, class := range classes {
		if cat.AntibioticInClass(ab, class) {
			return true
		}
	}
	return false
}

func methodIn(m domain.MethodKind, set []domain.MethodKind) bool {
	for _, s := range set {
		if s == m {
			return true
		}
	}
	return false
}

func numericValue(m domain.Measurement) (float64, bool) {
	switch {
	case m.MicMgL != nil:
		return *m.MicMgL, true
	case m.ZoneMm != nil:
		return float64(*m.ZoneMm), true
	default:
		return 0, false
	}
}

// describeSuppressed renders the suppressed-rule suffix for a rationale.
func describeSuppressed(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return " (suppressed: " + strings.Join(ids, ", ") + ")"
}
