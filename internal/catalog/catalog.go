// Package catalog loads, validates and serves the versioned rule catalog:
// breakpoint tables, expert-override rules, intrinsic-resistance tables,
// organism groups and antibiotic classes. A published Catalog is an
// immutable snapshot; the Store swaps snapshots atomically on reload.
package catalog

import (
	"sort"
	"strings"

	"github.com/amr-classifier-server/internal/domain"
)

// Comparator selects the threshold semantics of a breakpoint entry.
type Comparator string

const (
	// LE_S_GT_R: value <= S -> S, value > R -> R (EUCAST MIC standard).
	LE_S_GT_R Comparator = "LE_S_GT_R"
	// LE_S_GE_R: value <= S -> S, value >= R -> R.
	LE_S_GE_R Comparator = "LE_S_GE_R"
	// LE_S_LE_I_GT_R: value <= S -> S, S < value <= I -> I, value > R -> R.
	LE_S_LE_I_GT_R Comparator = "LE_S_LE_I_GT_R"
	// INVERSE_FOR_DISC: zone >= S -> S, zone < R -> R, intermediate between.
	INVERSE_FOR_DISC Comparator = "INVERSE_FOR_DISC"
)

// IsValid reports whether the comparator is recognized.
func (c Comparator) IsValid() bool {
	switch c {
	case LE_S_GT_R, LE_S_GE_R, LE_S_LE_I_GT_R, INVERSE_FOR_DISC:
		return true
	default:
		return false
	}
}

// Unit is the measurement unit a breakpoint entry is expressed in.
type Unit string

const (
	MG_PER_L Unit = "MG_PER_L"
	MM       Unit = "MM"
)

// OrganismScope matches organisms by exact key, by named-group membership
// or by genus. At most one selector is set; Specificity orders matches
// (exact > group > genus).
type OrganismScope struct {
	Exact domain.OrganismKey `yaml:"organism,omitempty" json:"organism,omitempty"`
	Group string             `yaml:"organismGroup,omitempty" json:"organismGroup,omitempty"`
	Genus string             `yaml:"organismGenus,omitempty" json:"organismGenus,omitempty"`
}

// IsZero reports whether no selector is set.
func (s OrganismScope) IsZero() bool {
	return s.Exact == "" && s.Group == "" && s.Genus == ""
}

// Specificity ranks the scope for most-specific-wins selection.
func (s OrganismScope) Specificity() int {
	switch {
	case s.Exact != "":
		return 3
	case s.Group != "":
		return 2
	case s.Genus != "":
		return 1
	default:
		return 0
	}
}

// String names the scope for rationale and error messages.
func (s OrganismScope) String() string {
	switch {
	case s.Exact != "":
		return string(s.Exact)
	case s.Group != "":
		return "group " + s.Group
	case s.Genus != "":
		return "genus " + s.Genus
	default:
		return "any organism"
	}
}

// BreakpointEntry is one row of a breakpoint table.
type BreakpointEntry struct {
	Scope      OrganismScope           `yaml:",inline"`
	Antibiotic domain.AntibioticKey    `yaml:"antibiotic" validate:"required"`
	Method     domain.MethodKind       `yaml:"method" validate:"required,oneof=MIC DISC SCREEN PHENOTYPE GRADIENT"`
	Source     domain.BreakpointSource `yaml:"source" validate:"required,oneof=EUCAST CLSI LOCAL"`
	Version    string                  `yaml:"versionLabel,omitempty"`

	SThreshold *float64 `yaml:"sThreshold,omitempty"`
	IThreshold *float64 `yaml:"iThreshold,omitempty"`
	RThreshold *float64 `yaml:"rThreshold,omitempty"`

	Cmp  Comparator `yaml:"comparator" validate:"required,oneof=LE_S_GT_R LE_S_GE_R LE_S_LE_I_GT_R INVERSE_FOR_DISC"`
	Unit Unit       `yaml:"unit" validate:"required,oneof=MG_PER_L MM"`

	// RareResistance marks organism/antibiotic pairs where resistance is
	// so uncommon that values beyond RThreshold + RareMargin are reported
	// RR instead of R.
	RareResistance bool    `yaml:"rareResistance,omitempty"`
	RareMargin     float64 `yaml:"rareMargin,omitempty"`
}

// RulePredicate is the declarative "when" part of an expert rule.
type RulePredicate struct {
	Scope       OrganismScope          `yaml:",inline"`
	Phenotypes  []domain.PhenotypeFlag `yaml:"phenotypes,omitempty"`
	Antibiotics []domain.AntibioticKey `yaml:"antibiotics,omitempty"`
	Classes     []string               `yaml:"antibioticClasses,omitempty"`
	Methods     []domain.MethodKind    `yaml:"methods,omitempty"`

	// Value bounds apply to the numeric measurement when set.
	MinValue *float64 `yaml:"minValue,omitempty"`
	MaxValue *float64 `yaml:"maxValue,omitempty"`

	// Auxiliary requires exact key=value matches on input auxiliary data.
	Auxiliary map[string]string `yaml:"auxiliary,omitempty"`
}

// RuleEffect is the declarative "effect" part of an expert rule.
type RuleEffect struct {
	Decision  domain.Decision `yaml:"decision"`
	Rationale string          `yaml:"rationale"`
	// AppliesToClass restricts the effect to members of a class, on top
	// of the predicate's antibiotic selection.
	AppliesToClass string `yaml:"appliesToClass,omitempty"`
}

// ExpertRule is a catalog-defined override evaluated before breakpoint
// interpretation. Priority is a total order, higher first; ties break on ID.
type ExpertRule struct {
	ID         string                 `yaml:"id" validate:"required"`
	Priority   int                    `yaml:"priority"`
	When       RulePredicate          `yaml:"when"`
	Effect     RuleEffect             `yaml:"effect"`
	Exceptions []domain.AntibioticKey `yaml:"exceptions,omitempty"`
}

// IntrinsicRule declares antibiotics (or whole classes) to which an
// organism scope is inherently resistant regardless of measured value.
type IntrinsicRule struct {
	ID          string                 `yaml:"id"`
	Scope       OrganismScope          `yaml:",inline"`
	Antibiotics []domain.AntibioticKey `yaml:"antibiotics,omitempty"`
	Classes     []string               `yaml:"antibioticClasses,omitempty"`
	Rationale   string                 `yaml:"rationale,omitempty"`
}

// MRSAExceptionMode chooses how catalog-declared anti-MRSA cephalosporins
// are handled under an MRSA override.
type MRSAExceptionMode string

const (
	// MRSA_EXCEPTION_BREAKPOINT leaves the exceptions to normal
	// breakpoint interpretation.
	MRSA_EXCEPTION_BREAKPOINT MRSAExceptionMode = "breakpoint"
	// MRSA_EXCEPTION_REVIEW forces the exceptions to REQUIRES_REVIEW.
	MRSA_EXCEPTION_REVIEW MRSAExceptionMode = "review"
)

// ConflictPolicy configures the conflict resolver.
type ConflictPolicy struct {
	// PreferMethod breaks method conflicts in favor of the named method.
	// Empty means every disagreement is REQUIRES_REVIEW.
	PreferMethod domain.MethodKind `yaml:"preferMethod,omitempty"`
}

// Policy carries catalog-level interpretation settings.
type Policy struct {
	Conflict ConflictPolicy `yaml:"conflict"`

	// ESBLExceptionClasses are beta-lactam subclasses spared by the ESBL
	// override (carbapenems, inhibitor combinations).
	ESBLExceptionClasses []string `yaml:"esblExceptionClasses,omitempty"`

	// MRSAExceptions are anti-MRSA cephalosporins spared by the MRSA
	// override; MRSAExceptionHandling decides what happens to them.
	MRSAExceptions        []domain.AntibioticKey `yaml:"mrsaExceptions,omitempty"`
	MRSAExceptionHandling MRSAExceptionMode      `yaml:"mrsaExceptionHandling,omitempty"`
}

// Catalog is the immutable, versioned rule set. Built once by the loader
// and never mutated after publication; requests hold a snapshot reference
// for their whole lifetime.
type Catalog struct {
	Version     string
	Breakpoints []BreakpointEntry
	ExpertRules []ExpertRule
	Intrinsic   []IntrinsicRule
	Policy      Policy

	// groups maps a group name to its fully expanded member set plus any
	// genus patterns it declares.
	groups map[string]groupMembers
	// classes maps a class name to its member antibiotics.
	classes map[string]map[domain.AntibioticKey]struct{}
	// byAntibiotic indexes breakpoints for lookup.
	byAntibiotic map[domain.AntibioticKey][]*BreakpointEntry
}

type groupMembers struct {
	keys   map[domain.OrganismKey]struct{}
	genera map[string]struct{}
}

// GroupPatternPrefix marks a genus pattern inside an organism group
// definition ("genus:Proteus").
const GroupPatternPrefix = "genus:"

// GroupRefPrefix marks a nested group reference inside an organism group
// definition ("group:Enterobacterales").
const GroupRefPrefix = "group:"

// OrganismInGroup reports whether the organism belongs to the named group.
func (c *Catalog) OrganismInGroup(key domain.OrganismKey, group string) bool {
	g, ok := c.groups[group]
	if !ok {
		return false
	}
	if _, ok := g.keys[key]; ok {
		return true
	}
	_, ok = g.genera[key.Genus()]
	return ok
}

// AntibioticInClass reports whether the antibiotic belongs to the class.
func (c *Catalog) AntibioticInClass(key domain.AntibioticKey, class string) bool {
	members, ok := c.classes[class]
	if !ok {
		return false
	}
	_, ok = members[key]
	return ok
}

// ClassMembers returns the member set of a class, sorted for determinism.
func (c *Catalog) ClassMembers(class string) []domain.AntibioticKey {
	members, ok := c.classes[class]
	if !ok {
		return nil
	}
	out := make([]domain.AntibioticKey, 0, len(members))
	for k := range members {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasClass reports whether the class name is defined.
func (c *Catalog) HasClass(class string) bool {
	_, ok := c.classes[class]
	return ok
}

// ScopeMatches reports whether the scope covers the organism under this
// catalog's group definitions.
func (c *Catalog) ScopeMatches(s OrganismScope, key domain.OrganismKey) bool {
	switch {
	case s.Exact != "":
		return s.Exact == key
	case s.Group != "":
		return c.OrganismInGroup(key, s.Group)
	case s.Genus != "":
		return strings.EqualFold(s.Genus, key.Genus())
	default:
		return false
	}
}

// FindBreakpoint selects the breakpoint entry for (organism, antibiotic,
// method). Sources are tried in the given preference order; within a
// source the most specific matching scope wins.
func (c *Catalog) FindBreakpoint(
	org domain.OrganismKey,
	ab domain.AntibioticKey,
	method domain.MethodKind,
	sourceOrder []domain.BreakpointSource,
) *BreakpointEntry {
	candidates := c.byAntibiotic[ab]
	if len(candidates) == 0 {
		return nil
	}
	for _, src := range sourceOrder {
		var best *BreakpointEntry
		for _, e := range candidates {
			if e.Source != src || e.Method != method {
				continue
			}
			if !c.ScopeMatches(e.Scope, org) {
				continue
			}
			if best == nil || e.Scope.Specificity() > best.Scope.Specificity() {
				best = e
			}
		}
		if best != nil {
			return best
		}
	}
	return nil
}

// ruleSort orders expert rules by descending priority, ties on ID.
func ruleSort(rules []ExpertRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// buildIndexes materializes lookup structures after a successful load.
// Returns violations for group references that cannot be resolved; the
// loader has already checked acyclicity.
func (c *Catalog) buildIndexes(rawGroups map[string][]string) []domain.Violation {
	var violations []domain.Violation

	c.groups = make(map[string]groupMembers, len(rawGroups))
	for name := range rawGroups {
		c.groups[name] = c.expandGroup(name, rawGroups, map[string]bool{})
	}

	c.byAntibiotic = make(map[domain.AntibioticKey][]*BreakpointEntry)
	for i := range c.Breakpoints {
		e := &c.Breakpoints[i]
		if e.Scope.Group != "" {
			if _, ok := c.groups[e.Scope.Group]; !ok {
				violations = append(violations, domain.Violation{
					Kind:    domain.VIOLATION_SEMANTIC,
					Path:    "breakpoints/" + string(e.Antibiotic),
					Message: "unknown organism group " + e.Scope.Group,
				})
				continue
			}
		}
		c.byAntibiotic[e.Antibiotic] = append(c.byAntibiotic[e.Antibiotic], e)
	}

	ruleSort(c.ExpertRules)
	return violations
}

// expandGroup resolves nested group references into a flat member set.
// seen guards against cycles; the loader rejects cyclic definitions
// before indexes are built, so hitting one here just stops expansion.
func (c *Catalog) expandGroup(name string, raw map[string][]string, seen map[string]bool) groupMembers {
	out := groupMembers{
		keys:   make(map[domain.OrganismKey]struct{}),
		genera: make(map[string]struct{}),
	}
	if seen[name] {
		return out
	}
	seen[name] = true
	for _, member := range raw[name] {
		switch {
		case strings.HasPrefix(member, GroupRefPrefix):
			nested := c.expandGroup(strings.TrimPrefix(member, GroupRefPrefix), raw, seen)
			for k := range nested.keys {
				out.keys[k] = struct{}{}
			}
			for g := range nested.genera {
				out.genera[g] = struct{}{}
			}
		case strings.HasPrefix(member, GroupPatternPrefix):
			out.genera[strings.TrimPrefix(member, GroupPatternPrefix)] = struct{}{}
		default:
			out.keys[domain.OrganismKey(member)] = struct{}{}
		}
	}
	return out
}
