package domain

import (
	"fmt"
	"time"
)

// CodedText is the raw (system, code, display) triple as it arrived from
// an adapter. Adapters never resolve terminology; they surface the triple
// and the normalizer maps it to a canonical key.
type CodedText struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// IsZero reports whether no designator was provided at all.
func (c CodedText) IsZero() bool {
	return c.System == "" && c.Code == "" && c.Display == ""
}

// String renders the triple for log output.
func (c CodedText) String() string {
	if c.Code != "" {
		return fmt.Sprintf("%s|%s (%s)", c.System, c.Code, c.Display)
	}
	return c.Display
}

// ValueComparator is an HL7-style comparator prefix attached to a
// numeric value ("<=0.25"). The bare numeric drives breakpoint
// comparison; the comparator is preserved for the rationale.
type ValueComparator string

const (
	CMP_NONE ValueComparator = ""
	CMP_LT   ValueComparator = "<"
	CMP_LE   ValueComparator = "<="
	CMP_GT   ValueComparator = ">"
	CMP_GE   ValueComparator = ">="
)

// Measurement is the tagged union of method-specific values. Exactly the
// field selected by Kind must be populated; Agrees enforces this.
type Measurement struct {
	Kind MethodKind `json:"kind"`

	// MicMgL holds the MIC (or gradient-strip) concentration in mg/L.
	MicMgL *float64 `json:"micMgL,omitempty"`
	// ZoneMm holds the disc diffusion zone diameter in mm.
	ZoneMm *int `json:"zoneMm,omitempty"`
	// Screen holds the qualitative screening outcome.
	Screen ScreenResult `json:"screen,omitempty"`
	// Phenotype holds the detected mechanism for PHENOTYPE observations.
	Phenotype PhenotypeFlag `json:"phenotype,omitempty"`

	// Comparator is the prefix parsed off an HL7 value, if any.
	Comparator ValueComparator `json:"comparator,omitempty"`
	// Raw is the textual value as received, kept for reporting.
	Raw string `json:"raw,omitempty"`
}

// Agrees reports whether the measurement variant matches the given
// method kind. A concentration method with a nil MicMgL or a disc method
// with a nil ZoneMm still agrees: the value is missing, which is a
// gating concern, not a variant mismatch.
func (m Measurement) Agrees(method MethodKind) bool {
	if m.Kind != method {
		return false
	}
	switch method {
	case MIC, GRADIENT:
		return m.ZoneMm == nil && m.Screen == "" && m.Phenotype == ""
	case DISC:
		return m.MicMgL == nil && m.Screen == "" && m.Phenotype == ""
	case SCREEN:
		return m.MicMgL == nil && m.ZoneMm == nil && m.Phenotype == ""
	case PHENOTYPE:
		return m.MicMgL == nil && m.ZoneMm == nil && m.Screen == ""
	default:
		return false
	}
}

// Describe renders the measured value with units for rationale strings.
func (m Measurement) Describe() string {
	prefix := string(m.Comparator)
	switch {
	case m.MicMgL != nil:
		return fmt.Sprintf("MIC %s%.4g mg/L", prefix, *m.MicMgL)
	case m.ZoneMm != nil:
		return fmt.Sprintf("zone %s%d mm", prefix, *m.ZoneMm)
	case m.Screen != "":
		return fmt.Sprintf("screen %s", m.Screen)
	case m.Phenotype != "":
		return fmt.Sprintf("phenotype %s", m.Phenotype)
	default:
		return "no value"
	}
}

// ClassificationInput is the uniform record every adapter produces.
// One input describes one measurement for one specimen; organism-only
// and phenotype-only records carry no antibiotic and are merged into
// their specimen siblings during grouping.
type ClassificationInput struct {
	SpecimenID string `json:"specimenId,omitempty"`

	Organism   CodedText `json:"organism,omitempty"`
	Antibiotic CodedText `json:"antibiotic,omitempty"`

	// OrganismKey/AntibioticKey are filled in by normalization; adapters
	// leave them empty.
	OrganismKey   OrganismKey   `json:"organismKey,omitempty"`
	AntibioticKey AntibioticKey `json:"antibioticKey,omitempty"`

	Method MethodKind  `json:"method,omitempty"`
	Value  Measurement `json:"value"`

	Phenotypes []PhenotypeFlag   `json:"phenotypes,omitempty"`
	Auxiliary  map[string]string `json:"auxiliary,omitempty"`
}

// IsOrganismOnly reports whether the input carries an organism
// identification (or phenotype) without a susceptibility measurement.
// Such records are consumed by the grouper and never classified.
func (in *ClassificationInput) IsOrganismOnly() bool {
	return in.Antibiotic.IsZero() && !in.AntibioticKey.IsResolved()
}

// HasPhenotype reports whether the given flag is set on the input.
func (in *ClassificationInput) HasPhenotype(flag PhenotypeFlag) bool {
	for _, p := range in.Phenotypes {
		if p == flag {
			return true
		}
	}
	return false
}

// AddPhenotype sets the flag if not already present.
func (in *ClassificationInput) AddPhenotype(flag PhenotypeFlag) {
	if !in.HasPhenotype(flag) {
		in.Phenotypes = append(in.Phenotypes, flag)
	}
}

// SetAux records an auxiliary key/value, allocating the map on first use.
func (in *ClassificationInput) SetAux(key, value string) {
	if in.Auxiliary == nil {
		in.Auxiliary = make(map[string]string)
	}
	in.Auxiliary[key] = value
}

// Clone returns a deep copy. The grouper duplicates inputs when a
// specimen carries several organisms and must not share slices or maps
// between the duplicates.
func (in *ClassificationInput) Clone() *ClassificationInput {
	cp := *in
	if in.Phenotypes != nil {
		cp.Phenotypes = append([]PhenotypeFlag(nil), in.Phenotypes...)
	}
	if in.Auxiliary != nil {
		cp.Auxiliary = make(map[string]string, len(in.Auxiliary))
		for k, v := range in.Auxiliary {
			cp.Auxiliary[k] = v
		}
	}
	return &cp
}

// ClassificationResult is the engine's per-input output. Field order is
// stable for canonical serialization by the transport collaborator.
type ClassificationResult struct {
	SpecimenID  string               `json:"specimenId"`
	Organism    string               `json:"organism"`
	Antibiotic  string               `json:"antibiotic"`
	Method      MethodKind           `json:"method"`
	Input       *ClassificationInput `json:"input"`
	Decision    Decision             `json:"decision"`
	Reason      string               `json:"reason"`
	FiredRules  []string             `json:"firedRules,omitempty"`
	RuleVersion string               `json:"ruleVersion"`
}

// AuditRecord is the structured event emitted once per result. The core
// produces the record; delivery, buffering and failure handling belong
// to the audit sink collaborator.
type AuditRecord struct {
	CorrelationID  string     `json:"correlationId"`
	SpecimenID     string     `json:"specimenId"`
	Organism       string     `json:"organism"`
	Antibiotic     string     `json:"antibiotic"`
	Method         MethodKind `json:"method"`
	Decision       Decision   `json:"decision"`
	FiredRules     []string   `json:"firedRules,omitempty"`
	CatalogVersion string     `json:"catalogVersion"`
	Timestamp      time.Time  `json:"timestamp"`
}
