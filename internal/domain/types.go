// Package domain contains the core value types for antimicrobial
// susceptibility classification: measurements, decisions, canonical
// organism/antibiotic keys and the input/result records exchanged
// between the adapters, the engine and the transport collaborator.
//
// Breakpoint semantics follow EUCAST/CLSI conventions: MIC in mg/L
// (lower is more susceptible), disc diffusion zone diameters in mm
// (larger is more susceptible).
package domain

import "strings"

// Decision is the susceptibility category assigned to one
// (specimen, organism, antibiotic) triple.
type Decision string

const (
	S               Decision = "S"
	I               Decision = "I"
	R               Decision = "R"
	RR              Decision = "RR"
	REQUIRES_REVIEW Decision = "Requires Review"
)

// IsValid reports whether the decision is one of the published categories.
func (d Decision) IsValid() bool {
	switch d {
	case S, I, R, RR, REQUIRES_REVIEW:
		return true
	default:
		return false
	}
}

// String returns the wire representation of the decision.
func (d Decision) String() string {
	return string(d)
}

// ResistanceRank orders decisions from most susceptible to most
// resistant. REQUIRES_REVIEW has no rank and returns -1.
func (d Decision) ResistanceRank() int {
	switch d {
	case S:
		return 0
	case I:
		return 1
	case R:
		return 2
	case RR:
		return 3
	default:
		return -1
	}
}

// MethodKind identifies the laboratory method that produced a measurement.
// The kind determines which Measurement field must be populated.
type MethodKind string

const (
	MIC       MethodKind = "MIC"
	DISC      MethodKind = "DISC"
	SCREEN    MethodKind = "SCREEN"
	PHENOTYPE MethodKind = "PHENOTYPE"
	GRADIENT  MethodKind = "GRADIENT"
)

// IsValid reports whether the method kind is recognized.
func (m MethodKind) IsValid() bool {
	switch m {
	case MIC, DISC, SCREEN, PHENOTYPE, GRADIENT:
		return true
	default:
		return false
	}
}

// String returns the wire representation of the method kind.
func (m MethodKind) String() string {
	return string(m)
}

// UsesConcentration reports whether the method measures a drug
// concentration in mg/L. GRADIENT strips (Etest) read out as MIC values.
func (m MethodKind) UsesConcentration() bool {
	return m == MIC || m == GRADIENT
}

// ScreenResult is the qualitative outcome of a screening test
// (for example a cefoxitin screen for MRSA).
type ScreenResult string

const (
	SCREEN_POSITIVE      ScreenResult = "POSITIVE"
	SCREEN_NEGATIVE      ScreenResult = "NEGATIVE"
	SCREEN_INDETERMINATE ScreenResult = "INDETERMINATE"
)

// IsValid reports whether the screen result is recognized.
func (s ScreenResult) IsValid() bool {
	switch s {
	case SCREEN_POSITIVE, SCREEN_NEGATIVE, SCREEN_INDETERMINATE:
		return true
	default:
		return false
	}
}

// PhenotypeFlag marks a resistance mechanism detected for an isolate.
// Flags are merged across all observations of the same specimen and
// drive the expert-rule overrides.
type PhenotypeFlag string

const (
	ESBL             PhenotypeFlag = "ESBL"
	AMPC             PhenotypeFlag = "AmpC"
	CARBAPENEMASE    PhenotypeFlag = "Carbapenemase"
	MRSA             PhenotypeFlag = "MRSA"
	MSSA             PhenotypeFlag = "MSSA"
	VRE              PhenotypeFlag = "VRE"
	VSE              PhenotypeFlag = "VSE"
	INDUCIBLE_CLINDA PhenotypeFlag = "INDUCIBLE_CLINDA"
)

// IsValid reports whether the phenotype flag is recognized.
func (p PhenotypeFlag) IsValid() bool {
	switch p {
	case ESBL, AMPC, CARBAPENEMASE, MRSA, MSSA, VRE, VSE, INDUCIBLE_CLINDA:
		return true
	default:
		return false
	}
}

// AuxCarbapenemaseSubtype is the auxiliary key carrying the detected
// carbapenemase family (KPC, NDM, OXA-48, ...) when known.
const AuxCarbapenemaseSubtype = "carbapenemase-subtype"

// AuxAmbiguousOrganism marks inputs duplicated during grouping because
// the specimen carried more than one organism identification.
const AuxAmbiguousOrganism = "ambiguous-organism"

// AuxPatientID carries the upstream (possibly pseudonymized) patient
// identifier. Opaque to the engine.
const AuxPatientID = "patient-id"

// OrganismKey is the canonical identifier of a microbial taxon.
// Equal inputs after normalization yield equal keys.
type OrganismKey string

// AntibioticKey is the canonical identifier of an antimicrobial agent.
type AntibioticKey string

// Unresolved marks a designator the normalizer could not map to a
// canonical key. Gating turns unresolved organisms/antibiotics into
// REQUIRES_REVIEW results.
const Unresolved = "UNRESOLVED"

// IsResolved reports whether the key carries a canonical value.
func (k OrganismKey) IsResolved() bool {
	return k != "" && k != Unresolved
}

// Genus returns the genus component of a canonical organism key
// ("Escherichia coli" -> "Escherichia").
func (k OrganismKey) Genus() string {
	name := string(k)
	if i := strings.IndexByte(name, ' '); i > 0 {
		return name[:i]
	}
	return name
}

// IsResolved reports whether the key carries a canonical value.
func (k AntibioticKey) IsResolved() bool {
	return k != "" && k != Unresolved
}

// BreakpointSource names the authority that published a breakpoint table.
type BreakpointSource string

const (
	EUCAST BreakpointSource = "EUCAST"
	CLSI   BreakpointSource = "CLSI"
	LOCAL  BreakpointSource = "LOCAL"
)

// IsValid reports whether the source is recognized.
func (s BreakpointSource) IsValid() bool {
	switch s {
	case EUCAST, CLSI, LOCAL:
		return true
	default:
		return false
	}
}
