package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecisionIsValid(t *testing.T) {
	tests := []struct {
		name     string
		decision Decision
		want     bool
	}{
		{"susceptible", S, true},
		{"increased exposure", I, true},
		{"resistant", R, true},
		{"rare resistance", RR, true},
		{"requires review", REQUIRES_REVIEW, true},
		{"empty", Decision(""), false},
		{"unknown", Decision("MAYBE"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.decision.IsValid())
		})
	}
}

func TestDecisionResistanceRank(t *testing.T) {
	assert.Less(t, S.ResistanceRank(), I.ResistanceRank())
	assert.Less(t, I.ResistanceRank(), R.ResistanceRank())
	assert.Less(t, R.ResistanceRank(), RR.ResistanceRank())
	assert.Equal(t, -1, REQUIRES_REVIEW.ResistanceRank())
}

func TestMethodKindUsesConcentration(t *testing.T) {
	assert.True(t, MIC.UsesConcentration())
	assert.True(t, GRADIENT.UsesConcentration())
	assert.False(t, DISC.UsesConcentration())
	assert.False(t, SCREEN.UsesConcentration())
}

func TestOrganismKeyGenus(t *testing.T) {
	tests := []struct {
		key  OrganismKey
		want string
	}{
		{"Escherichia coli", "Escherichia"},
		{"Staphylococcus aureus", "Staphylococcus"},
		{"Pseudomonas", "Pseudomonas"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.key.Genus())
	}
}

func TestKeyIsResolved(t *testing.T) {
	assert.True(t, OrganismKey("Escherichia coli").IsResolved())
	assert.False(t, OrganismKey("").IsResolved())
	assert.False(t, OrganismKey(Unresolved).IsResolved())
	assert.False(t, AntibioticKey(Unresolved).IsResolved())
}

func TestMeasurementAgrees(t *testing.T) {
	mic := 4.0
	zone := 18

	tests := []struct {
		name   string
		m      Measurement
		method MethodKind
		want   bool
	}{
		{"mic with mic value", Measurement{Kind: MIC, MicMgL: &mic}, MIC, true},
		{"mic value missing still agrees", Measurement{Kind: MIC}, MIC, true},
		{"mic carrying zone disagrees", Measurement{Kind: MIC, ZoneMm: &zone}, MIC, false},
		{"kind mismatch", Measurement{Kind: DISC, ZoneMm: &zone}, MIC, false},
		{"disc with zone", Measurement{Kind: DISC, ZoneMm: &zone}, DISC, true},
		{"gradient reads as concentration", Measurement{Kind: GRADIENT, MicMgL: &mic}, GRADIENT, true},
		{"screen with result", Measurement{Kind: SCREEN, Screen: SCREEN_POSITIVE}, SCREEN, true},
		{"screen carrying mic disagrees", Measurement{Kind: SCREEN, MicMgL: &mic}, SCREEN, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.m.Agrees(tt.method))
		})
	}
}

func TestMeasurementDescribe(t *testing.T) {
	mic := 0.25
	zone := 13

	assert.Equal(t, "MIC 0.25 mg/L", Measurement{Kind: MIC, MicMgL: &mic}.Describe())
	assert.Equal(t, "MIC <=0.25 mg/L", Measurement{Kind: MIC, MicMgL: &mic, Comparator: CMP_LE}.Describe())
	assert.Equal(t, "zone 13 mm", Measurement{Kind: DISC, ZoneMm: &zone}.Describe())
	assert.Equal(t, "no value", Measurement{Kind: MIC}.Describe())
}

func TestClassificationInputClone(t *testing.T) {
	in := &ClassificationInput{
		SpecimenID: "SP-1",
		Organism:   CodedText{Display: "Escherichia coli"},
		Phenotypes: []PhenotypeFlag{ESBL},
	}
	in.SetAux(AuxPatientID, "P-9")

	cp := in.Clone()
	cp.AddPhenotype(MRSA)
	cp.SetAux(AuxAmbiguousOrganism, "true")

	assert.Len(t, in.Phenotypes, 1)
	assert.NotContains(t, in.Auxiliary, AuxAmbiguousOrganism)
	assert.Len(t, cp.Phenotypes, 2)
}

func TestIsOrganismOnly(t *testing.T) {
	org := &ClassificationInput{Organism: CodedText{Display: "Escherichia coli"}}
	assert.True(t, org.IsOrganismOnly())

	sus := &ClassificationInput{Antibiotic: CodedText{Display: "Ciprofloxacin"}}
	assert.False(t, sus.IsOrganismOnly())
}
