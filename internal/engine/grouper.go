package engine

import (
	"github.com/google/uuid"

	"github.com/amr-classifier-server/internal/domain"
)

// Group joins organism identifications and phenotype carriers with the
// susceptibility inputs of the same specimen. Inputs without a specimen
// share one synthetic reference synthesized for the message, so a
// standalone organism record still reaches its siblings.
//
// The returned slice contains classifiable inputs only, in the order of
// first appearance; organism-only records are consumed. A susceptibility
// input in a specimen with several organism identifications is duplicated
// once per organism and each duplicate is marked ambiguous.
func Group(inputs []*domain.ClassificationInput) []*domain.ClassificationInput {
	if len(inputs) == 0 {
		return nil
	}

	synthetic := "synthetic-" + uuid.NewString()
	for _, in := range inputs {
		if in.SpecimenID == "" {
			in.SpecimenID = synthetic
		}
	}

	// Partition by specimen, preserving encounter order of both the
	// partitions and the inputs inside each.
	order := make([]string, 0, len(inputs))
	partitions := make(map[string][]*domain.ClassificationInput)
	for _, in := range inputs {
		if _, seen := partitions[in.SpecimenID]; !seen {
			order = append(order, in.SpecimenID)
		}
		partitions[in.SpecimenID] = append(partitions[in.SpecimenID], in)
	}

	var out []*domain.ClassificationInput
	for _, specimen := range order {
		out = append(out, groupSpecimen(partitions[specimen])...)
	}
	return out
}

// groupSpecimen resolves one partition: collects organisms and phenotype
// flags, then assigns them to the susceptibility inputs.
func groupSpecimen(partition []*domain.ClassificationInput) []*domain.ClassificationInput {
	var (
		organisms  []organismRecord
		phenotypes []domain.PhenotypeFlag
	)
	for _, in := range partition {
		for _, p := range in.Phenotypes {
			phenotypes = appendFlag(phenotypes, p)
		}
		if flag, ok := screenPhenotype(in); ok {
			phenotypes = appendFlag(phenotypes, flag)
		}
		if in.IsOrganismOnly() && !in.Organism.IsZero() {
			organisms = appendOrganism(organisms, organismRecord{
				coded: in.Organism,
				key:   in.OrganismKey,
			})
		}
	}

	var out []*domain.ClassificationInput
	for _, in := range partition {
		if in.IsOrganismOnly() {
			continue
		}
		for _, p := range phenotypes {
			in.AddPhenotype(p)
		}
		out = append(out, assignOrganism(in, organisms)...)
	}
	return out
}

type organismRecord struct {
	coded domain.CodedText
	key   domain.OrganismKey
}

// assignOrganism fills the organism on a susceptibility input that lacks
// one. A unique specimen organism is assigned directly; several distinct
// organisms duplicate the input once per organism with the ambiguity
// marker set.
func assignOrganism(in *domain.ClassificationInput, organisms []organismRecord) []*domain.ClassificationInput {
	if !in.Organism.IsZero() || in.OrganismKey.IsResolved() || len(organisms) == 0 {
		return []*domain.ClassificationInput{in}
	}
	if len(organisms) == 1 {
		in.Organism = organisms[0].coded
		in.OrganismKey = organisms[0].key
		return []*domain.ClassificationInput{in}
	}
	out := make([]*domain.ClassificationInput, 0, len(organisms))
	for _, org := range organisms {
		dup := in.Clone()
		dup.Organism = org.coded
		dup.OrganismKey = org.key
		dup.SetAux(domain.AuxAmbiguousOrganism, "true")
		out = append(out, dup)
	}
	return out
}

// screenPhenotype maps a positive screening measurement to the phenotype
// it establishes. Only the cefoxitin screen for MRSA is recognized; other
// screens stay plain measurements.
func screenPhenotype(in *domain.ClassificationInput) (domain.PhenotypeFlag, bool) {
	if in.Method != domain.SCREEN || in.Value.Screen != domain.SCREEN_POSITIVE {
		return "", false
	}
	if in.AntibioticKey == "Cefoxitin" {
		return domain.MRSA, true
	}
	return "", false
}

func appendFlag(flags []domain.PhenotypeFlag, flag domain.PhenotypeFlag) []domain.PhenotypeFlag {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	return append(flags, flag)
}

func appendOrganism(records []organismRecord, rec organismRecord) []organismRecord {
	for _, r := range records {
		if r.key.IsResolved() && r.key == rec.key {
			return records
		}
		if !r.key.IsResolved() && r.coded == rec.coded {
			return records
		}
	}
	return append(records, rec)
}
