package engine

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amr-classifier-server/internal/catalog"
	"github.com/amr-classifier-server/internal/domain"
	"github.com/amr-classifier-server/internal/terminology"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// captureSink records emitted audit records for assertions.
type captureSink struct {
	mu      sync.Mutex
	records []domain.AuditRecord
}

func (c *captureSink) Emit(rec domain.AuditRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *captureSink) all() []domain.AuditRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.AuditRecord(nil), c.records...)
}

// newTestEngine classifies against the shipped rule catalog.
func newTestEngine(t *testing.T, cfg Config) (*Engine, *captureSink) {
	t.Helper()
	logger := testLogger()
	store, err := catalog.NewStore(logger, catalog.NewLoader(logger), "../../rules")
	require.NoError(t, err)
	normalizer, err := terminology.NewNormalizer(logger, nil, 0)
	require.NoError(t, err)
	sink := &captureSink{}
	return New(logger, store, normalizer, sink, cfg), sink
}

func micInput(specimen, organism, antibiotic string, mic float64) *domain.ClassificationInput {
	return &domain.ClassificationInput{
		SpecimenID: specimen,
		Organism:   domain.CodedText{Display: organism},
		Antibiotic: domain.CodedText{Display: antibiotic},
		Method:     domain.MIC,
		Value:      domain.Measurement{Kind: domain.MIC, MicMgL: &mic},
	}
}

func discInput(specimen, organism, antibiotic string, zone int) *domain.ClassificationInput {
	return &domain.ClassificationInput{
		SpecimenID: specimen,
		Organism:   domain.CodedText{Display: organism},
		Antibiotic: domain.CodedText{Display: antibiotic},
		Method:     domain.DISC,
		Value:      domain.Measurement{Kind: domain.DISC, ZoneMm: &zone},
	}
}

func classify(t *testing.T, e *Engine, inputs ...*domain.ClassificationInput) []*domain.ClassificationResult {
	t.Helper()
	results, err := e.Classify(context.Background(), inputs, Options{})
	require.NoError(t, err)
	return results
}

func findResult(t *testing.T, results []*domain.ClassificationResult, antibiotic string) *domain.ClassificationResult {
	t.Helper()
	for _, r := range results {
		if r.Antibiotic == antibiotic {
			return r
		}
	}
	t.Fatalf("no result for %s", antibiotic)
	return nil
}

func TestClassifyMICSusceptible(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	results := classify(t, e, micInput("SP-1", "Escherichia coli", "Amoxicillin", 4))

	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, "Escherichia coli", res.Organism)
	assert.Equal(t, "Amoxicillin", res.Antibiotic)
	assert.Equal(t, domain.S, res.Decision)
	assert.Equal(t, "MIC 4.0 mg/L <= S threshold 8.0 mg/L", res.Reason)
	assert.Equal(t, "EUCAST-2025.1", res.RuleVersion)
	assert.Empty(t, res.FiredRules)
}

func TestClassifyDiscZone(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	results := classify(t, e,
		discInput("SP-2", "Escherichia coli", "Ciprofloxacin", 28),
		discInput("SP-2b", "Escherichia coli", "Ceftriaxone", 20),
	)
	require.Len(t, results, 2)

	assert.Equal(t, domain.S, results[0].Decision)
	assert.Equal(t, "zone 28 mm >= S threshold 25.0 mm", results[0].Reason)

	assert.Equal(t, domain.R, results[1].Decision)
	assert.Equal(t, "zone 20 mm < R threshold 22.0 mm", results[1].Reason)
}

func TestClassifyComparatorPrefix(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	// ">8" must land on the resistant side of an R threshold of exactly 8.
	in := micInput("SP-3", "Escherichia coli", "Meropenem", 8)
	in.Value.Comparator = domain.CMP_GT
	results := classify(t, e, in)

	require.Len(t, results, 1)
	assert.Equal(t, domain.R, results[0].Decision)
	assert.Equal(t, "MIC >8.0 mg/L > R threshold 8.0 mg/L", results[0].Reason)
}

func TestClassifyRareResistance(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	results := classify(t, e, micInput("SP-4", "Escherichia coli", "Meropenem", 32))

	require.Len(t, results, 1)
	assert.Equal(t, domain.RR, results[0].Decision)
	assert.Equal(t,
		"MIC 32.0 mg/L exceeds R threshold 8.0 mg/L by the rare-resistance margin 8.0",
		results[0].Reason)
}

func TestClassifyIntermediateBand(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	results := classify(t, e, micInput("SP-5", "Escherichia coli", "Ceftazidime", 2))

	require.Len(t, results, 1)
	assert.Equal(t, domain.I, results[0].Decision)
	assert.Equal(t, "MIC 2.0 mg/L <= I threshold 4.0 mg/L", results[0].Reason)
}

func TestClassifyMICMonotone(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	rank := map[domain.Decision]int{domain.S: 0, domain.I: 1, domain.R: 2, domain.RR: 3}

	// Rising MIC values must never move the call back toward susceptible.
	mics := []float64{0.25, 0.5, 1, 2, 3, 4, 5, 8, 16, 32}
	prev := -1
	for _, mic := range mics {
		results := classify(t, e, micInput("SP-25", "Escherichia coli", "Ceftazidime", mic))
		require.Len(t, results, 1)
		r, ok := rank[results[0].Decision]
		require.True(t, ok, "unexpected decision %q at MIC %g", results[0].Decision, mic)
		assert.GreaterOrEqual(t, r, prev, "decision regressed at MIC %g", mic)
		prev = r
	}

	first := classify(t, e, micInput("SP-25", "Escherichia coli", "Ceftazidime", mics[0]))
	last := classify(t, e, micInput("SP-25", "Escherichia coli", "Ceftazidime", mics[len(mics)-1]))
	assert.Equal(t, domain.S, first[0].Decision)
	assert.Equal(t, domain.R, last[0].Decision)
}

func TestClassifyDiscZoneMonotone(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	rank := map[domain.Decision]int{domain.S: 0, domain.I: 1, domain.R: 2, domain.RR: 3}

	// Widening zones must never move the call back toward resistant.
	zones := []int{15, 18, 20, 21, 22, 23, 24, 25, 26, 30}
	prev := len(rank)
	for _, zone := range zones {
		results := classify(t, e, discInput("SP-25b", "Escherichia coli", "Ciprofloxacin", zone))
		require.Len(t, results, 1)
		r, ok := rank[results[0].Decision]
		require.True(t, ok, "unexpected decision %q at zone %d mm", results[0].Decision, zone)
		assert.LessOrEqual(t, r, prev, "decision regressed at zone %d mm", zone)
		prev = r
	}

	first := classify(t, e, discInput("SP-25b", "Escherichia coli", "Ciprofloxacin", zones[0]))
	last := classify(t, e, discInput("SP-25b", "Escherichia coli", "Ciprofloxacin", zones[len(zones)-1]))
	assert.Equal(t, domain.R, first[0].Decision)
	assert.Equal(t, domain.S, last[0].Decision)
}

func TestClassifyIntrinsicResistance(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	// The measured value is irrelevant for an intrinsically resistant pair.
	results := classify(t, e, micInput("SP-6", "Pseudomonas aeruginosa", "Ceftriaxone", 1))

	require.Len(t, results, 1)
	assert.Equal(t, domain.R, results[0].Decision)
	assert.Equal(t, "intrinsic resistance per rule INTR-PAE-CRO", results[0].Reason)
	assert.Equal(t, []string{"INTR-PAE-CRO"}, results[0].FiredRules)
}

func TestClassifyESBLOverride(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	cro := micInput("SP-7", "Escherichia coli", "Ceftriaxone", 0.5)
	cro.AddPhenotype(domain.ESBL)
	mem := micInput("SP-7", "Escherichia coli", "Meropenem", 1)

	results := classify(t, e, cro, mem)
	require.Len(t, results, 2)

	overridden := findResult(t, results, "Ceftriaxone")
	assert.Equal(t, domain.R, overridden.Decision)
	assert.Equal(t, "ESBL override for beta-lactam class", overridden.Reason)
	assert.Equal(t, []string{RuleESBLOverride}, overridden.FiredRules)

	// Carbapenems are spared; the shared specimen phenotype must not
	// override the meropenem breakpoint result.
	spared := findResult(t, results, "Meropenem")
	assert.Equal(t, domain.S, spared.Decision)
	assert.Equal(t, "MIC 1.0 mg/L <= S threshold 2.0 mg/L", spared.Reason)
}

func TestClassifyIntrinsicCombinesWithAgreeingPhenotype(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	in := micInput("SP-8", "Klebsiella pneumoniae", "Ampicillin", 2)
	in.AddPhenotype(domain.ESBL)
	results := classify(t, e, in)

	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, domain.R, res.Decision)
	assert.Equal(t,
		"intrinsic resistance per rule INTR-KPN-AMP; ESBL override for beta-lactam class",
		res.Reason)
	assert.Equal(t, []string{"INTR-KPN-AMP", RuleESBLOverride}, res.FiredRules)
}

func TestClassifyCefoxitinScreenEstablishesMRSA(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	screen := &domain.ClassificationInput{
		SpecimenID: "SP-9",
		Organism:   domain.CodedText{Display: "Staphylococcus aureus"},
		Antibiotic: domain.CodedText{Display: "Cefoxitin"},
		Method:     domain.SCREEN,
		Value:      domain.Measurement{Kind: domain.SCREEN, Screen: domain.SCREEN_POSITIVE},
	}
	oxa := micInput("SP-9", "Staphylococcus aureus", "Oxacillin", 1)

	results := classify(t, e, screen, oxa)
	overridden := findResult(t, results, "Oxacillin")
	assert.Equal(t, domain.R, overridden.Decision)
	assert.Equal(t, "MRSA override for beta-lactams (except anti-MRSA cephalosporins)", overridden.Reason)
	assert.Equal(t, []string{RuleMRSAOverride}, overridden.FiredRules)
}

func TestClassifyMRSAExceptionKeepsBreakpoint(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	in := micInput("SP-10", "Staphylococcus aureus", "Ceftaroline", 0.5)
	in.AddPhenotype(domain.MRSA)
	results := classify(t, e, in)

	// Catalog policy spares anti-MRSA cephalosporins; the breakpoint call
	// stands.
	require.Len(t, results, 1)
	assert.Equal(t, domain.S, results[0].Decision)
	assert.Empty(t, results[0].FiredRules)
}

func TestClassifyVREOverride(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	in := micInput("SP-11", "Enterococcus faecium", "Vancomycin", 1)
	in.AddPhenotype(domain.VRE)
	results := classify(t, e, in)

	require.Len(t, results, 1)
	assert.Equal(t, domain.R, results[0].Decision)
	assert.Equal(t, "VRE override for vancomycin", results[0].Reason)
	assert.Equal(t, []string{RuleVREOverride}, results[0].FiredRules)
}

func TestClassifyCatalogExpertRule(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	in := micInput("SP-12", "Escherichia coli", "Ceftriaxone", 0.5)
	in.AddPhenotype(domain.AMPC)
	results := classify(t, e, in)

	require.Len(t, results, 1)
	assert.Equal(t, domain.R, results[0].Decision)
	assert.Equal(t, "AmpC override for cephalosporins (cefepime spared)", results[0].Reason)
	assert.Equal(t, []string{"AMPC-CEPH-OVR"}, results[0].FiredRules)
}

func TestClassifyBuiltinOverrideSuppressesCatalogRule(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	// Both phenotypes are set: the ESBL override wins, and the matching
	// AmpC catalog rule must surface on the suppressed list.
	in := micInput("SP-26", "Escherichia coli", "Ceftriaxone", 0.5)
	in.AddPhenotype(domain.ESBL)
	in.AddPhenotype(domain.AMPC)
	results := classify(t, e, in)

	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, domain.R, res.Decision)
	assert.Equal(t, "ESBL override for beta-lactam class (suppressed: AMPC-CEPH-OVR)", res.Reason)
	assert.Equal(t, []string{RuleESBLOverride}, res.FiredRules)
}

func TestClassifyHighMeropenemMICAlerts(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	results := classify(t, e, micInput("SP-13", "Escherichia coli", "Meropenem", 16))

	require.Len(t, results, 1)
	assert.Equal(t, domain.REQUIRES_REVIEW, results[0].Decision)
	assert.Equal(t,
		"meropenem MIC above carbapenemase alert threshold, confirm mechanism",
		results[0].Reason)
	assert.Equal(t, []string{"CARB-HIGH-MIC-REV"}, results[0].FiredRules)
}

func TestClassifyMethodConflictPrefersMIC(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	results := classify(t, e,
		micInput("SP-14", "Escherichia coli", "Ceftriaxone", 0.5),
		discInput("SP-14", "Escherichia coli", "Ceftriaxone", 13),
	)

	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, domain.S, res.Decision)
	assert.Equal(t, domain.MIC, res.Method)
	assert.Equal(t, "MIC preferred; disc diffusion disagrees (13 mm => R)", res.Reason)
}

func TestClassifyMethodConflictReviewMode(t *testing.T) {
	e, _ := newTestEngine(t, Config{ReviewOnConflict: true})

	results := classify(t, e,
		micInput("SP-15", "Escherichia coli", "Ceftriaxone", 0.5),
		discInput("SP-15", "Escherichia coli", "Ceftriaxone", 13),
	)

	require.Len(t, results, 1)
	assert.Equal(t, domain.REQUIRES_REVIEW, results[0].Decision)
	assert.Equal(t, "conflicting methods: MIC=S, DISC=R", results[0].Reason)
}

func TestClassifySourceFallback(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	// Nitrofurantoin for E. coli is only tabulated under CLSI; the EUCAST
	// preference must fall through instead of reporting no breakpoint.
	results := classify(t, e, micInput("SP-16", "Escherichia coli", "Nitrofurantoin", 16))
	require.Len(t, results, 1)
	assert.Equal(t, domain.S, results[0].Decision)
	assert.Equal(t, "MIC 16.0 mg/L <= S threshold 32.0 mg/L", results[0].Reason)
}

func TestClassifyUnknownOrganism(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	results := classify(t, e, micInput("SP-17", "Klingon bacterium", "Ciprofloxacin", 1))

	require.Len(t, results, 1)
	assert.Equal(t, domain.REQUIRES_REVIEW, results[0].Decision)
	assert.Equal(t, "organism not recognized", results[0].Reason)
	// The raw designator stays visible in the result.
	assert.Equal(t, "Klingon bacterium", results[0].Organism)
}

func TestClassifyNoApplicableBreakpoint(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	results := classify(t, e, micInput("SP-18", "Escherichia coli", "Linezolid", 2))

	require.Len(t, results, 1)
	assert.Equal(t, domain.REQUIRES_REVIEW, results[0].Decision)
	assert.Equal(t, "no applicable breakpoint", results[0].Reason)
}

func TestClassifyGradientFallsBackToMICTable(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	mic := 4.0
	in := &domain.ClassificationInput{
		SpecimenID: "SP-19",
		Organism:   domain.CodedText{Display: "Escherichia coli"},
		Antibiotic: domain.CodedText{Display: "Amoxicillin"},
		Method:     domain.GRADIENT,
		Value:      domain.Measurement{Kind: domain.GRADIENT, MicMgL: &mic},
	}
	results := classify(t, e, in)
	require.Len(t, results, 1)
	assert.Equal(t, domain.S, results[0].Decision)
}

func TestClassifyInducibleClindamycinInference(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	results := classify(t, e,
		micInput("SP-20", "Staphylococcus aureus", "Erythromycin", 4),
		micInput("SP-20", "Staphylococcus aureus", "Clindamycin", 0.12),
	)
	require.Len(t, results, 2)

	ery := findResult(t, results, "Erythromycin")
	assert.Equal(t, domain.R, ery.Decision)

	cli := findResult(t, results, "Clindamycin")
	assert.Equal(t, domain.R, cli.Decision)
	assert.Equal(t,
		"inducible clindamycin resistance (D-test): erythromycin resistant with clindamycin susceptible",
		cli.Reason)
	assert.Equal(t, []string{RuleInducibleClinda}, cli.FiredRules)
}

func TestClassifyClindamycinStandsWithoutErythromycinResistance(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	results := classify(t, e,
		micInput("SP-21", "Staphylococcus aureus", "Erythromycin", 0.5),
		micInput("SP-21", "Staphylococcus aureus", "Clindamycin", 0.12),
	)
	cli := findResult(t, results, "Clindamycin")
	assert.Equal(t, domain.S, cli.Decision)
}

func TestClassifyInducibleClindamycinInferenceWithAliasDesignator(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	// The organism arrives under an alias; pairing runs on the resolved
	// canonical key, not the submitted label.
	results := classify(t, e,
		micInput("SP-27", "Staph aureus", "Erythromycin", 4),
		micInput("SP-27", "Staph aureus", "Clindamycin", 0.12),
	)
	cli := findResult(t, results, "Clindamycin")
	assert.Equal(t, domain.R, cli.Decision)
	assert.Equal(t, []string{RuleInducibleClinda}, cli.FiredRules)
}

func TestClassifyEmitsAuditRecords(t *testing.T) {
	e, sink := newTestEngine(t, Config{})

	results, err := e.Classify(context.Background(),
		[]*domain.ClassificationInput{
			micInput("SP-22", "Escherichia coli", "Amoxicillin", 4),
			micInput("SP-22", "Escherichia coli", "Ciprofloxacin", 0.12),
		},
		Options{CorrelationID: "corr-1"})
	require.NoError(t, err)

	records := sink.all()
	require.Len(t, records, len(results))
	for _, rec := range records {
		assert.Equal(t, "corr-1", rec.CorrelationID)
		assert.Equal(t, "EUCAST-2025.1", rec.CatalogVersion)
		assert.Equal(t, "SP-22", rec.SpecimenID)
	}
}

func TestClassifyCancelledContext(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Classify(ctx, []*domain.ClassificationInput{
		micInput("SP-23", "Escherichia coli", "Amoxicillin", 4),
	}, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifyDeterministic(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	run := func() []*domain.ClassificationResult {
		cro := micInput("SP-24", "Escherichia coli", "Ceftriaxone", 0.5)
		cro.AddPhenotype(domain.ESBL)
		return classify(t, e, cro, micInput("SP-24", "Escherichia coli", "Meropenem", 1))
	}

	first := run()
	ignoreInput := cmpopts.IgnoreFields(domain.ClassificationResult{}, "Input")
	for i := 0; i < 5; i++ {
		if diff := cmp.Diff(first, run(), ignoreInput); diff != "" {
			t.Fatalf("results differ between runs (-first +again):\n%s", diff)
		}
	}
}
