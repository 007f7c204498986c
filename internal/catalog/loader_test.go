package catalog

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amr-classifier-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeCatalog(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validCatalog = `
version: "TEST-1.0"
organismGroups:
  Enterobacterales:
    - "Escherichia coli"
    - "genus:Klebsiella"
antibioticClasses:
  beta-lactams: [Ampicillin, Ceftriaxone, Meropenem]
  carbapenems: [Meropenem]
policy:
  conflict:
    preferMethod: MIC
  esblExceptionClasses: [carbapenems]
intrinsicResistance:
  - id: INTR-PAE-CRO
    organism: "Pseudomonas aeruginosa"
    antibiotics: [Ceftriaxone]
expertRules:
  - id: TEST-RULE
    priority: 10
    when:
      organismGroup: Enterobacterales
      antibioticClasses: [beta-lactams]
    effect:
      decision: R
      rationale: "test override"
breakpoints:
  - organism: "Escherichia coli"
    antibiotic: Ampicillin
    method: MIC
    source: EUCAST
    sThreshold: 8
    rThreshold: 8
    comparator: LE_S_GT_R
    unit: MG_PER_L
  - organismGroup: Enterobacterales
    antibiotic: Ceftriaxone
    method: DISC
    source: EUCAST
    sThreshold: 25
    rThreshold: 22
    comparator: INVERSE_FOR_DISC
    unit: MM
`

func TestLoaderLoadValidCatalog(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, "catalog.yaml", validCatalog)

	cat, err := NewLoader(testLogger()).Load(path)
	require.NoError(t, err)

	assert.Equal(t, "TEST-1.0", cat.Version)
	assert.Len(t, cat.Breakpoints, 2)
	assert.True(t, cat.OrganismInGroup("Escherichia coli", "Enterobacterales"))
	assert.True(t, cat.OrganismInGroup("Klebsiella pneumoniae", "Enterobacterales"))
	assert.False(t, cat.OrganismInGroup("Staphylococcus aureus", "Enterobacterales"))
	assert.True(t, cat.AntibioticInClass("Meropenem", "carbapenems"))
}

func TestLoaderDirectoryUnion(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "01-base.yaml", `
version: "TEST-1.0"
antibioticClasses:
  beta-lactams: [Ampicillin]
breakpoints:
  - organism: "Escherichia coli"
    antibiotic: Ampicillin
    method: MIC
    source: EUCAST
    sThreshold: 8
    rThreshold: 8
    comparator: LE_S_GT_R
    unit: MG_PER_L
`)
	writeCatalog(t, dir, "02-extra.yaml", `
breakpoints:
  - organism: "Escherichia coli"
    antibiotic: Ampicillin
    method: MIC
    source: CLSI
    sThreshold: 8
    rThreshold: 16
    comparator: LE_S_GT_R
    unit: MG_PER_L
`)

	cat, err := NewLoader(testLogger()).Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "TEST-1.0", cat.Version)
	assert.Len(t, cat.Breakpoints, 2)
}

func TestLoaderVersionDisagreement(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "a.yaml", "version: \"A\"\n")
	writeCatalog(t, dir, "b.yaml", "version: \"B\"\n")

	_, err := NewLoader(testLogger()).Load(dir)
	var loadErr *domain.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, loadErr.Error(), "disagree on version")
}

func TestLoaderCollectsAllViolations(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, "bad.yaml", `
version: "TEST-1.0"
breakpoints:
  - organism: "Escherichia coli"
    antibiotic: Ampicillin
    method: MIC
    source: EUCAST
    sThreshold: 8
    rThreshold: 8
    comparator: INVERSE_FOR_DISC
    unit: MG_PER_L
  - organism: "Escherichia coli"
    antibiotic: Ceftriaxone
    method: DISC
    source: EUCAST
    sThreshold: 25
    rThreshold: 22
    comparator: LE_S_GT_R
    unit: MG_PER_L
expertRules:
  - id: DUP
    effect: {decision: R, rationale: "x"}
  - id: DUP
    effect: {decision: BOGUS, rationale: "y"}
`)

	_, err := NewLoader(testLogger()).Load(path)
	var loadErr *domain.LoadError
	require.ErrorAs(t, err, &loadErr)

	// Never just the first problem: comparator misuse on both entries,
	// the duplicate rule id and the invalid decision must all surface.
	assert.GreaterOrEqual(t, len(loadErr.Violations), 4)
}

func TestLoaderGroupCycleDetection(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, "cyclic.yaml", `
version: "TEST-1.0"
organismGroups:
  A: ["group:B"]
  B: ["group:A"]
`)

	_, err := NewLoader(testLogger()).Load(path)
	var loadErr *domain.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, loadErr.Error(), "cyclic group definition")
}

func TestLoaderUndefinedGroupReference(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, "dangling.yaml", `
version: "TEST-1.0"
organismGroups:
  A: ["group:Missing"]
`)

	_, err := NewLoader(testLogger()).Load(path)
	var loadErr *domain.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, loadErr.Error(), "undefined group Missing")
}

func TestLoaderUndefinedClassReference(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, "class.yaml", `
version: "TEST-1.0"
expertRules:
  - id: X
    when:
      antibioticClasses: [no-such-class]
    effect: {decision: R, rationale: "x"}
`)

	_, err := NewLoader(testLogger()).Load(path)
	var loadErr *domain.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, loadErr.Error(), "undefined antibiotic class")
}

func TestLoaderDuplicatePerSource(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, "dup.yaml", `
version: "TEST-1.0"
breakpoints:
  - organism: "Escherichia coli"
    antibiotic: Ampicillin
    method: MIC
    source: EUCAST
    sThreshold: 8
    rThreshold: 8
    comparator: LE_S_GT_R
    unit: MG_PER_L
  - organism: "Escherichia coli"
    antibiotic: Ampicillin
    method: MIC
    source: EUCAST
    sThreshold: 4
    rThreshold: 4
    comparator: LE_S_GT_R
    unit: MG_PER_L
`)

	_, err := NewLoader(testLogger()).Load(path)
	var loadErr *domain.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, loadErr.Error(), "duplicate entry")
}

func TestLoaderFileMissing(t *testing.T) {
	_, err := NewLoader(testLogger()).Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, errors.Is(err, domain.ErrFileMissing))
}

func TestLoaderFileSizeLimit(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, "catalog.yaml", validCatalog)

	loader := NewLoader(testLogger())
	loader.MaxFileSize = 16
	_, err := loader.Load(path)
	var loadErr *domain.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, loadErr.Error(), "exceeds limit")
}

func TestLoadBytesDryRun(t *testing.T) {
	loader := NewLoader(testLogger())

	cat, err := loader.LoadBytes("dry-run", []byte(validCatalog))
	require.NoError(t, err)
	assert.Equal(t, "TEST-1.0", cat.Version)

	_, err = loader.LoadBytes("dry-run", []byte("version: [not a string"))
	var loadErr *domain.LoadError
	require.ErrorAs(t, err, &loadErr)
}

func TestFindBreakpointSpecificityAndSourceOrder(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, "catalog.yaml", `
version: "TEST-1.0"
organismGroups:
  Enterobacterales: ["Escherichia coli"]
breakpoints:
  - organismGroup: Enterobacterales
    antibiotic: Ceftriaxone
    method: MIC
    source: EUCAST
    sThreshold: 1
    rThreshold: 2
    comparator: LE_S_GT_R
    unit: MG_PER_L
  - organism: "Escherichia coli"
    antibiotic: Ceftriaxone
    method: MIC
    source: EUCAST
    sThreshold: 0.5
    rThreshold: 1
    comparator: LE_S_GT_R
    unit: MG_PER_L
  - organism: "Escherichia coli"
    antibiotic: Nitrofurantoin
    method: MIC
    source: CLSI
    sThreshold: 32
    rThreshold: 64
    comparator: LE_S_GT_R
    unit: MG_PER_L
`)

	cat, err := NewLoader(testLogger()).Load(path)
	require.NoError(t, err)

	order := []domain.BreakpointSource{domain.EUCAST, domain.CLSI}

	// Exact scope outranks the group entry within the same source.
	entry := cat.FindBreakpoint("Escherichia coli", "Ceftriaxone", domain.MIC, order)
	require.NotNil(t, entry)
	assert.Equal(t, 0.5, *entry.SThreshold)

	// Preferred source lacks an entry; fall back to the next source.
	entry = cat.FindBreakpoint("Escherichia coli", "Nitrofurantoin", domain.MIC, order)
	require.NotNil(t, entry)
	assert.Equal(t, domain.CLSI, entry.Source)

	assert.Nil(t, cat.FindBreakpoint("Escherichia coli", "Vancomycin", domain.MIC, order))
}
