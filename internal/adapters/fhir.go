package adapters

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/amr-classifier-server/internal/domain"
	"github.com/amr-classifier-server/internal/terminology"
)

// FHIRAdapter reduces FHIR R4 Bundles, Observation arrays or single
// Observations to classification inputs. Organism identifications,
// susceptibility measurements and phenotype detections are linked via
// derivedFrom/hasMember references, falling back to a shared specimen
// reference within the payload.
type FHIRAdapter struct {
	logger *logrus.Logger
}

// NewFHIRAdapter creates the FHIR adapter.
func NewFHIRAdapter(logger *logrus.Logger) *FHIRAdapter {
	return &FHIRAdapter{logger: logger}
}

// Format identifies this adapter.
func (a *FHIRAdapter) Format() InputFormat { return FormatFHIR }

// Reduced FHIR R4 resource shapes. Unknown fields are ignored.

type fhirCoding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type fhirCodeableConcept struct {
	Coding []fhirCoding `json:"coding,omitempty"`
	Text   string       `json:"text,omitempty"`
}

type fhirQuantity struct {
	Value      *float64 `json:"value,omitempty"`
	Comparator string   `json:"comparator,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	Code       string   `json:"code,omitempty"`
}

type fhirReference struct {
	Reference string `json:"reference,omitempty"`
}

type fhirObservation struct {
	ResourceType         string                `json:"resourceType"`
	ID                   string                `json:"id,omitempty"`
	Category             []fhirCodeableConcept `json:"category,omitempty"`
	Code                 fhirCodeableConcept   `json:"code"`
	Subject              *fhirReference        `json:"subject,omitempty"`
	Specimen             *fhirReference        `json:"specimen,omitempty"`
	Method               *fhirCodeableConcept  `json:"method,omitempty"`
	ValueQuantity        *fhirQuantity         `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *fhirCodeableConcept  `json:"valueCodeableConcept,omitempty"`
	ValueString          string                `json:"valueString,omitempty"`
	DerivedFrom          []fhirReference       `json:"derivedFrom,omitempty"`
	HasMember            []fhirReference       `json:"hasMember,omitempty"`
}

type fhirBundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

type fhirBundle struct {
	ResourceType string            `json:"resourceType"`
	Type         string            `json:"type,omitempty"`
	Entry        []fhirBundleEntry `json:"entry,omitempty"`
}

// indexedObservation carries an observation with the references other
// resources may use to point at it.
type indexedObservation struct {
	obs  fhirObservation
	refs []string // fullUrl and "Observation/<id>"
}

// susceptibilityPattern matches code displays of the form
// "<antibiotic> [Susceptibility] by (MIC|disk diffusion)".
var susceptibilityPattern = regexp.MustCompile(`(?i)^(.+?)\s*\[\s*susceptibility\s*\]\s*(?:by\s+(.+))?$`)

// Parse reduces the payload to classification inputs.
func (a *FHIRAdapter) Parse(payload []byte) ([]*domain.ClassificationInput, error) {
	observations, err := a.collectObservations(payload)
	if err != nil {
		return nil, err
	}

	// First pass: index organism identifications and phenotype
	// detections so susceptibility references can be walked.
	organismByRef := map[string]*fhirObservation{}
	for i := range observations {
		entry := &observations[i]
		if a.isOrganismIdentification(&entry.obs) {
			for _, ref := range entry.refs {
				organismByRef[ref] = &entry.obs
			}
		}
	}

	var inputs []*domain.ClassificationInput
	for i := range observations {
		entry := &observations[i]
		obs := &entry.obs

		if !a.isLaboratory(obs) {
			a.logger.WithField("code", obs.Code.Text).Warn("Ignoring non-laboratory Observation")
			continue
		}

		switch {
		case a.isOrganismIdentification(obs):
			inputs = append(inputs, a.organismRecord(obs))
		case a.isPhenotypeDetection(obs):
			if in := a.phenotypeRecord(obs); in != nil {
				inputs = append(inputs, in)
			}
		default:
			if in := a.susceptibilityRecord(obs, organismByRef); in != nil {
				inputs = append(inputs, in)
			}
		}
	}
	return inputs, nil
}

// collectObservations accepts a Bundle of any type, an array of
// Observations, or a single Observation.
func (a *FHIRAdapter) collectObservations(payload []byte) ([]indexedObservation, error) {
	trimmed := strings.TrimLeft(string(payload), " \t\r\n")
	if strings.HasPrefix(trimmed, "[") {
		var raw []json.RawMessage
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, domain.NewAdapterError("fhir", "malformed Observation array", err)
		}
		var out []indexedObservation
		for _, r := range raw {
			var obs fhirObservation
			if err := json.Unmarshal(r, &obs); err != nil {
				return nil, domain.NewAdapterError("fhir", "malformed Observation", err)
			}
			if obs.ResourceType == "Observation" {
				out = append(out, indexedObservation{obs: obs, refs: obsRefs(&obs, "")})
			}
		}
		return out, nil
	}

	var envelope struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, domain.NewAdapterError("fhir", "malformed JSON payload", err)
	}

	switch envelope.ResourceType {
	case "Bundle":
		var bundle fhirBundle
		if err := json.Unmarshal(payload, &bundle); err != nil {
			return nil, domain.NewAdapterError("fhir", "malformed Bundle", err)
		}
		var out []indexedObservation
		for _, e := range bundle.Entry {
			if len(e.Resource) == 0 {
				continue
			}
			var obs fhirObservation
			if err := json.Unmarshal(e.Resource, &obs); err != nil {
				return nil, domain.NewAdapterError("fhir", "malformed Bundle entry", err)
			}
			if obs.ResourceType == "Observation" {
				out = append(out, indexedObservation{obs: obs, refs: obsRefs(&obs, e.FullURL)})
			}
		}
		return out, nil
	case "Observation":
		var obs fhirObservation
		if err := json.Unmarshal(payload, &obs); err != nil {
			return nil, domain.NewAdapterError("fhir", "malformed Observation", err)
		}
		return []indexedObservation{{obs: obs, refs: obsRefs(&obs, "")}}, nil
	default:
		return nil, domain.NewAdapterError("fhir",
			fmt.Sprintf("payload must be a Bundle or Observation(s), got %q", envelope.ResourceType), nil)
	}
}

func obsRefs(obs *fhirObservation, fullURL string) []string {
	var refs []string
	if fullURL != "" {
		refs = append(refs, fullURL)
	}
	if obs.ID != "" {
		refs = append(refs, "Observation/"+obs.ID)
	}
	return refs
}

// isLaboratory checks the category. Observations without a category are
// kept; only an explicit non-laboratory category excludes.
func (a *FHIRAdapter) isLaboratory(obs *fhirObservation) bool {
	if len(obs.Category) == 0 {
		return true
	}
	for _, cat := range obs.Category {
		for _, c := range cat.Coding {
			if c.Code == "laboratory" {
				return true
			}
		}
		if strings.EqualFold(cat.Text, "laboratory") {
			return true
		}
	}
	return false
}

// isOrganismIdentification recognizes culture identification
// observations: LOINC 634-6, "organism identified" text, or a
// SNOMED-coded organism value.
func (a *FHIRAdapter) isOrganismIdentification(obs *fhirObservation) bool {
	for _, c := range obs.Code.Coding {
		if c.System == terminology.SystemLOINC && c.Code == terminology.LOINCOrganismIdentified {
			return true
		}
	}
	if strings.Contains(strings.ToLower(obs.Code.Text), "organism identified") {
		return true
	}
	if obs.ValueCodeableConcept != nil {
		for _, c := range obs.ValueCodeableConcept.Coding {
			if c.System == terminology.SystemSNOMED {
				return true
			}
		}
	}
	return false
}

// phenotypeMarkers maps code-text fragments to phenotype flags.
var phenotypeMarkers = []struct {
	fragment string
	flag     domain.PhenotypeFlag
}{
	{"esbl", domain.ESBL},
	{"extended-spectrum beta-lactamase", domain.ESBL},
	{"carbapenemase", domain.CARBAPENEMASE},
	{"mrsa", domain.MRSA},
	{"methicillin resistance", domain.MRSA},
	{"vancomycin resistance", domain.VRE},
	{"inducible clindamycin", domain.INDUCIBLE_CLINDA},
	{"d-test", domain.INDUCIBLE_CLINDA},
	{"ampc", domain.AMPC},
}

// isPhenotypeDetection recognizes ESBL detection, MRSA/cefoxitin screen,
// carbapenemase detection and D-test observations.
func (a *FHIRAdapter) isPhenotypeDetection(obs *fhirObservation) bool {
	_, ok := a.phenotypeFlag(obs)
	return ok
}

func (a *FHIRAdapter) phenotypeFlag(obs *fhirObservation) (domain.PhenotypeFlag, bool) {
	text := strings.ToLower(obs.Code.Text)
	for _, c := range obs.Code.Coding {
		text += " " + strings.ToLower(c.Display)
	}
	for _, m := range phenotypeMarkers {
		if strings.Contains(text, m.fragment) {
			return m.flag, true
		}
	}
	if strings.Contains(text, "cefoxitin") && strings.Contains(text, "screen") {
		return domain.MRSA, true
	}
	return "", false
}

// phenotypeRecord emits an organism-only record carrying the detected
// flag when the observation value is positive. Negative and
// indeterminate detections produce nothing.
func (a *FHIRAdapter) phenotypeRecord(obs *fhirObservation) *domain.ClassificationInput {
	flag, _ := a.phenotypeFlag(obs)
	if !a.valueIsPositive(obs) {
		return nil
	}
	in := &domain.ClassificationInput{
		SpecimenID: refString(obs.Specimen),
		Phenotypes: []domain.PhenotypeFlag{flag},
	}
	a.attachSubject(in, obs)
	return in
}

func (a *FHIRAdapter) valueIsPositive(obs *fhirObservation) bool {
	var texts []string
	if obs.ValueCodeableConcept != nil {
		texts = append(texts, obs.ValueCodeableConcept.Text)
		for _, c := range obs.ValueCodeableConcept.Coding {
			texts = append(texts, c.Display, c.Code)
		}
	}
	texts = append(texts, obs.ValueString)
	for _, t := range texts {
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "positive", "detected", "pos", "present":
			return true
		}
	}
	return false
}

// organismRecord emits an organism-only record for the grouper.
func (a *FHIRAdapter) organismRecord(obs *fhirObservation) *domain.ClassificationInput {
	in := &domain.ClassificationInput{
		SpecimenID: refString(obs.Specimen),
		Organism:   organismTriple(obs),
	}
	a.attachSubject(in, obs)
	return in
}

// organismTriple surfaces the raw designator from a organism
// identification's value.
func organismTriple(obs *fhirObservation) domain.CodedText {
	if obs.ValueCodeableConcept != nil {
		if len(obs.ValueCodeableConcept.Coding) > 0 {
			c := obs.ValueCodeableConcept.Coding[0]
			display := c.Display
			if display == "" {
				display = obs.ValueCodeableConcept.Text
			}
			return domain.CodedText{System: c.System, Code: c.Code, Display: display}
		}
		return domain.CodedText{Display: obs.ValueCodeableConcept.Text}
	}
	return domain.CodedText{Display: obs.ValueString}
}

// susceptibilityRecord builds a classification input for a
// susceptibility observation, or nil when the observation is neither a
// recognized susceptibility shape nor carries an antibiotic designator.
func (a *FHIRAdapter) susceptibilityRecord(obs *fhirObservation, organismByRef map[string]*fhirObservation) *domain.ClassificationInput {
	antibiotic, methodHint, recognized := a.antibioticFromCode(&obs.Code)
	method := a.methodOf(obs, methodHint)
	if !recognized && method == "" {
		a.logger.WithField("code", obs.Code.Text).Warn("Ignoring Observation with no susceptibility shape")
		return nil
	}
	if antibiotic.IsZero() {
		a.logger.WithField("code", obs.Code.Text).Warn("Susceptibility Observation lacks an antibiotic designator")
		return nil
	}

	in := &domain.ClassificationInput{
		SpecimenID: refString(obs.Specimen),
		Antibiotic: antibiotic,
		Method:     method,
		Value:      a.measurement(obs, method),
	}
	a.attachSubject(in, obs)

	// Walk derivedFrom/hasMember to the organism identification.
	for _, refs := range [][]fhirReference{obs.DerivedFrom, obs.HasMember} {
		for _, ref := range refs {
			if org, ok := organismByRef[ref.Reference]; ok {
				in.Organism = organismTriple(org)
			}
		}
	}
	return in
}

// antibioticFromCode extracts the antibiotic designator and an optional
// method hint from the observation code. Recognition per the contract:
// a known LOINC susceptibility code, or a display matching
// "<antibiotic> [Susceptibility] by <method>".
func (a *FHIRAdapter) antibioticFromCode(code *fhirCodeableConcept) (domain.CodedText, domain.MethodKind, bool) {
	for _, c := range code.Coding {
		if c.System == terminology.SystemLOINC {
			if name, ok := terminology.LOINCAntibiotic(c.Code); ok {
				return domain.CodedText{System: c.System, Code: c.Code, Display: name}, "", true
			}
		}
	}

	display := code.Text
	if display == "" {
		for _, c := range code.Coding {
			if c.Display != "" {
				display = c.Display
				break
			}
		}
	}
	if m := susceptibilityPattern.FindStringSubmatch(display); m != nil {
		return domain.CodedText{Display: strings.TrimSpace(m[1])}, methodFromText(m[2]), true
	}
	if display != "" {
		// Surface the raw display; normalization decides whether it
		// names an antibiotic.
		return domain.CodedText{Display: strings.TrimSpace(strings.SplitN(display, "[", 2)[0])}, "", false
	}
	return domain.CodedText{}, "", false
}

// methodOf determines the method kind from the observation method
// element, the display hint, or the value unit.
func (a *FHIRAdapter) methodOf(obs *fhirObservation, hint domain.MethodKind) domain.MethodKind {
	if obs.Method != nil {
		texts := []string{obs.Method.Text}
		for _, c := range obs.Method.Coding {
			texts = append(texts, c.Code, c.Display)
		}
		for _, t := range texts {
			if m := methodFromText(t); m != "" {
				return m
			}
		}
	}
	if hint != "" {
		return hint
	}
	if obs.ValueQuantity != nil {
		if m := methodFromUnit(obs.ValueQuantity.Unit, obs.ValueQuantity.Code); m != "" {
			return m
		}
	}
	return ""
}

func methodFromText(text string) domain.MethodKind {
	switch t := strings.ToLower(strings.TrimSpace(text)); {
	case t == "":
		return ""
	case strings.Contains(t, "gradient") || strings.Contains(t, "etest"):
		return domain.GRADIENT
	case strings.Contains(t, "mic") || strings.Contains(t, "minimum inhibitory"):
		return domain.MIC
	case strings.Contains(t, "disk") || strings.Contains(t, "disc"):
		return domain.DISC
	case strings.Contains(t, "screen"):
		return domain.SCREEN
	default:
		return ""
	}
}

// methodFromUnit maps UCUM units to method kinds.
func methodFromUnit(unit, ucum string) domain.MethodKind {
	for _, u := range []string{ucum, unit} {
		switch strings.ToLower(strings.TrimSpace(u)) {
		case "mg/l", "ug/ml", "mcg/ml":
			return domain.MIC
		case "mm":
			return domain.DISC
		}
	}
	return ""
}

// measurement extracts the value. A MIC or DISC observation without a
// numeric value yields the missing-value sentinel for gating; it is
// never coerced.
func (a *FHIRAdapter) measurement(obs *fhirObservation, method domain.MethodKind) domain.Measurement {
	m := domain.Measurement{Kind: method}
	q := obs.ValueQuantity
	if q == nil || q.Value == nil {
		return m
	}
	m.Comparator = domain.ValueComparator(q.Comparator)
	m.Raw = fmt.Sprintf("%s%v %s", q.Comparator, *q.Value, q.Unit)
	switch method {
	case domain.MIC, domain.GRADIENT:
		v := *q.Value
		m.MicMgL = &v
	case domain.DISC:
		z := int(*q.Value)
		m.ZoneMm = &z
	}
	return m
}

func (a *FHIRAdapter) attachSubject(in *domain.ClassificationInput, obs *fhirObservation) {
	if obs.Subject != nil && obs.Subject.Reference != "" {
		in.SetAux(domain.AuxPatientID, obs.Subject.Reference)
	}
}

func refString(ref *fhirReference) string {
	if ref == nil {
		return ""
	}
	return ref.Reference
}
