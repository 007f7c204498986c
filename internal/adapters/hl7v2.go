package adapters

import (
	"math"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/amr-classifier-server/internal/domain"
)

// HL7v2Adapter reduces ORU^R01-shaped HL7 v2 messages to classification
// inputs. Segments are parsed positionally with the delimiters declared
// in MSH-1/MSH-2; both carriage-return and line-feed segment separators
// are accepted.
type HL7v2Adapter struct {
	logger *logrus.Logger
}

// NewHL7v2Adapter creates the HL7 v2 adapter.
func NewHL7v2Adapter(logger *logrus.Logger) *HL7v2Adapter {
	return &HL7v2Adapter{logger: logger}
}

// Format identifies this adapter.
func (a *HL7v2Adapter) Format() InputFormat { return FormatHL7v2 }

// hl7Delimiters holds the separators declared by the MSH segment.
type hl7Delimiters struct {
	field     byte
	component byte
}

// hl7Segment is one parsed segment: its type and positional fields.
// For non-MSH segments fields[N] is <TYPE>-N; fields[0] is the type.
type hl7Segment struct {
	kind   string
	fields []string
}

// field returns the 1-based field, or "" when absent.
func (s hl7Segment) field(n int) string {
	if n < len(s.fields) {
		return s.fields[n]
	}
	return ""
}

// AuxSpecimenType carries SPM-4 when present.
const AuxSpecimenType = "specimen-type"

// Parse reduces an ORU message. A malformed or absent MSH is a
// ParseError; a message without OBX segments yields an empty input list.
func (a *HL7v2Adapter) Parse(payload []byte) ([]*domain.ClassificationInput, error) {
	text := strings.TrimLeft(string(payload), " \t\r\n")
	if !strings.HasPrefix(text, "MSH") || len(text) < 8 {
		return nil, domain.NewAdapterError("hl7v2", "message does not begin with an MSH segment", nil)
	}
	delims := hl7Delimiters{field: text[3], component: text[4]}

	segments := a.splitSegments(text, delims)
	if len(segments) == 0 || segments[0].kind != "MSH" {
		return nil, domain.NewAdapterError("hl7v2", "malformed MSH segment", nil)
	}

	var (
		inputs          []*domain.ClassificationInput
		patientID       string
		specimenID      string
		specimenType    string
		currentOrganism domain.CodedText
	)

	for _, seg := range segments {
		switch seg.kind {
		case "PID":
			// PID-3: patient identifier, opaque to the engine.
			if id := firstComponent(seg.field(3), delims); id != "" {
				patientID = id
			}
		case "OBR":
			// OBR-3 filler order number as specimen fallback.
			if specimenID == "" {
				specimenID = firstComponent(seg.field(3), delims)
			}
		case "SPM":
			if id := firstComponent(seg.field(2), delims); id != "" {
				specimenID = id
			}
			if t := firstComponent(seg.field(4), delims); t != "" {
				specimenType = t
			}
		case "OBX":
			in := a.parseOBX(seg, delims, &currentOrganism)
			if in == nil {
				continue
			}
			inputs = append(inputs, in)
		}
	}

	for _, in := range inputs {
		if in.SpecimenID == "" {
			in.SpecimenID = specimenID
		}
		if patientID != "" {
			in.SetAux(domain.AuxPatientID, patientID)
		}
		if specimenType != "" {
			in.SetAux(AuxSpecimenType, specimenType)
		}
	}
	return inputs, nil
}

// splitSegments breaks the message on CR, LF or CRLF and parses each
// segment's fields. MSH is shifted so that field numbering matches the
// standard (MSH-1 is the field separator itself).
func (a *HL7v2Adapter) splitSegments(text string, delims hl7Delimiters) []hl7Segment {
	lines := strings.FieldsFunc(text, func(r rune) bool { return r == '\r' || r == '\n' })
	var segments []hl7Segment
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if len(line) < 3 {
			continue
		}
		parts := strings.Split(line, string(delims.field))
		kind := parts[0]
		fields := parts
		if kind == "MSH" {
			// parts[1] is MSH-2 (encoding characters); renumber so that
			// field(n) returns MSH-n.
			fields = append([]string{"MSH", string(delims.field)}, parts[1:]...)
		}
		segments = append(segments, hl7Segment{kind: kind, fields: fields})
	}
	return segments
}

// parseOBX classifies one OBX segment by its OBX-3 observation
// identifier: organism identification, MIC, disc, or phenotype screen.
// Unrecognized observations are skipped with a log entry.
func (a *HL7v2Adapter) parseOBX(seg hl7Segment, delims hl7Delimiters, currentOrganism *domain.CodedText) *domain.ClassificationInput {
	obsID := seg.field(3)
	value := seg.field(5)
	units := firstComponent(seg.field(6), delims)
	flags := seg.field(8)

	idComponents := strings.Split(obsID, string(delims.component))
	idCode := idComponents[0]
	idText := idCode
	if len(idComponents) > 1 && idComponents[1] != "" {
		idText = idComponents[1]
	}
	upperID := strings.ToUpper(obsID)

	switch {
	case isOrganismObservation(upperID):
		*currentOrganism = codedTextFromHL7(value, delims)
		return &domain.ClassificationInput{Organism: *currentOrganism}

	case strings.HasPrefix(strings.ToUpper(idCode), "MIC") || strings.Contains(upperID, "MIC"):
		return a.susceptibilityOBX(domain.MIC, idCode, idText, value, units, flags, delims, currentOrganism)

	case strings.Contains(upperID, "DISC") || strings.Contains(upperID, "DISK") || strings.Contains(upperID, "ZONE"):
		return a.susceptibilityOBX(domain.DISC, idCode, idText, value, units, flags, delims, currentOrganism)

	case strings.Contains(upperID, "SCREEN") || containsPhenotypeMarker(upperID):
		return a.phenotypeOBX(upperID, value, delims)

	default:
		a.logger.WithField("obx3", obsID).Debug("Skipping unrecognized OBX observation")
		return nil
	}
}

func isOrganismObservation(upperID string) bool {
	for _, marker := range []string{"ORGANISM", "IDENTIFICATION", "ISOLATE", "CULTURE"} {
		if strings.Contains(upperID, marker) {
			return true
		}
	}
	// Bare ORG code.
	return strings.HasPrefix(upperID, "ORG^") || upperID == "ORG"
}

func containsPhenotypeMarker(upperID string) bool {
	for _, marker := range []string{"ESBL", "MRSA", "CARBAPENEMASE", "KPC", "NDM", "VRE", "D-TEST", "DTEST"} {
		if strings.Contains(upperID, marker) {
			return true
		}
	}
	return false
}

// susceptibilityOBX builds a MIC or DISC input. The antibiotic
// designator is whatever remains of OBX-3 once the method token is
// stripped; units may override the method.
func (a *HL7v2Adapter) susceptibilityOBX(
	method domain.MethodKind,
	idCode, idText, value, units, flags string,
	delims hl7Delimiters,
	currentOrganism *domain.CodedText,
) *domain.ClassificationInput {
	if m := methodFromUnit(units, ""); m != "" {
		method = m
	}

	antibiotic := stripMethodTokens(idText)
	if antibiotic == "" {
		antibiotic = stripMethodTokens(idCode)
	}
	if antibiotic == "" {
		a.logger.WithField("obx3", idCode).Warn("Susceptibility OBX names no antibiotic")
		return nil
	}

	in := &domain.ClassificationInput{
		Organism:   *currentOrganism,
		Antibiotic: domain.CodedText{Code: antibiotic, Display: antibiotic},
		Method:     method,
		Value:      parseHL7Value(value, method, delims),
	}
	for _, flag := range phenotypesFromFlags(flags) {
		in.AddPhenotype(flag)
	}
	return in
}

// phenotypeOBX emits an organism-only record carrying the detected
// mechanism when the screen is positive.
func (a *HL7v2Adapter) phenotypeOBX(upperID, value string, delims hl7Delimiters) *domain.ClassificationInput {
	v := strings.ToUpper(firstComponent(value, delims))
	positive := v == "POS" || v == "POSITIVE" || v == "DETECTED" || v == "TRUE"
	if !positive {
		return nil
	}
	var flag domain.PhenotypeFlag
	switch {
	case strings.Contains(upperID, "ESBL"):
		flag = domain.ESBL
	case strings.Contains(upperID, "MRSA"):
		flag = domain.MRSA
	case strings.Contains(upperID, "CARBAPENEMASE"), strings.Contains(upperID, "KPC"), strings.Contains(upperID, "NDM"):
		flag = domain.CARBAPENEMASE
	case strings.Contains(upperID, "VRE"):
		flag = domain.VRE
	case strings.Contains(upperID, "D-TEST"), strings.Contains(upperID, "DTEST"):
		flag = domain.INDUCIBLE_CLINDA
	default:
		return nil
	}
	return &domain.ClassificationInput{Phenotypes: []domain.PhenotypeFlag{flag}}
}

// parseHL7Value parses OBX-5: an optional comparator prefix followed by
// a numeric value. The comparator is preserved for the rationale; the
// bare numeric drives breakpoint comparison. A value that does not
// parse leaves the measurement empty for gating. Fractional zone
// diameters round to the nearest millimetre; the exact text stays in Raw.
func parseHL7Value(value string, method domain.MethodKind, delims hl7Delimiters) domain.Measurement {
	m := domain.Measurement{Kind: method, Raw: value}
	raw := strings.TrimSpace(firstComponent(value, delims))
	if raw == "" {
		return m
	}

	for _, cmp := range []domain.ValueComparator{domain.CMP_LE, domain.CMP_GE, domain.CMP_LT, domain.CMP_GT} {
		if strings.HasPrefix(raw, string(cmp)) {
			m.Comparator = cmp
			raw = strings.TrimSpace(strings.TrimPrefix(raw, string(cmp)))
			break
		}
	}

	num, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return m
	}
	switch method {
	case domain.MIC, domain.GRADIENT:
		m.MicMgL = &num
	case domain.DISC:
		z := int(math.Round(num))
		m.ZoneMm = &z
	}
	return m
}

// phenotypesFromFlags maps OBX-8 abnormal-flag markers to phenotypes.
func phenotypesFromFlags(flags string) []domain.PhenotypeFlag {
	if flags == "" {
		return nil
	}
	upper := strings.ToUpper(flags)
	var out []domain.PhenotypeFlag
	if strings.Contains(upper, "ESBL") {
		out = append(out, domain.ESBL)
	}
	if strings.Contains(upper, "MRSA") {
		out = append(out, domain.MRSA)
	}
	if strings.Contains(upper, "VRE") {
		out = append(out, domain.VRE)
	}
	for _, marker := range []string{"KPC", "NDM", "OXA"} {
		if strings.Contains(upper, marker) {
			out = append(out, domain.CARBAPENEMASE)
			break
		}
	}
	return out
}

// stripMethodTokens removes MIC/DISC vocabulary from an OBX-3 text,
// leaving the antibiotic designator.
func stripMethodTokens(text string) string {
	words := strings.Fields(strings.ReplaceAll(strings.ReplaceAll(text, "-", " "), "_", " "))
	kept := words[:0]
	for _, w := range words {
		switch strings.ToUpper(w) {
		case "MIC", "DISC", "DISK", "ZONE", "DIFFUSION", "SUSCEPTIBILITY", "SENS", "SENSITIVITY":
		default:
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// codedTextFromHL7 splits a CE/CWE value into a designator triple.
func codedTextFromHL7(value string, delims hl7Delimiters) domain.CodedText {
	parts := strings.Split(value, string(delims.component))
	ct := domain.CodedText{Code: strings.TrimSpace(parts[0])}
	if len(parts) > 1 {
		ct.Display = strings.TrimSpace(parts[1])
	} else {
		ct.Display = ct.Code
	}
	if len(parts) > 2 {
		ct.System = strings.TrimSpace(parts[2])
	}
	return ct
}

func firstComponent(field string, delims hl7Delimiters) string {
	if i := strings.IndexByte(field, delims.component); i >= 0 {
		return field[:i]
	}
	return field
}
