package adapters

import (
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/amr-classifier-server/internal/domain"
)

// NativeAdapter parses the service's own JSON record format. A payload
// is either a single record object or an array of records.
type NativeAdapter struct {
	logger *logrus.Logger
}

// NewNativeAdapter creates the native adapter.
func NewNativeAdapter(logger *logrus.Logger) *NativeAdapter {
	return &NativeAdapter{logger: logger}
}

// Format identifies this adapter.
func (a *NativeAdapter) Format() InputFormat { return FormatNative }

// nativeDesignator accepts either a bare string ("Escherichia coli",
// "CIP") or a coded object {system, code, display}.
type nativeDesignator struct {
	domain.CodedText
}

func (d *nativeDesignator) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		d.CodedText = domain.CodedText{Display: s}
		return nil
	}
	var ct domain.CodedText
	if err := json.Unmarshal(data, &ct); err != nil {
		return err
	}
	d.CodedText = ct
	return nil
}

// nativeRecord is the wire form of one classification request item. All
// value fields are kept as provided; the gating stage decides whether
// the variant agrees with the declared method.
type nativeRecord struct {
	SpecimenID string           `json:"specimenId"`
	Organism   nativeDesignator `json:"organism"`
	Antibiotic nativeDesignator `json:"antibiotic"`
	Method     string           `json:"method"`
	MicMgL     *float64         `json:"micMgL"`
	ZoneMm     *int             `json:"zoneMm"`
	Screen     string           `json:"screen"`
	Comparator string           `json:"comparator"`
	Phenotypes []string         `json:"phenotypes"`
	PatientID  string           `json:"patientId"`
}

// Parse decodes native records. Malformed JSON is a ParseError; records
// with unknown method or phenotype tokens are surfaced as-is and left to
// gating, so one bad record never hides the rest of the batch.
func (a *NativeAdapter) Parse(payload []byte) ([]*domain.ClassificationInput, error) {
	var records []nativeRecord

	trimmed := strings.TrimLeft(string(payload), " \t\r\n")
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(payload, &records); err != nil {
			return nil, domain.NewAdapterError("native", "invalid record array", err)
		}
	} else {
		var one nativeRecord
		if err := json.Unmarshal(payload, &one); err != nil {
			return nil, domain.NewAdapterError("native", "invalid record", err)
		}
		records = append(records, one)
	}

	inputs := make([]*domain.ClassificationInput, 0, len(records))
	for _, rec := range records {
		inputs = append(inputs, a.toInput(rec))
	}
	return inputs, nil
}

func (a *NativeAdapter) toInput(rec nativeRecord) *domain.ClassificationInput {
	method := domain.MethodKind(strings.ToUpper(strings.TrimSpace(rec.Method)))

	in := &domain.ClassificationInput{
		SpecimenID: rec.SpecimenID,
		Organism:   rec.Organism.CodedText,
		Antibiotic: rec.Antibiotic.CodedText,
		Method:     method,
		Value: domain.Measurement{
			Kind:       method,
			MicMgL:     rec.MicMgL,
			ZoneMm:     rec.ZoneMm,
			Comparator: nativeComparator(rec.Comparator),
		},
	}
	if rec.Screen != "" {
		in.Value.Screen = domain.ScreenResult(strings.ToUpper(strings.TrimSpace(rec.Screen)))
	}
	for _, p := range rec.Phenotypes {
		flag, ok := nativePhenotype(p)
		if !ok {
			a.logger.WithField("phenotype", p).Warn("Ignoring unrecognized phenotype token")
			continue
		}
		in.AddPhenotype(flag)
	}
	if rec.PatientID != "" {
		in.SetAux(domain.AuxPatientID, rec.PatientID)
	}
	return in
}

func nativeComparator(raw string) domain.ValueComparator {
	switch strings.TrimSpace(raw) {
	case "<":
		return domain.CMP_LT
	case "<=":
		return domain.CMP_LE
	case ">":
		return domain.CMP_GT
	case ">=":
		return domain.CMP_GE
	default:
		return domain.CMP_NONE
	}
}

func nativePhenotype(raw string) (domain.PhenotypeFlag, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "ESBL":
		return domain.ESBL, true
	case "AMPC":
		return domain.AMPC, true
	case "CARBAPENEMASE", "KPC", "NDM", "OXA-48":
		return domain.CARBAPENEMASE, true
	case "MRSA":
		return domain.MRSA, true
	case "MSSA":
		return domain.MSSA, true
	case "VRE":
		return domain.VRE, true
	case "VSE":
		return domain.VSE, true
	case "INDUCIBLE_CLINDA", "INDUCIBLE-CLINDAMYCIN", "D-TEST-POSITIVE":
		return domain.INDUCIBLE_CLINDA, true
	default:
		return "", false
	}
}
