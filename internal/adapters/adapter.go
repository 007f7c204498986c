// Package adapters reduces the three supported input formats — FHIR R4
// Bundles/Observations, HL7 v2 ORU messages and native records — to a
// uniform []ClassificationInput. Adapters never classify and never
// resolve terminology; they surface raw designator triples for the
// normalizer.
package adapters

import (
	"bytes"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/amr-classifier-server/internal/domain"
)

// InputFormat enumerates the supported payload formats.
type InputFormat string

const (
	FormatFHIR    InputFormat = "fhir"
	FormatHL7v2   InputFormat = "hl7v2"
	FormatNative  InputFormat = "native"
	FormatUnknown InputFormat = "unknown"
)

// DetectFormat examines the declared content type and the first
// non-whitespace bytes of the payload. Pure function; transport calls it
// for the auto-detecting /classify endpoint.
func DetectFormat(payload []byte, contentType string) InputFormat {
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)

	switch ct {
	case "application/fhir+json":
		return FormatFHIR
	case "application/hl7-v2", "x-application/hl7-v2+er7":
		return FormatHL7v2
	}

	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	switch {
	case bytes.HasPrefix(trimmed, []byte("MSH")):
		return FormatHL7v2
	case len(trimmed) > 0 && trimmed[0] == '{':
		if bytes.Contains(trimmed, []byte(`"resourceType"`)) {
			return FormatFHIR
		}
		return FormatNative
	case len(trimmed) > 0 && trimmed[0] == '[':
		// An array of FHIR Observations also starts with '['; sniff for
		// the resourceType marker before assuming native records.
		if bytes.Contains(trimmed, []byte(`"resourceType"`)) {
			return FormatFHIR
		}
		return FormatNative
	}
	return FormatUnknown
}

// Adapter parses one payload format into classification inputs.
type Adapter interface {
	Parse(payload []byte) ([]*domain.ClassificationInput, error)
	Format() InputFormat
}

// Registry dispatches payloads to the adapter for their format.
type Registry struct {
	fhir   *FHIRAdapter
	hl7v2  *HL7v2Adapter
	native *NativeAdapter
}

// NewRegistry wires the three adapters.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		fhir:   NewFHIRAdapter(logger),
		hl7v2:  NewHL7v2Adapter(logger),
		native: NewNativeAdapter(logger),
	}
}

// Parse reduces the payload using the adapter for format. Unknown
// formats return domain.ErrUnsupportedFormat.
func (r *Registry) Parse(format InputFormat, payload []byte) ([]*domain.ClassificationInput, error) {
	switch format {
	case FormatFHIR:
		return r.fhir.Parse(payload)
	case FormatHL7v2:
		return r.hl7v2.Parse(payload)
	case FormatNative:
		return r.native.Parse(payload)
	default:
		return nil, domain.ErrUnsupportedFormat
	}
}
