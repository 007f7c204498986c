package adapters

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/amr-classifier-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		contentType string
		want        InputFormat
	}{
		{"fhir content type", `{}`, "application/fhir+json", FormatFHIR},
		{"fhir content type with charset", `{}`, "application/fhir+json; charset=utf-8", FormatFHIR},
		{"hl7 content type", "MSH|^~\\&|LAB", "x-application/hl7-v2+er7", FormatHL7v2},
		{"msh prefix wins over generic json type", "MSH|^~\\&|LAB", "text/plain", FormatHL7v2},
		{"msh prefix with leading whitespace", "\r\nMSH|^~\\&|LAB", "", FormatHL7v2},
		{"object with resourceType", `{"resourceType":"Bundle"}`, "application/json", FormatFHIR},
		{"object without resourceType", `{"organism":"E. coli"}`, "application/json", FormatNative},
		{"array of fhir observations", `[{"resourceType":"Observation"}]`, "application/json", FormatFHIR},
		{"array of native records", `[{"organism":"E. coli"}]`, "application/json", FormatNative},
		{"empty payload", "", "", FormatUnknown},
		{"plain text", "hello", "text/plain", FormatUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFormat([]byte(tt.payload), tt.contentType))
		})
	}
}

func TestRegistryRejectsUnknownFormat(t *testing.T) {
	registry := NewRegistry(testLogger())
	_, err := registry.Parse(FormatUnknown, []byte("whatever"))
	assert.True(t, errors.Is(err, domain.ErrUnsupportedFormat))
}

func TestRegistryDispatchesNative(t *testing.T) {
	registry := NewRegistry(testLogger())
	inputs, err := registry.Parse(FormatNative, []byte(`{"organism":"E. coli","antibiotic":"CIP","method":"MIC","micMgL":0.5}`))
	assert.NoError(t, err)
	assert.Len(t, inputs, 1)
}
