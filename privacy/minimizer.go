package privacy

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrPHILeak is returned when a disallowed field survives projection.
var ErrPHILeak = errors.New("PHI_LEAK_DETECTED")

// Field names of the full patient context that constitute PHI.
var phiFields = map[string]bool{
	"transcriptText": true,
	"patientId":      true,
	"visitId":        true,
	"audioUrl":       true,
	"patientName":    true,
	"dateOfBirth":    true,
	"mrn":            true,
	"ssn":            true,
	"address":        true,
	"phone":          true,
	"email":          true,
}

// allowedFields maps each ML service to the set of context fields it
// may receive. A field absent from a service's set never reaches that
// service, PHI or not. audio-intelligence is the only service allowed
// to receive the transcript.
var allowedFields = map[string]map[string]bool{
	"audio-intelligence": {
		"transcriptText": true,
		"correlationId":  true,
	},
	"careplan-recommender": {
		"conditionCodes":       true,
		"demographics":         true,
		"preferredTemplateIds": true,
		"correlationId":        true,
	},
	"rag-embeddings": {
		"conditionCodes": true,
		"symptoms":       true,
		"correlationId":  true,
	},
	"pdf-parser": {
		"fileKey":       true,
		"mimeType":      true,
		"correlationId": true,
	},
}

const maskedTranscriptLen = 100

// Minimizer projects the full patient context into per-service minimal
// payloads and produces PHI-safe representations for logs and audits.
// The zero value is not usable; construct with NewMinimizer.
type Minimizer struct{}

// NewMinimizer returns a Minimizer backed by the compile-time
// allowlist tables.
func NewMinimizer() *Minimizer {
	return &Minimizer{}
}

// Project returns the minimal payload for the given service. It fails
// with ErrPHILeak if a field outside the service's allowlist would
// appear in the projection; the self-check runs on the projected map,
// not the input, so the guarantee holds regardless of input shape.
func (m *Minimizer) Project(service string, full map[string]interface{}) (map[string]interface{}, error) {
	allowed, ok := allowedFields[service]
	if !ok {
		return nil, fmt.Errorf("unknown service %q", service)
	}

	payload := make(map[string]interface{}, len(allowed))
	for field, value := range full {
		if allowed[field] {
			payload[field] = value
		}
	}

	for field := range payload {
		if !allowed[field] {
			return nil, fmt.Errorf("field %q in projection for %s: %w", field, service, ErrPHILeak)
		}
	}

	return payload, nil
}

// StripPHI returns a copy of the map with every PHI field removed.
func (m *Minimizer) StripPHI(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for field, value := range data {
		if phiFields[field] {
			continue
		}
		out[field] = value
	}
	return out
}

// MaskForLogging returns a log-safe view of the full context. PHI
// fields become length-only placeholders; the transcript keeps its
// first 100 characters, annotated with the original length when
// truncated.
func (m *Minimizer) MaskForLogging(full map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(full))
	for field, value := range full {
		if !phiFields[field] {
			out[field] = value
			continue
		}
		s, isString := value.(string)
		if !isString {
			out[field] = "<masked>"
			continue
		}
		if field == "transcriptText" {
			if len(s) > maskedTranscriptLen {
				out[field] = fmt.Sprintf("%s...(len=%d)", s[:maskedTranscriptLen], len(s))
			} else {
				out[field] = s
			}
			continue
		}
		out[field] = fmt.Sprintf("<len=%d>", len(s))
	}
	return out
}

// IsPHIField reports whether a context field name is classified as PHI.
func IsPHIField(field string) bool {
	return phiFields[field]
}

// PHIFieldsPresent returns the sorted PHI field names present in the
// context, for audit entries that must list fields without values.
func PHIFieldsPresent(full map[string]interface{}) []string {
	var present []string
	for field, value := range full {
		if !phiFields[field] {
			continue
		}
		if s, ok := value.(string); ok && s == "" {
			continue
		}
		present = append(present, field)
	}
	sort.Strings(present)
	return present
}

// AuditEntry builds a data-sharing audit record for a projected
// payload. Only field names are recorded, never values.
func (m *Minimizer) AuditEntry(service string, payload map[string]interface{}, correlationID string) map[string]interface{} {
	fields := make([]string, 0, len(payload))
	for field := range payload {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	return map[string]interface{}{
		"service":       service,
		"fields":        fields,
		"correlationId": correlationID,
		"timestamp":     time.Now().UTC(),
	}
}
