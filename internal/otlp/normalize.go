// Package otlp decodes OTLP/HTTP payloads (JSON or protobuf, optionally
// gzipped), normalizes them into one canonical JSON-shaped tree, and
// transforms that tree into flat log/span rows plus trace aggregates.
package otlp

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// keyRenames maps the snake_case spellings emitted by some SDKs and
// collectors to the canonical camelCase keys. Unknown keys pass through
// untouched.
var keyRenames = map[string]string{
	"resource_logs":            "resourceLogs",
	"scope_logs":               "scopeLogs",
	"log_records":              "logRecords",
	"time_unix_nano":           "timeUnixNano",
	"observed_time_unix_nano":  "observedTimeUnixNano",
	"severity_number":          "severityNumber",
	"severity_text":            "severityText",
	"trace_id":                 "traceId",
	"span_id":                  "spanId",
	"parent_span_id":           "parentSpanId",
	"trace_state":              "traceState",
	"start_time_unix_nano":     "startTimeUnixNano",
	"end_time_unix_nano":       "endTimeUnixNano",
	"schema_url":               "schemaUrl",
	"dropped_attributes_count": "droppedAttributesCount",
	"resource_spans":           "resourceSpans",
	"scope_spans":              "scopeSpans",
}

// idKeys are the keys whose values get base64→hex normalization.
var idKeys = map[string]bool{
	"traceId":      true,
	"spanId":       true,
	"parentSpanId": true,
}

// Normalize rewrites the known snake_case keys to camelCase and converts
// base64 trace/span ids to lowercase hex, recursively. The operation is
// idempotent: applying it twice equals applying it once. When both the
// snake and camel spelling of a key are present, the camel one wins.
func Normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			key := k
			if camel, ok := keyRenames[k]; ok {
				if _, exists := t[camel]; exists {
					continue
				}
				key = camel
			}
			if idKeys[key] {
				if s, ok := val.(string); ok {
					out[key] = NormalizeID(s)
					continue
				}
			}
			out[key] = Normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = Normalize(e)
		}
		return out
	default:
		return v
	}
}

// NormalizeID keeps 16- or 32-char hex ids as-is (lowercased) and converts
// base64 values of the correct decoded length (8 or 16 bytes) to lowercase
// hex. Anything else is returned untouched so the transformer can skip the
// record by rule instead of the codec dropping it silently.
func NormalizeID(s string) string {
	if s == "" {
		return s
	}
	if (len(s) == 16 || len(s) == 32) && isHex(s) {
		return strings.ToLower(s)
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		if len(decoded) == 8 || len(decoded) == 16 {
			return hex.EncodeToString(decoded)
		}
	}
	return s
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// IsZeroID reports whether a hex id is all zeros (OTLP's "unset").
func IsZeroID(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if r != '0' {
			return false
		}
	}
	return true
}
