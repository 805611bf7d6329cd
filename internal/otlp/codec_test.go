package otlp

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/protobuf/proto"
)

func gzipBytes(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDecodeJSONSnakeCaseGzip(t *testing.T) {
	payload := map[string]interface{}{
		"resource_logs": []interface{}{
			map[string]interface{}{
				"scope_logs": []interface{}{
					map[string]interface{}{
						"log_records": []interface{}{
							map[string]interface{}{
								"time_unix_nano":  "1700000000000000000",
								"severity_number": 17,
								"trace_id":        "ESIzRFVmd4gRIjNEVWZ3iA==",
								"body":            map[string]interface{}{"stringValue": "boom"},
							},
						},
					},
				},
			},
		},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	tree, err := Decode(gzipBytes(t, raw), "application/json", SignalLogs, 1<<20)
	require.NoError(t, err)

	rls, ok := tree["resourceLogs"].([]interface{})
	require.True(t, ok, "resource_logs renamed to resourceLogs")
	rec := rls[0].(map[string]interface{})["scopeLogs"].([]interface{})[0].(map[string]interface{})["logRecords"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "11223344556677881122334455667788", rec["traceId"])
	assert.Contains(t, rec, "timeUnixNano")
	assert.NotContains(t, rec, "time_unix_nano")
}

func TestDecodeRejectsOversizedDecompressed(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 4096)
	_, err := Decode(gzipBytes(t, big), "application/json", SignalLogs, 1024)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestDecodeRejectsNonObjectJSON(t *testing.T) {
	_, err := Decode([]byte(`[1,2,3]`), "application/json", SignalLogs, 1<<20)
	assert.ErrorIs(t, err, ErrInvalidBody)
}

func TestDecodeProtobufLogs(t *testing.T) {
	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			ScopeLogs: []*logspb.ScopeLogs{{
				LogRecords: []*logspb.LogRecord{{
					TimeUnixNano:   1700000000000000000,
					SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_ERROR,
					TraceId:        []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88},
					SpanId:         []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88},
					Body:           &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "boom"}},
				}},
			}},
		}},
	}
	raw, err := proto.Marshal(req)
	require.NoError(t, err)

	tree, err := Decode(raw, "application/x-protobuf", SignalLogs, 1<<20)
	require.NoError(t, err)

	logs := TransformLogs(tree, "proj-1")
	require.Len(t, logs, 1)
	assert.Equal(t, "11223344556677881122334455667788", logs[0].TraceID)
	assert.Equal(t, "1122334455667788", logs[0].SpanID)
	assert.Equal(t, "boom", logs[0].Message)
}

func TestDecodeProtobufContentTypeWithJSONBody(t *testing.T) {
	// Some exporters mislabel JSON bodies; valid UTF-8 JSON is accepted.
	raw := []byte(`{"resourceLogs":[]}`)
	tree, err := Decode(raw, "application/x-protobuf", SignalLogs, 1<<20)
	require.NoError(t, err)
	assert.Contains(t, tree, "resourceLogs")
}

func TestNormalizeIdempotent(t *testing.T) {
	in := map[string]interface{}{
		"resource_spans": []interface{}{
			map[string]interface{}{
				"trace_id": "ESIzRFVmd4gRIjNEVWZ3iA==",
				"span_id":  "1122334455667788",
				"nested":   map[string]interface{}{"start_time_unix_nano": "5"},
			},
		},
	}
	once := Normalize(in)
	twice := Normalize(once)
	assert.Equal(t, once, twice)
}

func TestNormalizePrefersExistingCamelKey(t *testing.T) {
	in := map[string]interface{}{
		"traceId":  "11223344556677881122334455667788",
		"trace_id": "ffffffffffffffffffffffffffffffff",
	}
	out := Normalize(in).(map[string]interface{})
	assert.Equal(t, "11223344556677881122334455667788", out["traceId"])
	assert.NotContains(t, out, "trace_id")
}

func TestNormalizeIDPassesThroughGarbage(t *testing.T) {
	assert.Equal(t, "not-an-id!", NormalizeID("not-an-id!"))
	assert.Equal(t, "ABCDEF1234567890", NormalizeID("abcdef1234567890"))
}
