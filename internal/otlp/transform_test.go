package otlp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/backend/internal/database"
)

func TestLevelFromSeverity(t *testing.T) {
	cases := []struct {
		n    int
		want database.LogLevel
	}{
		{1, database.LevelDebug},
		{8, database.LevelDebug},
		{9, database.LevelInfo},
		{12, database.LevelInfo},
		{13, database.LevelWarn},
		{16, database.LevelWarn},
		{17, database.LevelError},
		{20, database.LevelError},
		{21, database.LevelCritical},
		{24, database.LevelCritical},
		{0, database.LevelInfo},
		{99, database.LevelInfo},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, LevelFromSeverity(c.n), "severity %d", c.n)
	}
}

func logTree(records ...map[string]interface{}) map[string]interface{} {
	recs := make([]interface{}, len(records))
	for i, r := range records {
		recs[i] = r
	}
	return map[string]interface{}{
		"resourceLogs": []interface{}{
			map[string]interface{}{
				"resource": map[string]interface{}{
					"attributes": []interface{}{
						map[string]interface{}{
							"key":   "service.name",
							"value": map[string]interface{}{"stringValue": "checkout"},
						},
						map[string]interface{}{
							"key":   "deployment.environment",
							"value": map[string]interface{}{"stringValue": "prod"},
						},
					},
				},
				"scopeLogs": []interface{}{
					map[string]interface{}{"logRecords": recs},
				},
			},
		},
	}
}

func TestTransformLogsBasics(t *testing.T) {
	tree := logTree(map[string]interface{}{
		"timeUnixNano":   "1700000000000000000",
		"severityNumber": float64(13),
		"body":           map[string]interface{}{"stringValue": "slow query"},
		"attributes": []interface{}{
			map[string]interface{}{
				"key":   "db.system",
				"value": map[string]interface{}{"stringValue": "postgres"},
			},
		},
	})

	logs := TransformLogs(tree, "proj-1")
	require.Len(t, logs, 1)
	l := logs[0]
	assert.NotEmpty(t, l.ID)
	assert.Equal(t, "proj-1", l.ProjectID)
	assert.Equal(t, "checkout", l.Service)
	assert.Equal(t, database.LevelWarn, l.Level)
	assert.Equal(t, "slow query", l.Message)
	assert.Equal(t, time.Unix(0, 1700000000000000000).UTC(), l.Time)
	// Record attributes merge over resource attributes.
	assert.Equal(t, "postgres", l.Metadata["db.system"])
	assert.Equal(t, "prod", l.Metadata["deployment.environment"])
}

func TestTransformLogsStructuredBody(t *testing.T) {
	tree := logTree(map[string]interface{}{
		"severityNumber": float64(9),
		"body": map[string]interface{}{
			"kvlistValue": map[string]interface{}{
				"values": []interface{}{
					map[string]interface{}{
						"key":   "event",
						"value": map[string]interface{}{"stringValue": "login"},
					},
				},
			},
		},
	})

	logs := TransformLogs(tree, "proj-1")
	require.Len(t, logs, 1)
	assert.JSONEq(t, `{"event":"login"}`, logs[0].Message)
	// No timestamp in the record falls back to ingest time.
	assert.WithinDuration(t, time.Now().UTC(), logs[0].Time, 5*time.Second)
}

func TestTransformLogsMissingServiceName(t *testing.T) {
	tree := map[string]interface{}{
		"resourceLogs": []interface{}{
			map[string]interface{}{
				"scopeLogs": []interface{}{
					map[string]interface{}{
						"logRecords": []interface{}{
							map[string]interface{}{"body": map[string]interface{}{"stringValue": "x"}},
						},
					},
				},
			},
		},
	}
	logs := TransformLogs(tree, "proj-1")
	require.Len(t, logs, 1)
	assert.Equal(t, unknownService, logs[0].Service)
}

func spanRecord(traceID, spanID, parentID, name string, startNs, endNs int64, status string) map[string]interface{} {
	rec := map[string]interface{}{
		"traceId":           traceID,
		"spanId":            spanID,
		"name":              name,
		"startTimeUnixNano": float64(startNs),
		"endTimeUnixNano":   float64(endNs),
		"kind":              "SPAN_KIND_SERVER",
	}
	if parentID != "" {
		rec["parentSpanId"] = parentID
	}
	if status != "" {
		rec["status"] = map[string]interface{}{"code": status}
	}
	return rec
}

func spanTree(service string, records ...map[string]interface{}) map[string]interface{} {
	recs := make([]interface{}, len(records))
	for i, r := range records {
		recs[i] = r
	}
	return map[string]interface{}{
		"resourceSpans": []interface{}{
			map[string]interface{}{
				"resource": map[string]interface{}{
					"attributes": []interface{}{
						map[string]interface{}{
							"key":   "service.name",
							"value": map[string]interface{}{"stringValue": service},
						},
					},
				},
				"scopeSpans": []interface{}{
					map[string]interface{}{"spans": recs},
				},
			},
		},
	}
}

func TestTransformSpansAggregate(t *testing.T) {
	const trace = "11223344556677881122334455667788"
	base := int64(1700000000000000000)
	tree := spanTree("api",
		spanRecord(trace, "aaaaaaaaaaaaaaaa", "", "GET /checkout", base, base+50_000_000, "STATUS_CODE_OK"),
		spanRecord(trace, "bbbbbbbbbbbbbbbb", "aaaaaaaaaaaaaaaa", "SELECT", base+10_000_000, base+80_000_000, "STATUS_CODE_ERROR"),
	)

	spans, traces := TransformSpans(tree, "proj-1", "org-1")
	require.Len(t, spans, 2)
	require.Len(t, traces, 1)

	agg := traces[trace]
	require.NotNil(t, agg)
	assert.Equal(t, 2, agg.SpanCount)
	assert.True(t, agg.Error, "error status is sticky on the aggregate")
	assert.Equal(t, "api", agg.RootServiceName)
	assert.Equal(t, "GET /checkout", agg.RootOperationName)
	assert.Equal(t, time.Unix(0, base).UTC(), agg.StartTime)
	assert.Equal(t, time.Unix(0, base+80_000_000).UTC(), agg.EndTime)
	assert.InDelta(t, 80.0, agg.DurationMs, 0.001)

	assert.InDelta(t, 50.0, spans[0].DurationMs, 0.001)
	assert.Equal(t, "ERROR", spans[1].StatusCode)
	assert.Equal(t, "aaaaaaaaaaaaaaaa", spans[1].ParentSpanID)
}

func TestTransformSpansLastRootWins(t *testing.T) {
	const trace = "11223344556677881122334455667788"
	base := int64(1700000000000000000)
	tree := spanTree("api",
		spanRecord(trace, "aaaaaaaaaaaaaaaa", "", "first-root", base, base+1_000_000, ""),
		spanRecord(trace, "cccccccccccccccc", "", "second-root", base, base+1_000_000, ""),
	)

	_, traces := TransformSpans(tree, "proj-1", "org-1")
	require.Len(t, traces, 1)
	assert.Equal(t, "second-root", traces[trace].RootOperationName)
}

func TestTransformSpansSkipsMissingIDs(t *testing.T) {
	base := int64(1700000000000000000)
	tree := spanTree("api",
		spanRecord("", "aaaaaaaaaaaaaaaa", "", "no-trace", base, base, ""),
		spanRecord("00000000000000000000000000000000", "aaaaaaaaaaaaaaaa", "", "zero-trace", base, base, ""),
		spanRecord("11223344556677881122334455667788", "", "", "no-span", base, base, ""),
		spanRecord("11223344556677881122334455667788", "aaaaaaaaaaaaaaaa", "", "ok", base, base, ""),
	)

	spans, traces := TransformSpans(tree, "proj-1", "org-1")
	require.Len(t, spans, 1)
	assert.Equal(t, "ok", spans[0].OperationName)
	assert.Len(t, traces, 1)
}

func TestAnyValueUnwrapping(t *testing.T) {
	assert.Equal(t, int64(42), anyValue(map[string]interface{}{"intValue": "42"}))
	assert.Equal(t, true, anyValue(map[string]interface{}{"boolValue": true}))
	assert.Equal(t, 1.5, anyValue(map[string]interface{}{"doubleValue": 1.5}))
	arr := anyValue(map[string]interface{}{
		"arrayValue": map[string]interface{}{
			"values": []interface{}{
				map[string]interface{}{"stringValue": "a"},
				map[string]interface{}{"intValue": "2"},
			},
		},
	})
	assert.Equal(t, []interface{}{"a", int64(2)}, arr)
}

func TestAnyValueSnakeCaseWrappers(t *testing.T) {
	assert.Equal(t, "boom", anyValue(map[string]interface{}{"string_value": "boom"}))
	assert.Equal(t, int64(7), anyValue(map[string]interface{}{"int_value": "7"}))
	assert.Equal(t, false, anyValue(map[string]interface{}{"bool_value": false}))
	assert.Equal(t, 2.5, anyValue(map[string]interface{}{"double_value": 2.5}))
	kvl := anyValue(map[string]interface{}{
		"kvlist_value": map[string]interface{}{
			"values": []interface{}{
				map[string]interface{}{
					"key":   "event",
					"value": map[string]interface{}{"string_value": "login"},
				},
			},
		},
	})
	assert.Equal(t, map[string]interface{}{"event": "login"}, kvl)
}

func TestTransformLogsSnakeCaseBody(t *testing.T) {
	tree := logTree(map[string]interface{}{
		"severityNumber": float64(17),
		"body":           map[string]interface{}{"string_value": "boom"},
		"attributes": []interface{}{
			map[string]interface{}{
				"key":   "http.status_code",
				"value": map[string]interface{}{"int_value": "500"},
			},
		},
	})

	logs := TransformLogs(tree, "proj-1")
	require.Len(t, logs, 1)
	assert.Equal(t, "boom", logs[0].Message)
	assert.Equal(t, int64(500), logs[0].Metadata["http.status_code"])
}
