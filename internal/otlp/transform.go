package otlp

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/loghive/backend/internal/database"
)

const unknownService = "unknown"

// LevelFromSeverity maps an OTLP severityNumber to a platform level.
// 1-8 debug, 9-12 info, 13-16 warn, 17-20 error, 21-24 critical; anything
// out of band defaults to info.
func LevelFromSeverity(n int) database.LogLevel {
	switch {
	case n >= 1 && n <= 8:
		return database.LevelDebug
	case n >= 9 && n <= 12:
		return database.LevelInfo
	case n >= 13 && n <= 16:
		return database.LevelWarn
	case n >= 17 && n <= 20:
		return database.LevelError
	case n >= 21 && n <= 24:
		return database.LevelCritical
	default:
		return database.LevelInfo
	}
}

// TransformLogs flattens a normalized ExportLogsServiceRequest tree into
// storable rows. Records that cannot be made sense of individually are
// skipped, never the whole batch.
func TransformLogs(tree map[string]interface{}, projectID string) []*database.Log {
	var out []*database.Log
	for _, rl := range asSlice(tree["resourceLogs"]) {
		resLogs := asMap(rl)
		resAttrs := attrsToMap(asMap(resLogs["resource"])["attributes"])
		service := getString(resAttrs, "service.name")
		if service == "" {
			service = unknownService
		}
		for _, sl := range asSlice(resLogs["scopeLogs"]) {
			scopeLogs := asMap(sl)
			scopeAttrs := attrsToMap(asMap(scopeLogs["scope"])["attributes"])
			for _, lr := range asSlice(scopeLogs["logRecords"]) {
				rec := asMap(lr)
				if rec == nil {
					continue
				}
				out = append(out, transformLogRecord(rec, projectID, service, resAttrs, scopeAttrs))
			}
		}
	}
	return out
}

func transformLogRecord(rec map[string]interface{}, projectID, service string, resAttrs, scopeAttrs map[string]interface{}) *database.Log {
	ts := parseUnixNano(rec["timeUnixNano"])
	if ts.IsZero() {
		ts = parseUnixNano(rec["observedTimeUnixNano"])
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	sev := 0
	if v, ok := rec["severityNumber"]; ok {
		sev = asInt(v)
	}
	level := LevelFromSeverity(sev)

	metadata := map[string]interface{}{}
	for k, v := range resAttrs {
		metadata[k] = v
	}
	for k, v := range scopeAttrs {
		metadata[k] = v
	}
	for k, v := range attrsToMap(rec["attributes"]) {
		metadata[k] = v
	}
	if txt, _ := rec["severityText"].(string); txt != "" {
		metadata["severityText"] = txt
	}

	l := &database.Log{
		ID:        uuid.NewString(),
		Time:      ts,
		ProjectID: projectID,
		Service:   service,
		Level:     level,
		Message:   bodyToMessage(rec["body"]),
		Metadata:  metadata,
	}
	if tid, _ := rec["traceId"].(string); !IsZeroID(tid) {
		l.TraceID = tid
	}
	if sid, _ := rec["spanId"].(string); !IsZeroID(sid) {
		l.SpanID = sid
	}
	return l
}

// bodyToMessage renders the OTLP AnyValue body as a display string: string
// bodies pass through, structured bodies are serialized as compact JSON.
func bodyToMessage(body interface{}) string {
	v := anyValue(body)
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

// TransformSpans flattens a normalized ExportTraceServiceRequest tree into
// span rows and per-trace aggregates. Spans without a usable traceId and
// spanId are skipped. The aggregate's root fields come from the span with no
// parent; when a batch carries several such spans the last one wins.
func TransformSpans(tree map[string]interface{}, projectID, orgID string) ([]*database.Span, map[string]*database.Trace) {
	var spans []*database.Span
	traces := map[string]*database.Trace{}

	for _, rs := range asSlice(tree["resourceSpans"]) {
		resSpans := asMap(rs)
		resAttrs := attrsToMap(asMap(resSpans["resource"])["attributes"])
		service := getString(resAttrs, "service.name")
		if service == "" {
			service = unknownService
		}
		for _, ss := range asSlice(resSpans["scopeSpans"]) {
			for _, sp := range asSlice(asMap(ss)["spans"]) {
				rec := asMap(sp)
				if rec == nil {
					continue
				}
				span := transformSpan(rec, projectID, orgID, service, resAttrs)
				if span == nil {
					continue
				}
				spans = append(spans, span)
				mergeTraceAggregate(traces, span)
			}
		}
	}
	return spans, traces
}

func transformSpan(rec map[string]interface{}, projectID, orgID, service string, resAttrs map[string]interface{}) *database.Span {
	tid, _ := rec["traceId"].(string)
	sid, _ := rec["spanId"].(string)
	if IsZeroID(tid) || IsZeroID(sid) {
		return nil
	}

	start := parseUnixNano(rec["startTimeUnixNano"])
	end := parseUnixNano(rec["endTimeUnixNano"])
	if start.IsZero() {
		start = time.Now().UTC()
	}
	if end.Before(start) {
		end = start
	}

	status := asMap(rec["status"])
	span := &database.Span{
		Time:               start,
		ProjectID:          projectID,
		OrganizationID:     orgID,
		TraceID:            tid,
		SpanID:             sid,
		ServiceName:        service,
		OperationName:      getStr(rec, "name"),
		StartTime:          start,
		EndTime:            end,
		DurationMs:         float64(end.Sub(start)) / float64(time.Millisecond),
		Kind:               spanKind(rec["kind"]),
		StatusCode:         statusCode(status["code"]),
		StatusMessage:      getStr(status, "message"),
		Attributes:         attrsToMap(rec["attributes"]),
		Events:             decodeEvents(rec["events"]),
		Links:              asSlice(rec["links"]),
		ResourceAttributes: resAttrs,
	}
	if pid, _ := rec["parentSpanId"].(string); !IsZeroID(pid) {
		span.ParentSpanID = pid
	}
	return span
}

func mergeTraceAggregate(traces map[string]*database.Trace, span *database.Span) {
	agg, ok := traces[span.TraceID]
	if !ok {
		agg = &database.Trace{
			TraceID:     span.TraceID,
			ProjectID:   span.ProjectID,
			ServiceName: span.ServiceName,
			StartTime:   span.StartTime,
			EndTime:     span.EndTime,
		}
		traces[span.TraceID] = agg
	}
	if span.StartTime.Before(agg.StartTime) {
		agg.StartTime = span.StartTime
	}
	if span.EndTime.After(agg.EndTime) {
		agg.EndTime = span.EndTime
	}
	agg.DurationMs = float64(agg.EndTime.Sub(agg.StartTime)) / float64(time.Millisecond)
	agg.SpanCount++
	if span.StatusCode == "ERROR" {
		agg.Error = true
	}
	if span.ParentSpanID == "" {
		agg.RootServiceName = span.ServiceName
		agg.RootOperationName = span.OperationName
	}
}

// spanKind accepts both protojson's enum name and JSON's numeric form.
func spanKind(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		kinds := []string{
			"SPAN_KIND_UNSPECIFIED", "SPAN_KIND_INTERNAL", "SPAN_KIND_SERVER",
			"SPAN_KIND_CLIENT", "SPAN_KIND_PRODUCER", "SPAN_KIND_CONSUMER",
		}
		if n := int(t); n >= 0 && n < len(kinds) {
			return kinds[n]
		}
	}
	return "SPAN_KIND_UNSPECIFIED"
}

func statusCode(v interface{}) string {
	switch t := v.(type) {
	case string:
		switch t {
		case "STATUS_CODE_OK":
			return "OK"
		case "STATUS_CODE_ERROR":
			return "ERROR"
		}
		return "UNSET"
	case float64:
		switch int(t) {
		case 1:
			return "OK"
		case 2:
			return "ERROR"
		}
	}
	return "UNSET"
}

// decodeEvents unwraps event attribute lists so stored events carry plain
// maps instead of the KeyValue wire shape.
func decodeEvents(v interface{}) []interface{} {
	raw := asSlice(v)
	if raw == nil {
		return nil
	}
	out := make([]interface{}, 0, len(raw))
	for _, e := range raw {
		ev := asMap(e)
		if ev == nil {
			continue
		}
		decoded := map[string]interface{}{
			"name": getStr(ev, "name"),
		}
		if ts := parseUnixNano(ev["timeUnixNano"]); !ts.IsZero() {
			decoded["time"] = ts
		}
		if attrs := attrsToMap(ev["attributes"]); len(attrs) > 0 {
			decoded["attributes"] = attrs
		}
		out = append(out, decoded)
	}
	return out
}

// ============================================================================
// OTLP value plumbing
// ============================================================================

// attrsToMap flattens a KeyValue list into a plain map.
func attrsToMap(v interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for _, kv := range asSlice(v) {
		pair := asMap(kv)
		key, _ := pair["key"].(string)
		if key == "" {
			continue
		}
		out[key] = anyValue(pair["value"])
	}
	return out
}

// unionField looks up an AnyValue wrapper key in both the camelCase form
// protojson emits and the snake_case form some SDKs ship.
func unionField(m map[string]interface{}, camel, snake string) (interface{}, bool) {
	if v, ok := m[camel]; ok {
		return v, true
	}
	if v, ok := m[snake]; ok {
		return v, true
	}
	return nil, false
}

// anyValue unwraps the OTLP AnyValue union into a plain Go value.
func anyValue(v interface{}) interface{} {
	m := asMap(v)
	if m == nil {
		return v
	}
	if s, ok := unionField(m, "stringValue", "string_value"); ok {
		return s
	}
	if b, ok := unionField(m, "boolValue", "bool_value"); ok {
		return b
	}
	if n, ok := unionField(m, "intValue", "int_value"); ok {
		// protojson renders int64 as a string.
		if s, ok := n.(string); ok {
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return i
			}
		}
		return n
	}
	if n, ok := unionField(m, "doubleValue", "double_value"); ok {
		return n
	}
	if b, ok := unionField(m, "bytesValue", "bytes_value"); ok {
		return b
	}
	if arr, ok := unionField(m, "arrayValue", "array_value"); ok {
		vals := asSlice(asMap(arr)["values"])
		out := make([]interface{}, len(vals))
		for i, e := range vals {
			out[i] = anyValue(e)
		}
		return out
	}
	if kvl, ok := unionField(m, "kvlistValue", "kvlist_value"); ok {
		return attrsToMap(asMap(kvl)["values"])
	}
	return m
}

// parseUnixNano accepts nanosecond timestamps as JSON numbers or strings
// (protojson renders uint64 as a string). Zero or unparsable input yields
// the zero time.
func parseUnixNano(v interface{}) time.Time {
	var nanos int64
	switch t := v.(type) {
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return time.Time{}
		}
		nanos = n
	case float64:
		nanos = int64(t)
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}
		}
		nanos = n
	default:
		return time.Time{}
	}
	if nanos <= 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

func asSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func asInt(v interface{}) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	case int:
		return t
	}
	return 0
}

func getStr(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// getString reads a string out of an already-flattened attribute map.
func getString(attrs map[string]interface{}, key string) string {
	s, _ := attrs[key].(string)
	return s
}
