package otlp

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Signal selects which OTLP export request a protobuf body decodes into.
type Signal int

const (
	SignalLogs Signal = iota
	SignalTraces
)

var (
	ErrBodyTooLarge = errors.New("decompressed body exceeds limit")
	ErrInvalidBody  = errors.New("invalid body type")
)

// Decode turns an OTLP/HTTP request body into a normalized JSON-shaped map.
// Gzip is detected by magic bytes regardless of Content-Encoding; the
// protobuf branch is chosen by Content-Type, with a JSON fallback for
// clients that mislabel UTF-8 JSON as protobuf.
func Decode(body []byte, contentType string, signal Signal, maxDecompressed int64) (map[string]interface{}, error) {
	raw, err := maybeGunzip(body, maxDecompressed)
	if err != nil {
		return nil, err
	}

	var tree map[string]interface{}
	if isProtobufContentType(contentType) {
		tree, err = decodeProtobuf(raw, signal)
	} else {
		tree, err = decodeJSON(raw)
	}
	if err != nil {
		return nil, err
	}

	normalized, ok := Normalize(tree).(map[string]interface{})
	if !ok {
		return nil, ErrInvalidBody
	}
	return normalized, nil
}

// maybeGunzip inflates the body when it carries the gzip magic bytes and
// enforces the decompressed size cap. Non-gzip bodies pass through.
func maybeGunzip(body []byte, max int64) ([]byte, error) {
	if len(body) < 2 || body[0] != 0x1f || body[1] != 0x8b {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, max+1))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if int64(len(raw)) > max {
		return nil, ErrBodyTooLarge
	}
	return raw, nil
}

func isProtobufContentType(ct string) bool {
	return strings.Contains(strings.ToLower(ct), "protobuf")
}

func decodeJSON(raw []byte) (map[string]interface{}, error) {
	var tree map[string]interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return tree, nil
}

// decodeProtobuf unmarshals the collector export request for the signal and
// re-serializes it through protojson so both wire formats flow through the
// same normalization. When the bytes are not valid protobuf but happen to be
// valid UTF-8 JSON, the JSON is accepted.
func decodeProtobuf(raw []byte, signal Signal) (map[string]interface{}, error) {
	var msg proto.Message
	switch signal {
	case SignalTraces:
		msg = &coltracepb.ExportTraceServiceRequest{}
	default:
		msg = &collogspb.ExportLogsServiceRequest{}
	}

	if err := proto.Unmarshal(raw, msg); err != nil {
		if utf8.Valid(raw) {
			if tree, jerr := decodeJSON(raw); jerr == nil {
				return tree, nil
			}
		}
		return nil, fmt.Errorf("decode OTLP protobuf: %w", err)
	}

	jsonBytes, err := protojson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("reserialize OTLP protobuf: %w", err)
	}
	return decodeJSON(jsonBytes)
}
