package ingest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartialSuccessFullBatch(t *testing.T) {
	body := partialSuccess("rejectedLogRecords", 10, 10)
	ps, ok := body["partialSuccess"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 0, ps["rejectedLogRecords"])
	assert.NotContains(t, ps, "errorMessage")
}

func TestPartialSuccessDroppedRecords(t *testing.T) {
	body := partialSuccess("rejectedSpans", 10, 7)
	ps, ok := body["partialSuccess"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 3, ps["rejectedSpans"])
	assert.NotEmpty(t, ps["errorMessage"])
}

func TestRejectAllStorageFailure(t *testing.T) {
	body := rejectAll("rejectedLogRecords", 5, "storage failure")
	ps, ok := body["partialSuccess"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 5, ps["rejectedLogRecords"])
	assert.Equal(t, "storage failure", ps["errorMessage"])
}

func TestCountLogRecords(t *testing.T) {
	tree := map[string]interface{}{
		"resourceLogs": []interface{}{
			map[string]interface{}{
				"scopeLogs": []interface{}{
					map[string]interface{}{"logRecords": []interface{}{1, 2}},
					map[string]interface{}{"logRecords": []interface{}{3}},
				},
			},
			map[string]interface{}{
				"scopeLogs": []interface{}{
					map[string]interface{}{"logRecords": []interface{}{4}},
				},
			},
		},
	}
	assert.Equal(t, 4, countLogRecords(tree))
	assert.Equal(t, 0, countSpans(tree))
}

func TestMissingAPIKeyRejected(t *testing.T) {
	mw := APIKeyMiddleware(nil)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run without a key")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/logs", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "X-API-Key")
}
