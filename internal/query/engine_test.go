package query

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/backend/internal/database"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 15, 9, 26, 535897932, time.UTC)
	token := EncodeCursor(at, "log-123")

	gotTime, gotID, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.True(t, at.Equal(gotTime))
	assert.Equal(t, "log-123", gotID)
}

func TestCursorKeepsNanosecondPrecision(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 0, 1, time.UTC)
	b := time.Date(2026, 1, 1, 0, 0, 0, 2, time.UTC)

	ta, _, err := DecodeCursor(EncodeCursor(a, "x"))
	require.NoError(t, err)
	tb, _, err := DecodeCursor(EncodeCursor(b, "x"))
	require.NoError(t, err)
	assert.True(t, ta.Before(tb))
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{
		"not-base64!!!",
		"aGVsbG8=",          // no comma
		"MjAyNi0wMS0wMVQ=",  // truncated
	} {
		_, _, err := DecodeCursor(token)
		assert.Error(t, err, "token %q", token)
	}
}

func TestCursorIDMayContainCommas(t *testing.T) {
	at := time.Now().UTC()
	// SplitN(2) keeps everything after the first comma as the id.
	_, id, err := DecodeCursor(EncodeCursor(at, "a,b,c"))
	require.NoError(t, err)
	assert.Equal(t, "a,b,c", id)
}

func TestCSVParam(t *testing.T) {
	r := httptest.NewRequest("GET", "/logs?level=error,critical&level=warn&service=", nil)
	assert.Equal(t, []string{"error", "critical", "warn"}, csvParam(r, "level"))
	assert.Empty(t, csvParam(r, "service"))
}

func TestTimeParam(t *testing.T) {
	r := httptest.NewRequest("GET", "/logs?from=2026-01-02T03:04:05Z&to=1700000000000&bad=yesterday", nil)

	from := timeParam(r, "from")
	require.NotNil(t, from)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), *from)

	to := timeParam(r, "to")
	require.NotNil(t, to)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), *to)

	assert.Nil(t, timeParam(r, "bad"))
	assert.Nil(t, timeParam(r, "missing"))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, defaultPageSize, clampLimit(0))
	assert.Equal(t, defaultPageSize, clampLimit(-5))
	assert.Equal(t, 50, clampLimit(50))
	assert.Equal(t, maxPageSize, clampLimit(5000))
}

func TestPageEchoesPagination(t *testing.T) {
	raw, err := json.Marshal(&Page{Logs: []*database.Log{}, Total: 7, Limit: 100, Offset: 20})
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, float64(100), got["limit"])
	assert.Equal(t, float64(20), got["offset"])
	assert.Equal(t, float64(7), got["total"])
	assert.NotContains(t, got, "nextCursor")
}

func TestValidIntervals(t *testing.T) {
	assert.True(t, validIntervals["1 hour"])
	assert.False(t, validIntervals["3 fortnights"])
}
