package livetail

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logPayload(service, level string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"service":%q,"level":%q,"message":"m"}`, service, level))
}

func TestFilterMatches(t *testing.T) {
	all := Filter{}
	assert.True(t, all.matches(logPayload("api", "error")))

	byService := Filter{Services: []string{"api"}}
	assert.True(t, byService.matches(logPayload("api", "info")))
	assert.False(t, byService.matches(logPayload("worker", "info")))

	byBoth := Filter{Services: []string{"api"}, Levels: []string{"error", "critical"}}
	assert.True(t, byBoth.matches(logPayload("api", "critical")))
	assert.False(t, byBoth.matches(logPayload("api", "info")))

	assert.False(t, byService.matches(json.RawMessage(`not json`)))
}

func TestDeliverDropsOldestWhenFull(t *testing.T) {
	sub := &Subscription{C: make(chan Frame, 2)}

	for i := 0; i < 5; i++ {
		sub.deliver(logPayload("api", "info"))
	}

	// Buffer holds the two newest frames; three were dropped.
	assert.Len(t, sub.C, 2)
	assert.Equal(t, int64(3), sub.TakeDropped())
	// The counter resets after being read.
	assert.Equal(t, int64(0), sub.TakeDropped())
}

func TestDeliverSkipsFilteredFrames(t *testing.T) {
	sub := &Subscription{
		C:      make(chan Frame, 4),
		filter: Filter{Levels: []string{"error"}},
	}
	sub.deliver(logPayload("api", "info"))
	sub.deliver(logPayload("api", "error"))

	require.Len(t, sub.C, 1)
	frame := <-sub.C
	assert.Equal(t, "log", frame.Type)

	var probe struct {
		Level string `json:"level"`
	}
	require.NoError(t, json.Unmarshal(frame.Log, &probe))
	assert.Equal(t, "error", probe.Level)
}

func TestHubSubscribeRegistry(t *testing.T) {
	h := NewHub(nil)

	sub1, err := h.Subscribe(context.Background(), []string{"p1", "p2"}, Filter{})
	require.NoError(t, err)
	sub2, err := h.Subscribe(context.Background(), []string{"p1"}, Filter{})
	require.NoError(t, err)

	h.mu.RLock()
	assert.Len(t, h.subs["p1"], 2)
	assert.Len(t, h.subs["p2"], 1)
	h.mu.RUnlock()

	h.Unsubscribe(sub1)
	h.mu.RLock()
	assert.Len(t, h.subs["p1"], 1)
	_, p2Alive := h.subs["p2"]
	assert.False(t, p2Alive, "empty project entry is removed")
	h.mu.RUnlock()

	h.Unsubscribe(sub2)
	h.mu.RLock()
	assert.Empty(t, h.subs)
	h.mu.RUnlock()
}

func TestSplitParam(t *testing.T) {
	assert.Nil(t, splitParam(""))
	assert.Equal(t, []string{"error", "warn"}, splitParam("error, warn,"))
}
