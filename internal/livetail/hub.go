// Package livetail fans freshly ingested logs out to WebSocket and SSE
// subscribers. The ingest path publishes each committed row on a per-project
// Redis channel; the hub bridges those channels to per-connection bounded
// buffers with drop-oldest backpressure.
package livetail

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/loghive/backend/internal/cache"
)

// Frame is one message on a subscriber's stream.
type Frame struct {
	Type  string          `json:"type"` // "log" or "dropped"
	Log   json.RawMessage `json:"log,omitempty"`
	Count int64           `json:"count,omitempty"`
}

// Filter narrows a subscription server-side.
type Filter struct {
	Services []string
	Levels   []string
}

func (f Filter) matches(raw json.RawMessage) bool {
	if len(f.Services) == 0 && len(f.Levels) == 0 {
		return true
	}
	var probe struct {
		Service string `json:"service"`
		Level   string `json:"level"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	if len(f.Services) > 0 && !contains(f.Services, probe.Service) {
		return false
	}
	if len(f.Levels) > 0 && !contains(f.Levels, probe.Level) {
		return false
	}
	return true
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// subscriberBuffer bounds how far a slow client can lag before losing the
// oldest frames.
const subscriberBuffer = 64

// Subscription is one connected client. Frames arrive on C; a slow consumer
// loses the oldest frames and learns about it through a dropped frame.
type Subscription struct {
	C        chan Frame
	projects []string
	filter   Filter
	dropped  atomic.Int64
	hub      *Hub
}

// TakeDropped returns and resets the number of frames lost since the last
// call. Transports emit a {type:"dropped"} frame when it is non-zero.
func (s *Subscription) TakeDropped() int64 {
	return s.dropped.Swap(0)
}

// deliver never blocks: when the buffer is full the oldest frame is thrown
// away so ingestion speed is never coupled to the slowest client.
func (s *Subscription) deliver(raw json.RawMessage) {
	if !s.filter.matches(raw) {
		return
	}
	frame := Frame{Type: "log", Log: raw}
	for {
		select {
		case s.C <- frame:
			return
		default:
		}
		select {
		case <-s.C:
			s.dropped.Add(1)
		default:
		}
	}
}

// Hub owns the Redis pub/sub connection and the subscriber registry.
type Hub struct {
	rdb    *redis.Client
	pubsub *redis.PubSub
	logger *log.Logger

	mu   sync.RWMutex
	subs map[string]map[*Subscription]bool // projectID -> subscriptions
}

func NewHub(rdb *redis.Client) *Hub {
	return &Hub{
		rdb:    rdb,
		subs:   make(map[string]map[*Subscription]bool),
		logger: log.New(log.Writer(), "[LIVETAIL] ", log.LstdFlags),
	}
}

// Run pumps Redis messages to subscribers until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.pubsub = h.rdb.Subscribe(ctx)
	h.mu.Unlock()

	ch := h.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			h.pubsub.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.dispatch(msg)
		}
	}
}

func (h *Hub) dispatch(msg *redis.Message) {
	projectID := strings.TrimPrefix(msg.Channel, cache.ChanLiveTail)
	raw := json.RawMessage(msg.Payload)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[projectID] {
		sub.deliver(raw)
	}
}

// Subscribe registers a client for one or more projects. The Redis channel
// is joined lazily on the first subscriber per project.
func (h *Hub) Subscribe(ctx context.Context, projectIDs []string, filter Filter) (*Subscription, error) {
	sub := &Subscription{
		C:        make(chan Frame, subscriberBuffer),
		projects: projectIDs,
		filter:   filter,
		hub:      h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	var joined []string
	for _, pid := range projectIDs {
		if h.subs[pid] == nil {
			h.subs[pid] = make(map[*Subscription]bool)
			joined = append(joined, cache.ChanLiveTail+pid)
		}
		h.subs[pid][sub] = true
	}
	if len(joined) > 0 && h.pubsub != nil {
		if err := h.pubsub.Subscribe(ctx, joined...); err != nil {
			h.removeLocked(sub)
			return nil, err
		}
	}
	h.logger.Printf("subscriber joined (projects=%d)", len(projectIDs))
	return sub, nil
}

// Unsubscribe detaches a client; the Redis channel is left once the last
// subscriber of a project is gone.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	left := h.removeLocked(sub)
	pubsub := h.pubsub
	h.mu.Unlock()

	if len(left) > 0 && pubsub != nil {
		if err := pubsub.Unsubscribe(context.Background(), left...); err != nil {
			h.logger.Printf("channel unsubscribe failed: %v", err)
		}
	}
}

func (h *Hub) removeLocked(sub *Subscription) []string {
	var left []string
	for _, pid := range sub.projects {
		if set := h.subs[pid]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, pid)
				left = append(left, cache.ChanLiveTail+pid)
			}
		}
	}
	return left
}
