package agent

import "sync"

// FeedEvent is one stream frame annotated with the execution it came
// from, as delivered to feed subscribers.
type FeedEvent struct {
	ExecutionID string `json:"execution_id"`
	Frame       Frame  `json:"frame"`
}

// FeedClient is one subscriber to a live execution feed.
type FeedClient struct {
	Send chan FeedEvent
}

// FeedHub fans live script-stream output out to observers, keyed by
// execution id. Publishing never blocks: a slow subscriber's buffer
// fills and further frames for it are dropped, so an observer can
// never stall a running execution.
type FeedHub struct {
	mu   sync.RWMutex
	subs map[string]map[*FeedClient]struct{}
}

func NewFeedHub() *FeedHub {
	return &FeedHub{
		subs: make(map[string]map[*FeedClient]struct{}),
	}
}

// Subscribe attaches a new observer to the given execution id.
func (h *FeedHub) Subscribe(executionID string) *FeedClient {
	c := &FeedClient{
		Send: make(chan FeedEvent, 32),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[executionID] == nil {
		h.subs[executionID] = make(map[*FeedClient]struct{})
	}
	h.subs[executionID][c] = struct{}{}
	return c
}

// Unsubscribe detaches an observer and closes its channel.
func (h *FeedHub) Unsubscribe(executionID string, c *FeedClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[executionID]
	if subs == nil {
		return
	}
	if _, ok := subs[c]; !ok {
		return
	}

	delete(subs, c)
	close(c.Send)
	if len(subs) == 0 {
		delete(h.subs, executionID)
	}
}

// Publish broadcasts one frame to every observer of the execution.
func (h *FeedHub) Publish(executionID string, f Frame) {
	ev := FeedEvent{ExecutionID: executionID, Frame: f}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.subs[executionID] {
		select {
		case c.Send <- ev:
		default:
			// subscriber is behind, drop the frame
		}
	}
}
