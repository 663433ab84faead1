package hub

import (
	"encoding/json"
	"sync"
)

const subscriberBuffer = 16

// Topic prefixes shared by publishers and stream handlers.
const (
	TopicPrefixCommand = "command:"
	TopicPrefixAgent   = "agent:"
	TopicPrefixSession = "session:"
)

// CommandTopic builds the topic for a command id.
func CommandTopic(commandID string) string { return TopicPrefixCommand + commandID }

// AgentTopic builds the topic for an agent id.
func AgentTopic(agentID string) string { return TopicPrefixAgent + agentID }

// Hub fans out serialized payloads to live subscribers keyed by topic.
// Publishing never blocks: a subscriber whose buffer is full misses the
// message. There is no replay; subscribers only see publishes that happen
// after they subscribe.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[chan []byte]struct{}
}

// New constructs an empty hub.
func New() *Hub {
	return &Hub{topics: make(map[string]map[chan []byte]struct{})}
}

// Subscribe registers a subscriber for a topic. The returned cancel function
// removes the subscription and closes the channel; it is safe to call more
// than once.
func (h *Hub) Subscribe(topic string) (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)

	h.mu.Lock()
	set := h.topics[topic]
	if set == nil {
		set = make(map[chan []byte]struct{})
		h.topics[topic] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.topics[topic]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.topics, topic)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish serializes value as JSON and delivers it to every current
// subscriber of the topic. Publishing to a topic with no subscribers is a
// no-op. Delivery is best effort; Publish never returns an error for
// subscriber-side problems.
func (h *Hub) Publish(topic string, value any) {
	if h == nil {
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}

	// Sends stay under the lock so a concurrent cancel cannot close a
	// channel mid-broadcast. They cannot block: every send is buffered
	// with a non-blocking fallback.
	h.mu.Lock()
	for ch := range h.topics[topic] {
		select {
		case ch <- payload:
		default:
		}
	}
	h.mu.Unlock()
}

// SubscriberCount returns the number of live subscribers for a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// TopicCount returns the number of topics with at least one subscriber.
func (h *Hub) TopicCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}
